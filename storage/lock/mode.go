/*
Lock modes and their compatibility matrix.

The mode set is a reduced version of the postgres table-level lock modes:
intent modes announce an intention to lock finer-grained resources under a
coarser one, shared/exclusive arbitrate the resource itself.
see https://github.com/postgres/postgres/blob/97c61f70d1b97bdfd20dcb1f2b1be42862ec88c2/src/include/storage/lockdefs.h#L27-L46
*/
package lock

// Mode is a lock mode
type Mode uint8

const (
	// intention to take shared locks on finer resources
	ModeIntentShared Mode = iota
	// intention to take exclusive locks on finer resources
	ModeIntentExclusive
	// shared access to the resource itself
	ModeShared
	// exclusive access to the resource itself
	ModeExclusive

	numModes
)

func (m Mode) String() string {
	switch m {
	case ModeIntentShared:
		return "IntentShared"
	case ModeIntentExclusive:
		return "IntentExclusive"
	case ModeShared:
		return "Shared"
	case ModeExclusive:
		return "Exclusive"
	}
	return "Invalid"
}

// compat[a][b] is true when a granted lock in mode a coexists with a granted
// lock in mode b held by another transaction
var compat = [numModes][numModes]bool{
	ModeIntentShared:    {ModeIntentShared: true, ModeIntentExclusive: true, ModeShared: true, ModeExclusive: false},
	ModeIntentExclusive: {ModeIntentShared: true, ModeIntentExclusive: true, ModeShared: false, ModeExclusive: false},
	ModeShared:          {ModeIntentShared: true, ModeIntentExclusive: false, ModeShared: true, ModeExclusive: false},
	ModeExclusive:       {ModeIntentShared: false, ModeIntentExclusive: false, ModeShared: false, ModeExclusive: false},
}

// IsCompatibleWith checks whether two modes can be granted simultaneously
func (m Mode) IsCompatibleWith(o Mode) bool {
	return compat[m][o]
}

// strength orders the modes for upgrade decisions. shared and intent
// exclusive are not comparable in general; join resolves that.
var strength = [numModes]int{
	ModeIntentShared:    0,
	ModeIntentExclusive: 1,
	ModeShared:          1,
	ModeExclusive:       2,
}

// covers checks whether holding mode m makes a request for mode o redundant
func (m Mode) covers(o Mode) bool {
	if m == o {
		return true
	}
	switch m {
	case ModeExclusive:
		return true
	case ModeShared:
		return o == ModeIntentShared
	case ModeIntentExclusive:
		return o == ModeIntentShared
	}
	return false
}

// join returns the weakest mode covering both
func (m Mode) join(o Mode) Mode {
	if m.covers(o) {
		return m
	}
	if o.covers(m) {
		return o
	}
	// shared + intent exclusive would be SIX; this core does not carry it,
	// so fall back to exclusive
	return ModeExclusive
}
