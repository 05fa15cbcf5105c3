package snapshot

import "github.com/HayatoShiba/pptxn/transaction/txid"

// Snapshot is the set of transactions considered completed from the viewpoint
// of one reader. immutable after capture.
// see https://github.com/postgres/postgres/blob/27b77ecf9f4d5be211900eda54d8155ada50d696/src/include/utils/snapshot.h#L121
type Snapshot struct {
	// the minimum transaction id which was in progress at capture time.
	// every id below xmin has completed.
	xmin txid.TxID

	// the max transaction id which has completed at capture time.
	// every id above xmax is treated as still running.
	xmax txid.TxID

	// the transaction ids in progress at capture time.
	// allocation of a new transaction id and insertion of the id into xip
	// have to be atomic; see the comment on txid.Manager.
	xip map[txid.TxID]struct{}

	// the transaction this snapshot belongs to.
	// needed so a transaction can see its own uncommitted writes.
	owner txid.TxID

	// command id of the owner at capture time. writes of the owner's later
	// commands are invisible, so a statement never sees its own output
	// mid-statement.
	cid uint32
}

func newSnapshot(xmin, xmax txid.TxID, xip map[txid.TxID]struct{}, owner txid.TxID, cid uint32) *Snapshot {
	return &Snapshot{
		xmin:  xmin,
		xmax:  xmax,
		xip:   xip,
		owner: owner,
		cid:   cid,
	}
}

// NewSnapshot builds a snapshot from explicit contents. normal sessions get
// their snapshots from the manager; standby replay derives them from its
// replay state instead.
func NewSnapshot(xmin, xmax txid.TxID, xip []txid.TxID, owner txid.TxID, cid uint32) *Snapshot {
	m := make(map[txid.TxID]struct{}, len(xip))
	for _, id := range xip {
		m[id] = struct{}{}
	}
	return newSnapshot(xmin, xmax, m, owner, cid)
}

// TestingNewSnapshot builds a snapshot with explicit contents
func TestingNewSnapshot(xmin, xmax txid.TxID, xip []txid.TxID, owner txid.TxID, cid uint32) *Snapshot {
	return NewSnapshot(xmin, xmax, xip, owner, cid)
}

// WithCommandID derives a snapshot for a later command of the same owner.
// the completed-transaction view stays fixed while the command id advances,
// which is how repeatable read keeps one snapshot across statements yet lets
// each statement see the writes of the commands before it.
func (snap *Snapshot) WithCommandID(cid uint32) *Snapshot {
	s := *snap
	s.cid = cid
	return &s
}

// Owner returns the transaction this snapshot belongs to
func (snap *Snapshot) Owner() txid.TxID {
	return snap.owner
}

// Xmin returns the snapshot's xmin. vacuum uses this for the GC horizon.
func (snap *Snapshot) Xmin() txid.TxID {
	return snap.xmin
}

// CommandID returns the owner's command id at capture time
func (snap *Snapshot) CommandID() uint32 {
	return snap.cid
}

// XipList returns the in-progress ids at capture time. introspection only.
func (snap *Snapshot) XipList() []txid.TxID {
	ids := make([]txid.TxID, 0, len(snap.xip))
	for id := range snap.xip {
		ids = append(ids, id)
	}
	return ids
}

// IsInProgress checks whether the transaction was in progress from the
// perspective of this snapshot.
// see https://github.com/postgres/postgres/blob/8b5262fa0efdd515a05e533c2a1198e7b666f7d8/src/backend/utils/time/snapmgr.c#L2287
func (snap *Snapshot) IsInProgress(txID txid.TxID) bool {
	// below xmin: completed before capture
	if snap.xmin.IsFollows(txID) {
		return false
	}
	// above xmax: started after capture
	if txID.IsFollows(snap.xmax) {
		return true
	}
	// xmin <= txID <= xmax: in progress iff present in xip
	_, ok := snap.xip[txID]
	return ok
}
