package transaction

import "github.com/pkg/errors"

// IsolationLevel is the transaction isolation level.
// read uncommitted is accepted but behaves as read committed: MVCC never
// shows uncommitted data, so there is nothing weaker to provide.
// see https://github.com/postgres/postgres/blob/master/src/backend/utils/misc/guc_tables.c
type IsolationLevel uint

const (
	LevelReadCommitted IsolationLevel = iota
	LevelRepeatableRead
	LevelSerializable

	DefaultIsolationLevel = LevelReadCommitted
)

func (l IsolationLevel) String() string {
	switch l {
	case LevelReadCommitted:
		return "read committed"
	case LevelRepeatableRead:
		return "repeatable read"
	case LevelSerializable:
		return "serializable"
	}
	return "invalid"
}

// ParseIsolationLevel maps the sql-ish level name to an IsolationLevel
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch s {
	case "read uncommitted", "read committed":
		return LevelReadCommitted, nil
	case "repeatable read":
		return LevelRepeatableRead, nil
	case "serializable":
		return LevelSerializable, nil
	}
	return 0, errors.Errorf("unknown isolation level %q", s)
}

// usesTxSnapshot returns whether the isolation level keeps one snapshot for
// the whole transaction instead of taking a fresh one per statement
func usesTxSnapshot(level IsolationLevel) bool {
	return level >= LevelRepeatableRead
}
