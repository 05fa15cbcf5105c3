package transaction

// State is transaction state as seen by the session holding the Tx. the
// authoritative, persistent state lives in clog.
// see https://github.com/postgres/postgres/blob/20432f8731404d2cef2a155144aca5ab3ae98e95/src/backend/access/transam/xact.c#L137-L148
type State uint

const (
	// during transaction
	StateInProgress State = iota
	// transaction committed
	StateCommitted
	// transaction aborted
	StateAborted
)

// IsCompleted checks whether the transaction has been completed
func IsCompleted(state State) bool {
	return state == StateCommitted || state == StateAborted
}
