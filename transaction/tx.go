package transaction

import (
	"github.com/HayatoShiba/pptxn/transaction/snapshot"
	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/HayatoShiba/pptxn/wal"
)

// Tx is a transaction descriptor. it is owned by a single session and is not
// safe for concurrent use; the managers behind it are.
type Tx struct {
	id    txid.TxID
	state State
	level IsolationLevel

	// snapshot is the one currently used for visibility. under read
	// committed it is replaced at every statement, otherwise it is fixed at
	// the first statement of the transaction.
	snapshot *snapshot.Snapshot

	// commandID distinguishes statements inside the transaction, so a
	// statement never sees rows written by itself
	commandID uint32

	// lastLsn is the wal position of the last record this transaction
	// appended; zero value with wrote=false means read-only so far
	lastLsn wal.Lsn
	wrote   bool
}

// NewTransaction initializes transaction
func NewTransaction(id txid.TxID, level IsolationLevel, snap *snapshot.Snapshot) *Tx {
	return &Tx{
		id:       id,
		state:    StateInProgress,
		level:    level,
		snapshot: snap,
	}
}

// ID returns transaction id
func (tx *Tx) ID() txid.TxID {
	return tx.id
}

// State returns transaction state
func (tx *Tx) State() State {
	return tx.state
}

// IsolationLevel returns transaction isolation level
func (tx *Tx) IsolationLevel() IsolationLevel {
	return tx.level
}

// SetState sets transaction state
func (tx *Tx) SetState(state State) {
	tx.state = state
}

// Snapshot returns the snapshot currently used for visibility
func (tx *Tx) Snapshot() *snapshot.Snapshot {
	return tx.snapshot
}

// CommandID returns the current command id within the transaction
func (tx *Tx) CommandID() uint32 {
	return tx.commandID
}

// MarkWrite records that the transaction appended a wal record
func (tx *Tx) MarkWrite(lsn wal.Lsn) {
	tx.lastLsn = lsn
	tx.wrote = true
}

// Wrote reports whether the transaction has written anything
func (tx *Tx) Wrote() bool {
	return tx.wrote
}

// LastLsn returns the wal position of the transaction's last record
func (tx *Tx) LastLsn() wal.Lsn {
	return tx.lastLsn
}
