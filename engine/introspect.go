package engine

import (
	"github.com/HayatoShiba/pptxn/storage/lock"
	"github.com/HayatoShiba/pptxn/transaction/snapshot"
	"github.com/HayatoShiba/pptxn/transaction/txid"
)

// Locks returns the current lock table, pg_locks style
func (e *Engine) Locks() []lock.Info {
	return e.locks.Snapshot()
}

// InProgressSnapshots returns the registered snapshot of every in-progress
// transaction, keyed by owner
func (e *Engine) InProgressSnapshots() map[txid.TxID]*snapshot.Snapshot {
	return e.sm.InProgressSnapshots()
}

// GCHorizon returns the transaction id below which vacuum may reclaim dead
// versions
func (e *Engine) GCHorizon() txid.TxID {
	return e.sm.GCHorizon()
}
