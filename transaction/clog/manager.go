/*
Clog manager manages the commit log: the status of every transaction.

The visibility of row versions cannot be determined from a snapshot alone.
A snapshot tells whether a transaction was in progress when the snapshot was
taken; when it was already completed, the snapshot cannot tell whether it
committed or aborted. Clog answers that question.

Unlike postgres, clog here is an in-memory structure with no independent
disk format. Durability of commit status is carried by the WAL: the
commit/abort record is flushed before any other session may observe the
status, and recovery rebuilds the clog by replaying commit/abort records
from the last checkpoint, whose dump carries the states of everything
completed before it.
*/
package clog

import (
	"sync"

	"github.com/HayatoShiba/pptxn/transaction/txid"
)

// Manager is clog manager
type Manager struct {
	mu sync.RWMutex
	// 2-bit packed status pages, allocated lazily
	pages map[pageID]*[pageSize]byte
}

// NewManager initializes clog manager
func NewManager() *Manager {
	return &Manager{
		pages: make(map[pageID]*[pageSize]byte),
	}
}

// State returns the state of the transaction.
// the frozen id is committed by definition; an unknown id is in progress.
func (m *Manager) State(txID txid.TxID) State {
	if txID == txid.FrozenTxID {
		return StateCommitted
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[getPageIDFromTxID(txID)]
	if !ok {
		return StateInProgress
	}
	return getState(p[getByteOffsetFromTxID(txID)], txID)
}

// IsCommitted checks whether the transaction has been committed
func (m *Manager) IsCommitted(txID txid.TxID) bool {
	return m.State(txID) == StateCommitted
}

// IsAborted checks whether the transaction has been aborted
func (m *Manager) IsAborted(txID txid.TxID) bool {
	return m.State(txID) == StateAborted
}

// SetStateCommitted stores the committed status of the transaction
func (m *Manager) SetStateCommitted(txID txid.TxID) {
	m.setState(txID, StateCommitted)
}

// SetStateAborted stores the aborted status of the transaction
func (m *Manager) SetStateAborted(txID txid.TxID) {
	m.setState(txID, StateAborted)
}

func (m *Manager) setState(txID txid.TxID, st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid := getPageIDFromTxID(txID)
	p, ok := m.pages[pid]
	if !ok {
		p = new([pageSize]byte)
		m.pages[pid] = p
	}
	off := getByteOffsetFromTxID(txID)
	p[off] = getUpdatedState(p[off], txID, st)
}
