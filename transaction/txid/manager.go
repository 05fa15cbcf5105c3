/*
Transaction id manager.

The latest transaction id is a shared resource, so allocation happens under a
lock (XidGenLock in postgres). The lock is exposed to the caller on purpose:
allocation of a new id and insertion of the id into the snapshot manager's
in-progress set have to be atomic. If they were not, another session could
take a snapshot between the two steps, later observe the id as completed, and
treat a still-running transaction as committed.
see https://github.com/postgres/postgres/blob/97c61f70d1b97bdfd20dcb1f2b1be42862ec88c2/src/backend/access/transam/README#L272-L284
*/
package txid

import (
	"sync"
)

type Manager struct {
	// XidGenLock. held across allocation and the caller's in-progress
	// registration, released with ReleaseLock.
	mu sync.Mutex
	// nextTxID is the transaction id which is allotted next time
	nextTxID TxID
}

// NewManager initializes transaction id manager
func NewManager() *Manager {
	return &Manager{
		nextTxID: FirstTxID,
	}
}

// TestingNewManager initializes a manager whose next id is the given one
func TestingNewManager(next TxID) *Manager {
	return &Manager{nextTxID: next}
}

// AllocateNewTxID allocates the next transaction id and advances the cursor.
// The manager's lock is still held when this returns: the caller must insert
// the id into the snapshot manager's in-progress set and then call ReleaseLock.
func (tm *Manager) AllocateNewTxID() TxID {
	tm.mu.Lock()
	txID := tm.nextTxID
	tm.nextTxID++
	return txID
}

// ReleaseLock releases the allocation lock taken by AllocateNewTxID
func (tm *Manager) ReleaseLock() {
	tm.mu.Unlock()
}

// Advance moves the next id past the given one. Recovery calls this after
// replay so the ids of replayed transactions are never reissued.
func (tm *Manager) Advance(seen TxID) {
	tm.mu.Lock()
	if seen >= tm.nextTxID {
		tm.nextTxID = seen + 1
	}
	tm.mu.Unlock()
}

// Next returns the id that would be allocated next. introspection only.
func (tm *Manager) Next() TxID {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.nextTxID
}
