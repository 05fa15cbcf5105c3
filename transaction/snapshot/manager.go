/*
Snapshot manager.

Snapshot isolation: every reader sees the database as of its snapshot, never
a partial state of a concurrent writer. The isolation level only decides WHEN
a snapshot is captured: once per transaction (Repeatable Read, Serializable)
or once per statement (Read Committed). Nothing below the transaction manager
is isolation-level aware.

With a snapshot a transaction can tell whether another transaction was in
progress at capture time. When it had already completed, the snapshot cannot
tell whether it committed or aborted, so clog is consulted. The combination
of the two is the visibility oracle used by the version store.

The manager also tracks the snapshots of in-progress transactions so vacuum
can compute the GC horizon: the oldest xmin any live snapshot can still need.
see https://github.com/postgres/postgres/blob/8242752f9c104030085cb167e6e1dd5bed481360/src/backend/storage/ipc/procarray.c#L2214
*/
package snapshot

import (
	"sync"

	"github.com/HayatoShiba/pptxn/transaction/clog"
	"github.com/HayatoShiba/pptxn/transaction/txid"
)

// VersionInfo is the visibility-relevant header of one row version.
// the version store passes this in so the two packages stay decoupled.
type VersionInfo struct {
	// Xmin is the transaction which created the version
	Xmin txid.TxID
	// Cmin is the creating command within Xmin
	Cmin uint32
	// Xmax is the transaction which deleted -or is deleting- the version.
	// InvalidTxID when the version is live.
	Xmax txid.TxID
	// Cmax is the deleting command within Xmax
	Cmax uint32
}

// Manager is snapshot manager
type Manager struct {
	// clog is needed to resolve completed-but-unknown transactions
	cm *clog.Manager

	mu sync.Mutex
	// transaction ids currently in progress (procarray in postgres)
	inProgressTxIDs map[txid.TxID]struct{}
	// the latest completed transaction id. becomes xmax of new snapshots.
	latestCompletedTxID txid.TxID
	// registered snapshot per in-progress transaction, for the GC horizon
	inProgressSnapshots map[txid.TxID]*Snapshot
	// oldest xmin a connected standby still needs (hot_standby_feedback).
	// InvalidTxID when no feedback clamps the horizon.
	feedbackXmin txid.TxID
}

// NewManager initializes snapshot manager
func NewManager(cm *clog.Manager) *Manager {
	return &Manager{
		cm:                  cm,
		inProgressTxIDs:     make(map[txid.TxID]struct{}),
		inProgressSnapshots: make(map[txid.TxID]*Snapshot),
	}
}

// AddInProgressTxID registers a newly allocated transaction id.
// the caller must still hold the txid allocation lock; see txid.Manager.
func (m *Manager) AddInProgressTxID(txID txid.TxID) {
	m.mu.Lock()
	m.inProgressTxIDs[txID] = struct{}{}
	m.mu.Unlock()
}

// CompleteTxID removes the id from the in-progress set and advances the
// latest completed id if needed
func (m *Manager) CompleteTxID(txID txid.TxID) {
	m.mu.Lock()
	delete(m.inProgressTxIDs, txID)
	if txID.IsFollows(m.latestCompletedTxID) {
		m.latestCompletedTxID = txID
	}
	m.mu.Unlock()
}

// InProgressCount returns the number of in-progress transactions
func (m *Manager) InProgressCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inProgressTxIDs)
}

// getSnapshotInfo computes xmin/xmax for a new snapshot. caller holds m.mu.
func (m *Manager) getSnapshotInfo() (xmin, xmax txid.TxID) {
	xmax = m.latestCompletedTxID
	// xmin is the oldest in-progress id. when nothing runs, everything at or
	// below xmax has completed, so xmin is xmax+1.
	xmin = txid.InvalidTxID
	for id := range m.inProgressTxIDs {
		if !xmin.IsValid() || xmin.IsFollows(id) {
			xmin = id
		}
	}
	if !xmin.IsValid() {
		xmin = xmax + 1
	}
	return xmin, xmax
}

// TakeSnapshot captures a snapshot for the given transaction/command
func (m *Manager) TakeSnapshot(owner txid.TxID, cid uint32) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	xmin, xmax := m.getSnapshotInfo()
	xip := make(map[txid.TxID]struct{}, len(m.inProgressTxIDs))
	for id := range m.inProgressTxIDs {
		if id == owner {
			// own writes are handled by the cid rules, not xip
			continue
		}
		xip[id] = struct{}{}
	}
	return newSnapshot(xmin, xmax, xip, owner, cid)
}

// AddInProgressTxSnapshot registers the transaction's current snapshot so the
// GC horizon accounts for it
func (m *Manager) AddInProgressTxSnapshot(txID txid.TxID, snap *Snapshot) {
	m.mu.Lock()
	m.inProgressSnapshots[txID] = snap
	m.mu.Unlock()
}

// GetInProgressTxSnapshot returns the registered snapshot of the transaction
func (m *Manager) GetInProgressTxSnapshot(txID txid.TxID) (*Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.inProgressSnapshots[txID]
	return s, ok
}

// CompleteTxSnapshot drops the registered snapshot of a completed transaction
func (m *Manager) CompleteTxSnapshot(txID txid.TxID) {
	m.mu.Lock()
	delete(m.inProgressSnapshots, txID)
	m.mu.Unlock()
}

// InProgressSnapshots returns a copy of the registered snapshots, keyed by
// owner. admin surface.
func (m *Manager) InProgressSnapshots() map[txid.TxID]*Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[txid.TxID]*Snapshot, len(m.inProgressSnapshots))
	for id, s := range m.inProgressSnapshots {
		out[id] = s
	}
	return out
}

// SetFeedbackXmin clamps the GC horizon to the oldest xmin a standby reports
// (hot_standby_feedback). InvalidTxID removes the clamp.
func (m *Manager) SetFeedbackXmin(xmin txid.TxID) {
	m.mu.Lock()
	m.feedbackXmin = xmin
	m.mu.Unlock()
}

// GCHorizon returns the transaction id below which no live snapshot can see
// anything. versions whose xmax committed below the horizon are dead and can
// be reclaimed by vacuum.
func (m *Manager) GCHorizon() txid.TxID {
	m.mu.Lock()
	defer m.mu.Unlock()
	horizon := m.latestCompletedTxID + 1
	for id := range m.inProgressTxIDs {
		if horizon.IsFollows(id) {
			horizon = id
		}
	}
	for _, s := range m.inProgressSnapshots {
		if horizon.IsFollows(s.xmin) {
			horizon = s.xmin
		}
	}
	if m.feedbackXmin.IsValid() && horizon.IsFollows(m.feedbackXmin) {
		horizon = m.feedbackXmin
	}
	return horizon
}

// isConsideredCommitted checks whether the transaction is committed from the
// snapshot's point of view: committed in clog AND not in progress at capture
// time. A transaction that committed after the snapshot was taken is still
// "running" for this snapshot.
func (m *Manager) isConsideredCommitted(txID txid.TxID, snap *Snapshot) bool {
	if snap.IsInProgress(txID) {
		return false
	}
	return m.cm.IsCommitted(txID)
}

// IsVersionVisible decides whether one row version is visible under the
// snapshot. This is the visibility invariant of the whole system:
// the version's creator must be committed w.r.t. the snapshot, and its
// deleter (if any) must not be.
// postgres implements this in heapam_visibility.c
// see https://github.com/postgres/postgres/blob/c3652cd84ac8aa60dd09a9743d4db6f20e985a2f/src/backend/access/heap/heapam_visibility.c#L3
func (m *Manager) IsVersionVisible(v VersionInfo, snap *Snapshot) bool {
	if v.Xmin == snap.owner {
		// own insert: visible only to later commands
		if v.Cmin >= snap.cid {
			return false
		}
		if !v.Xmax.IsValid() {
			return true
		}
		if v.Xmax == snap.owner {
			// own delete: invisible to later commands
			return v.Cmax >= snap.cid
		}
		// deleted by someone else who cannot have committed while we hold
		// the row lock; treat like any other xmax below
		return !m.isConsideredCommitted(v.Xmax, snap)
	}

	// frozen versions survive from before the horizon; creator committed
	if v.Xmin == txid.FrozenTxID {
		return m.isXmaxPassed(v, snap)
	}

	if !m.isConsideredCommitted(v.Xmin, snap) {
		return false
	}
	return m.isXmaxPassed(v, snap)
}

// isXmaxPassed checks the deleter side of the visibility invariant:
// the version stays visible unless the deleter committed before the snapshot.
func (m *Manager) isXmaxPassed(v VersionInfo, snap *Snapshot) bool {
	if !v.Xmax.IsValid() {
		return true
	}
	if v.Xmax == snap.owner {
		// own delete by an earlier command hides the version
		return v.Cmax >= snap.cid
	}
	return !m.isConsideredCommitted(v.Xmax, snap)
}
