/*
Lock manager.

Arbitrates conflicting access to named resources. Readers of the version
store never come here (MVCC reads are snapshot-based); writers take an
exclusive row lock before touching a version chain, and coarser-grained
callers may take relation-level locks with intent modes.

Acquire is the only call in the whole core that suspends its caller: the
request parks on the resource's FIFO wait queue and is woken by ReleaseAll
of some holder, by cancellation, by lock_timeout, or by the deadlock
detector choosing it as victim.

The waits-for graph is not maintained incrementally; the detector rebuilds
it from the wait queues on every scan. That trades a small periodic cost for
much simpler invariants here.
*/
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/metrics"
	"github.com/HayatoShiba/pptxn/transaction/txid"
)

var (
	// ErrDeadlockDetected aborts the victim of a waits-for cycle. retryable.
	ErrDeadlockDetected = errors.New("deadlock detected")
	// ErrLockWaitTimeout is raised when lock_timeout expires. retryable.
	ErrLockWaitTimeout = errors.New("lock wait timeout")
	// ErrLockWaitCanceled is raised when the wait is canceled from outside. retryable.
	ErrLockWaitCanceled = errors.New("lock wait canceled")
	// ErrTooManyLocks is raised when a transaction exceeds max_locks_per_transaction
	ErrTooManyLocks = errors.New("too many locks held by one transaction")
)

// request is one transaction's claim on one resource, granted or waiting
type request struct {
	txID    txid.TxID
	mode    Mode
	granted bool
	// true when the transaction already holds the resource in a weaker mode
	upgrade bool
	// buffered: the granter/detector delivers exactly one result
	wake chan error
}

// lockState is the per-resource queue: granted entries and FIFO waiters
type lockState struct {
	queue []*request
}

// Manager is lock manager
type Manager struct {
	deadlockTimeout time.Duration
	lockTimeout     time.Duration
	maxPerTxn       int
	logger          *zap.Logger

	mu    sync.Mutex
	locks map[common.ResourceID]*lockState
	// strongest granted mode per transaction and resource
	held map[txid.TxID]map[common.ResourceID]Mode

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager initializes lock manager and starts the deadlock detector
func NewManager(deadlockTimeout, lockTimeout time.Duration, maxLocksPerTxn int, logger *zap.Logger) *Manager {
	m := &Manager{
		deadlockTimeout: deadlockTimeout,
		lockTimeout:     lockTimeout,
		maxPerTxn:       maxLocksPerTxn,
		logger:          logger,
		locks:           make(map[common.ResourceID]*lockState),
		held:            make(map[txid.TxID]map[common.ResourceID]Mode),
		stop:            make(chan struct{}),
	}
	go m.runDeadlockDetector()
	return m
}

// Close stops the deadlock detector
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Acquire obtains the resource in the given mode, suspending the caller
// until the lock is grantable. Cancellation of ctx removes the request from
// the wait queue and returns ErrLockWaitCanceled.
func (m *Manager) Acquire(ctx context.Context, res common.ResourceID, mode Mode, txID txid.TxID) error {
	m.mu.Lock()

	cur, holds := m.heldMode(txID, res)
	if holds && cur.covers(mode) {
		// re-entrant: already held in a covering mode
		m.mu.Unlock()
		return nil
	}
	if !holds && len(m.held[txID]) >= m.maxPerTxn {
		m.mu.Unlock()
		return errors.Wrapf(ErrTooManyLocks, "limit %d", m.maxPerTxn)
	}

	st, ok := m.locks[res]
	if !ok {
		st = &lockState{}
		m.locks[res] = st
	}

	want := mode
	if holds {
		want = cur.join(mode)
	}

	if m.canGrantLocked(st, want, txID, holds) {
		m.grantLocked(st, res, want, txID, holds)
		m.mu.Unlock()
		return nil
	}

	req := &request{txID: txID, mode: want, upgrade: holds, wake: make(chan error, 1)}
	st.queue = append(st.queue, req)
	m.mu.Unlock()
	metrics.LockWaiters.Inc()
	defer metrics.LockWaiters.Dec()

	var timeout <-chan time.Time
	if m.lockTimeout > 0 {
		t := time.NewTimer(m.lockTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case err := <-req.wake:
		// granted (nil) or chosen as deadlock victim; either way the
		// detector/granter already fixed up the queue
		return err
	case <-ctx.Done():
		return m.abandonWait(res, req, ErrLockWaitCanceled)
	case <-timeout:
		return m.abandonWait(res, req, ErrLockWaitTimeout)
	}
}

// abandonWait removes the request from the wait queue. when the grant raced
// the cancellation, the lock is kept and the wait succeeds.
func (m *Manager) abandonWait(res common.ResourceID, req *request, reason error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case err := <-req.wake:
		// grant or victim notification won the race
		return err
	default:
	}
	st := m.locks[res]
	if st != nil {
		st.removeRequest(req)
	}
	return reason
}

// heldMode returns the strongest granted mode of the transaction on the
// resource. caller holds m.mu.
func (m *Manager) heldMode(txID txid.TxID, res common.ResourceID) (Mode, bool) {
	byRes, ok := m.held[txID]
	if !ok {
		return 0, false
	}
	mode, ok := byRes[res]
	return mode, ok
}

// canGrantLocked checks compatibility with every granted entry of other
// transactions and, for fresh requests, FIFO fairness against earlier
// waiters. upgraders may overtake waiters: they already hold the resource,
// and parking them behind a fresh waiter is an instant deadlock.
func (m *Manager) canGrantLocked(st *lockState, mode Mode, txID txid.TxID, upgrade bool) bool {
	for _, r := range st.queue {
		if r.txID == txID {
			continue
		}
		if r.granted {
			if !mode.IsCompatibleWith(r.mode) {
				return false
			}
			continue
		}
		if !upgrade {
			// somebody queued before us; keep FIFO order
			return false
		}
	}
	return true
}

// grantLocked records the grant. caller holds m.mu.
func (m *Manager) grantLocked(st *lockState, res common.ResourceID, mode Mode, txID txid.TxID, upgrade bool) {
	if upgrade {
		for _, r := range st.queue {
			if r.txID == txID && r.granted {
				r.mode = mode
				m.held[txID][res] = mode
				return
			}
		}
	}
	st.queue = append(st.queue, &request{txID: txID, mode: mode, granted: true})
	byRes, ok := m.held[txID]
	if !ok {
		byRes = make(map[common.ResourceID]Mode)
		m.held[txID] = byRes
	}
	byRes[res] = mode
}

// ReleaseAll releases every lock held by the transaction and wakes the next
// compatible waiters in FIFO order. called exactly once by the transaction
// manager at commit/abort.
func (m *Manager) ReleaseAll(txID txid.TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRes := m.held[txID]
	delete(m.held, txID)
	for res := range byRes {
		st := m.locks[res]
		if st == nil {
			continue
		}
		st.removeGranted(txID)
		m.grantWaitersLocked(st, res)
		if len(st.queue) == 0 {
			delete(m.locks, res)
		}
	}
}

// grantWaitersLocked grants the FIFO prefix of waiters that became
// compatible. stops at the first waiter that still conflicts so nobody is
// overtaken.
func (m *Manager) grantWaitersLocked(st *lockState, res common.ResourceID) {
	for {
		granted := false
		for _, r := range st.queue {
			if r.granted {
				continue
			}
			if !m.canGrantLocked(st, r.mode, r.txID, true) {
				return
			}
			// grant in place
			if r.upgrade {
				// fold into the existing granted entry
				st.removeRequest(r)
				m.grantLocked(st, res, r.mode, r.txID, true)
			} else {
				r.granted = true
				byRes, ok := m.held[r.txID]
				if !ok {
					byRes = make(map[common.ResourceID]Mode)
					m.held[r.txID] = byRes
				}
				byRes[res] = r.mode
			}
			r.wake <- nil
			granted = true
			break
		}
		if !granted {
			return
		}
	}
}

func (st *lockState) removeRequest(req *request) {
	for i, r := range st.queue {
		if r == req {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			return
		}
	}
}

func (st *lockState) removeGranted(txID txid.TxID) {
	out := st.queue[:0]
	for _, r := range st.queue {
		if r.granted && r.txID == txID {
			continue
		}
		out = append(out, r)
	}
	st.queue = out
}
