/*
Transaction manager.

Postgres adopts MVCC (Multi Version Concurrency Control) for concurrency
control: writers never block readers and readers never block writers, because
every write creates a new row version stamped with the writer's transaction
id and readers pick the version their snapshot allows.

The three pieces a transaction is built from here:
  - a transaction id from txid, which orders it against everything else
  - a snapshot from snapshot, which fixes what it can see
  - its fate in clog, which is the single authoritative commit/abort bit

Isolation levels differ only in when snapshots are taken and what happens at
commit. Read committed takes a snapshot per statement; repeatable read takes
one at the first statement and keeps it; serializable does the same and
additionally runs the SSI check at commit, aborting the transaction when it
is the pivot of a dangerous structure.

Commit ordering matters: the commit record must be durable in the WAL before
clog flips to committed, because the moment clog flips, other transactions
may be told the commit happened. Crash in between replays the commit record
and flips clog again during recovery.
*/
package transaction

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/metrics"
	"github.com/HayatoShiba/pptxn/storage/lock"
	"github.com/HayatoShiba/pptxn/transaction/clog"
	"github.com/HayatoShiba/pptxn/transaction/snapshot"
	"github.com/HayatoShiba/pptxn/transaction/ssi"
	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/HayatoShiba/pptxn/wal"
)

var (
	// ErrTooManyActiveTransactions is returned by Begin when the configured
	// cap on concurrent transactions has been reached
	ErrTooManyActiveTransactions = errors.New("too many active transactions")

	// ErrSerializationFailure is returned at commit when the transaction is
	// the pivot of a dangerous rw-antidependency structure, and by
	// repeatable read writes that lose a first-updater-wins race. the
	// application should retry the whole transaction.
	ErrSerializationFailure = errors.New("could not serialize access due to read/write dependencies among transactions")
)

// SyncCommitMode is how much durability a commit waits for before returning,
// the synchronous_commit setting.
type SyncCommitMode int

const (
	// SyncCommitOff acknowledges as soon as the commit record is in the wal
	// buffer. a crash can lose the last few commits but never corrupts.
	SyncCommitOff SyncCommitMode = iota
	// SyncCommitLocal waits for the local wal flush
	SyncCommitLocal
	// SyncCommitRemoteWrite additionally waits until the synchronous
	// standbys have flushed the commit record
	SyncCommitRemoteWrite
	// SyncCommitRemoteApply additionally waits until the synchronous
	// standbys have applied it, so reads on the standby see the commit
	SyncCommitRemoteApply
)

// ParseSyncCommitMode maps the config string to a SyncCommitMode
func ParseSyncCommitMode(s string) (SyncCommitMode, error) {
	switch s {
	case "off":
		return SyncCommitOff, nil
	case "local", "on", "":
		return SyncCommitLocal, nil
	case "remote_write":
		return SyncCommitRemoteWrite, nil
	case "remote_apply":
		return SyncCommitRemoteApply, nil
	}
	return 0, errors.Errorf("unknown synchronous_commit mode %q", s)
}

// DurabilityWaiter blocks a committing transaction until the synchronous
// standbys have confirmed the commit lsn. implemented by the replication
// sync-wait machinery; nil means no synchronous standbys are configured and
// remote modes degrade to local.
type DurabilityWaiter interface {
	// WaitForRemote returns once every synchronous standby has flushed
	// (apply=false) or applied (apply=true) the wal through lsn
	WaitForRemote(ctx context.Context, lsn wal.Lsn, apply bool) error
}

// Manager manages transaction begin/commit/abort
type Manager struct {
	tm   *txid.Manager
	cm   *clog.Manager
	sm   *snapshot.Manager
	ssim *ssi.Manager
	lm   *lock.Manager
	wm   *wal.Manager

	waiter    DurabilityWaiter
	syncMode  SyncCommitMode
	maxActive int
	logger    *zap.Logger

	// ckptGate orders commits against checkpoints. a commit holds it shared
	// from commit-record append to the clog flip; the checkpointer holds it
	// exclusive while capturing the redo point and dumping clog. without it
	// a checkpoint could dump clog as in-progress for a transaction whose
	// commit record lies before the redo point, and replay would never flip
	// it. postgres's delayChkpt serves the same purpose.
	ckptGate sync.RWMutex
}

// NewManager initializes the transaction manager
func NewManager(tm *txid.Manager, cm *clog.Manager, sm *snapshot.Manager, ssim *ssi.Manager, lm *lock.Manager, wm *wal.Manager, syncMode SyncCommitMode, maxActive int, logger *zap.Logger) *Manager {
	return &Manager{
		tm:        tm,
		cm:        cm,
		sm:        sm,
		ssim:      ssim,
		lm:        lm,
		wm:        wm,
		syncMode:  syncMode,
		maxActive: maxActive,
		logger:    logger,
	}
}

// SetDurabilityWaiter installs the synchronous-replication waiter. called
// once at startup when synchronous standbys are configured.
func (m *Manager) SetDurabilityWaiter(w DurabilityWaiter) {
	m.waiter = w
}

// Begin begins a transaction at the given isolation level
// see https://github.com/postgres/postgres/blob/20432f8731404d2cef2a155144aca5ab3ae98e95/src/backend/access/transam/xact.c#L2925
func (m *Manager) Begin(level IsolationLevel) (*Tx, error) {
	if m.maxActive > 0 && m.sm.InProgressCount() >= m.maxActive {
		return nil, errors.Wrapf(ErrTooManyActiveTransactions, "limit %d", m.maxActive)
	}

	// allocation of the id and its insertion into the in-progress set must
	// be atomic against concurrent snapshot capture, hence the held lock
	txID := m.tm.AllocateNewTxID()
	m.sm.AddInProgressTxID(txID)
	m.tm.ReleaseLock()

	// the snapshot is registered with the snapshot manager either way so
	// vacuum's gc horizon accounts for it
	snap := m.sm.TakeSnapshot(txID, 0)
	m.sm.AddInProgressTxSnapshot(txID, snap)

	if level == LevelSerializable {
		m.ssim.Register(txID)
	}

	metrics.ActiveTransactions.Inc()
	m.logger.Debug("begin", zap.Uint64("txid", uint64(txID)), zap.Stringer("isolation", level))
	return NewTransaction(txID, level, snap), nil
}

// StartStatement advances the transaction to its next statement. under read
// committed this takes a fresh snapshot, so the statement sees everything
// committed up to now; the higher levels keep the transaction snapshot and
// only advance the command id.
func (m *Manager) StartStatement(tx *Tx) {
	tx.commandID++
	if usesTxSnapshot(tx.level) {
		tx.snapshot = tx.snapshot.WithCommandID(tx.commandID)
		return
	}
	tx.snapshot = m.sm.TakeSnapshot(tx.id, tx.commandID)
}

// Commit commits the transaction.
//
// Returns ErrSerializationFailure when the serializable check rejects the
// transaction; in that case the transaction has been aborted and the caller
// should retry it from the start.
//
// A failed synchronous-standby wait does not undo the commit: the
// transaction is durable and visible locally, the same way postgres behaves
// when a sync-rep wait is canceled. the error only tells the caller the
// remote guarantee was not obtained.
func (m *Manager) Commit(ctx context.Context, tx *Tx) error {
	if IsCompleted(tx.state) {
		return errors.Errorf("transaction %d is already completed", tx.id)
	}

	// the ssi verdict has to be taken before anything durable happens.
	// PreCommit both checks and closes the transaction's interval, so a
	// concurrent committer's check is guaranteed to see this one as finished
	if tx.level == LevelSerializable && m.ssim.PreCommit(tx.id) {
		metrics.SerializationFailures.Inc()
		m.logger.Debug("serialization failure", zap.Uint64("txid", uint64(tx.id)))
		m.Abort(tx)
		return ErrSerializationFailure
	}

	var commitEnd wal.Lsn
	m.ckptGate.RLock()
	if tx.wrote {
		lsn, err := m.wm.Append(tx.id, wal.KindCommit, nil)
		if err != nil {
			m.ckptGate.RUnlock()
			return errors.Wrap(err, "append commit record")
		}
		commitEnd = lsn + wal.Lsn(wal.RecordSize(0))
		if m.syncMode >= SyncCommitLocal {
			if err := m.wm.Flush(); err != nil {
				m.ckptGate.RUnlock()
				return errors.Wrap(err, "flush commit record")
			}
		}
	}
	// once clog flips, the commit is visible to everyone
	m.cm.SetStateCommitted(tx.id)
	m.ckptGate.RUnlock()

	if tx.wrote && m.syncMode >= SyncCommitRemoteWrite && m.waiter != nil {
		apply := m.syncMode == SyncCommitRemoteApply
		if err := m.waiter.WaitForRemote(ctx, commitEnd, apply); err != nil {
			// the commit is already effective locally; the caller only
			// loses the remote-durability guarantee
			m.finish(tx, StateCommitted)
			return errors.Wrap(err, "wait for synchronous standby")
		}
	}

	m.finish(tx, StateCommitted)
	return nil
}

// CheckpointBarrier returns the lock the checkpointer must hold exclusively
// while capturing the redo point and dumping clog
func (m *Manager) CheckpointBarrier() *sync.RWMutex {
	return &m.ckptGate
}

// Abort aborts the transaction. the row versions it created stay in place;
// they are invisible to every snapshot once clog says aborted, and vacuum
// reclaims them later.
func (m *Manager) Abort(tx *Tx) {
	if IsCompleted(tx.state) {
		return
	}
	if tx.wrote {
		// abort records need no flush: a crash that loses one simply leaves
		// the transaction in progress, and recovery aborts it anyway
		if _, err := m.wm.Append(tx.id, wal.KindAbort, nil); err != nil {
			m.logger.Warn("append abort record", zap.Error(err))
		}
	}
	m.cm.SetStateAborted(tx.id)
	m.finish(tx, StateAborted)
}

func (m *Manager) finish(tx *Tx, state State) {
	m.sm.CompleteTxID(tx.id)
	m.sm.CompleteTxSnapshot(tx.id)
	if tx.level == LevelSerializable {
		if state == StateAborted {
			m.ssim.OnAbort(tx.id)
		} else {
			m.ssim.OnFinish(tx.id)
		}
	}
	m.lm.ReleaseAll(tx.id)
	tx.SetState(state)
	metrics.ActiveTransactions.Dec()
}
