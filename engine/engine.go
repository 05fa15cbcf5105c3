/*
Engine assembles the transaction core into one runnable unit: the wal, the
version store, clog, snapshots, locks, the transaction manager, replication
and checkpointing, wired the way a postgres backend wires its subsystems.

Construction runs crash recovery first, so an Engine handed to the caller is
always consistent: every committed transaction of the previous incarnation
is visible, everything that was in flight is aborted.

The engine is the unit the embedding database links against. It exposes
begin/read/write/commit with the isolation semantics of the transaction
manager, plus the operational surface: checkpoints, vacuum, replication
slots and wal senders.
*/
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/config"
	"github.com/HayatoShiba/pptxn/log"
	"github.com/HayatoShiba/pptxn/recovery"
	"github.com/HayatoShiba/pptxn/replication"
	"github.com/HayatoShiba/pptxn/storage/lock"
	"github.com/HayatoShiba/pptxn/storage/version"
	"github.com/HayatoShiba/pptxn/transaction"
	"github.com/HayatoShiba/pptxn/transaction/clog"
	"github.com/HayatoShiba/pptxn/transaction/snapshot"
	"github.com/HayatoShiba/pptxn/transaction/ssi"
	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/HayatoShiba/pptxn/wal"
)

// Engine is one running primary node
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	wm    *wal.Manager
	cm    *clog.Manager
	sm    *snapshot.Manager
	ssim  *ssi.Manager
	locks *lock.Manager
	store *version.Store
	tids  *txid.Manager
	txns  *transaction.Manager

	slots    *replication.SlotManager
	waiter   *replication.SyncWaiter
	feedback *replication.FeedbackAggregator
	sender   *replication.Sender
	ckpt     *recovery.Checkpointer

	recovered *recovery.Result

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the engine from the configuration and runs crash recovery.
// A nil logger sets up the process logger from the config's log settings
// and uses that; tests inject their own.
func New(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		if err := log.Init(cfg.LogLevel, cfg.LogFile); err != nil {
			return nil, err
		}
		logger = log.L()
	}

	policy, err := wal.ParseSyncPolicy(string(cfg.WALSyncPolicy))
	if err != nil {
		return nil, err
	}
	syncMode, err := transaction.ParseSyncCommitMode(string(cfg.SynchronousCommit))
	if err != nil {
		return nil, err
	}

	// the control file (when present) bounds the end-of-wal scan: nothing
	// before the last checkpoint needs to be walked
	ctl, hasCtl, err := wal.ReadControlFile(cfg.WALDir)
	if err != nil {
		return nil, err
	}
	var scanStart wal.Lsn
	if hasCtl {
		scanStart = ctl.CheckpointLsn
	}
	wm, err := wal.NewManager(cfg.WALDir, cfg.WALSegmentSize, policy, scanStart, logger)
	if err != nil {
		return nil, err
	}

	cm := clog.NewManager()
	sm := snapshot.NewManager(cm)
	tids := txid.NewManager()
	store := version.NewStore(sm, cm, wm)

	recovered, err := recovery.Run(cfg.WALDir, wm, store, cm, tids, logger)
	if err != nil {
		wm.Close()
		return nil, errors.Wrap(err, "crash recovery")
	}

	ssim := ssi.NewManager()
	locks := lock.NewManager(cfg.DeadlockTimeout, cfg.LockTimeout, cfg.MaxLocksPerTransaction, logger)
	txns := transaction.NewManager(tids, cm, sm, ssim, locks, wm, syncMode, cfg.MaxActiveTransactions, logger)

	slots, err := replication.NewSlotManager(cfg.WALDir)
	if err != nil {
		wm.Close()
		locks.Close()
		return nil, err
	}
	waiter := replication.NewSyncWaiter(cfg.SyncStandbyCount)
	feedback := replication.NewFeedbackAggregator(sm.SetFeedbackXmin)
	sender := replication.NewSender(wm, slots, waiter, feedback, cfg.WALSenderTimeout, logger)
	if syncMode >= transaction.SyncCommitRemoteWrite {
		txns.SetDurabilityWaiter(waiter)
	}

	ckpt := recovery.NewCheckpointer(cfg.WALDir, wm, store, cm, tids, txns.CheckpointBarrier(),
		slots, uint64(cfg.WALKeepSize), cfg.CheckpointInterval, logger)

	return &Engine{
		cfg:       cfg,
		logger:    logger,
		wm:        wm,
		cm:        cm,
		sm:        sm,
		ssim:      ssim,
		locks:     locks,
		store:     store,
		tids:      tids,
		txns:      txns,
		slots:     slots,
		waiter:    waiter,
		feedback:  feedback,
		sender:    sender,
		ckpt:      ckpt,
		recovered: recovered,
	}, nil
}

// Start launches the background workers: the checkpointer and the vacuum
// sweeper. callers that only want the foreground surface may skip it.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.ckpt.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.runVacuum(ctx)
	}()
}

// Close stops the background workers and releases the wal and lock manager.
// a clean shutdown checkpoints first so the next start replays nothing.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.mu.Unlock()
	e.wg.Wait()

	if _, err := e.ckpt.Checkpoint(); err != nil {
		e.logger.Warn("shutdown checkpoint failed", zap.Error(err))
	}
	e.locks.Close()
	return e.wm.Close()
}

// Checkpoint takes an immediate checkpoint, like the CHECKPOINT command
func (e *Engine) Checkpoint() (wal.Lsn, error) {
	return e.ckpt.Checkpoint()
}

// Vacuum runs one vacuum sweep: dead versions below the gc horizon are
// reclaimed and a cleanup record is logged for the standbys
func (e *Engine) Vacuum(ctx context.Context) (int, error) {
	return e.store.Vacuum(ctx, e.sm.GCHorizon())
}

func (e *Engine) runVacuum(ctx context.Context) {
	interval := e.cfg.VacuumInterval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := e.Vacuum(ctx); err != nil {
				e.logger.Error("vacuum failed", zap.Error(err))
			} else if n > 0 {
				e.logger.Debug("vacuum reclaimed versions", zap.Int("count", n))
			}
		}
	}
}

// RecoveryResult reports what crash recovery did at construction time
func (e *Engine) RecoveryResult() *recovery.Result {
	return e.recovered
}
