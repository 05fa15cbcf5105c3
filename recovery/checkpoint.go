/*
Checkpointer.

A checkpoint bounds crash recovery time: it dumps clog and the version store
to disk, notes the wal position replay would have to start from, and records
both in the control file. Everything before the redo point is then
recoverable from the dump alone, so older wal segments can be recycled
(unless a replication slot still needs them).

The dump is fuzzy, in postgres's sense: transactions keep running while the
store is serialized, so the dump and the wal stream overlap. Replay from the
redo point re-applies the overlap and the store's idempotence guard makes
that harmless. The one thing the overlap cannot tolerate is a commit whose
record precedes the redo point but whose clog flip the clog dump missed;
the barrier shared with the transaction manager keeps commits out of that
window, the way postgres's delayChkpt flag does.
see https://github.com/postgres/postgres/blob/97c61f70d1b97bdfd20dcb1f2b1be42862ec88c2/src/backend/access/transam/xlog.c#L6757
*/
package recovery

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/metrics"
	"github.com/HayatoShiba/pptxn/storage/version"
	"github.com/HayatoShiba/pptxn/transaction/clog"
	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/HayatoShiba/pptxn/wal"
)

// SlotRegistry is the part of the replication slot manager the checkpointer
// consults before recycling wal
type SlotRegistry interface {
	MinRestartLsn() (wal.Lsn, bool)
}

// Checkpointer takes periodic checkpoints and recycles old wal segments
type Checkpointer struct {
	dir     string
	wm      *wal.Manager
	store   *version.Store
	cm      *clog.Manager
	tm      *txid.Manager
	barrier *sync.RWMutex
	slots   SlotRegistry
	// keepSize retains at least this many trailing wal bytes regardless of
	// the redo point, like wal_keep_size
	keepSize uint64
	interval time.Duration
	logger   *zap.Logger

	last *uatomic.Uint64
}

// NewCheckpointer initializes a checkpointer. slots may be nil when
// replication is not configured.
func NewCheckpointer(dir string, wm *wal.Manager, store *version.Store, cm *clog.Manager, tm *txid.Manager,
	barrier *sync.RWMutex, slots SlotRegistry, keepSize uint64, interval time.Duration, logger *zap.Logger) *Checkpointer {
	return &Checkpointer{
		dir:      dir,
		wm:       wm,
		store:    store,
		cm:       cm,
		tm:       tm,
		barrier:  barrier,
		slots:    slots,
		keepSize: keepSize,
		interval: interval,
		logger:   logger,
		last:     uatomic.NewUint64(uint64(wal.InvalidLsn)),
	}
}

// Checkpoint takes one checkpoint and returns the lsn of its wal record
func (c *Checkpointer) Checkpoint() (wal.Lsn, error) {
	// the redo point, the clog dump and the next transaction id must be a
	// consistent cut, and no commit may straddle it
	c.barrier.Lock()
	redo := c.wm.InsertLsn()
	var clogBuf bytes.Buffer
	err := c.cm.Serialize(&clogBuf)
	next := c.tm.Next()
	c.barrier.Unlock()
	if err != nil {
		return wal.InvalidLsn, errors.Wrap(err, "dump clog")
	}

	if err := c.writeDump(&clogBuf); err != nil {
		return wal.InvalidLsn, err
	}

	lsn, err := c.wm.Append(txid.InvalidTxID, wal.KindCheckpoint, wal.EncodeCheckpointPayload(wal.CheckpointPayload{
		RedoLsn:  redo,
		NextTxID: next,
	}))
	if err != nil {
		return wal.InvalidLsn, errors.Wrap(err, "append checkpoint record")
	}
	if err := c.wm.Flush(); err != nil {
		return wal.InvalidLsn, errors.Wrap(err, "flush checkpoint record")
	}
	// the control file flips recovery over to the new checkpoint. until this
	// rename lands, recovery still uses the previous one.
	if err := wal.WriteControlFile(c.dir, wal.ControlData{CheckpointLsn: lsn, RedoLsn: redo}); err != nil {
		return wal.InvalidLsn, errors.Wrap(err, "write control file")
	}

	c.last.Store(uint64(lsn))
	metrics.Checkpoints.Inc()
	c.logger.Info("checkpoint complete", zap.String("lsn", lsn.String()), zap.String("redo", redo.String()))

	if err := c.recycle(redo); err != nil {
		// the checkpoint itself succeeded, only reclamation failed
		c.logger.Warn("wal recycle failed", zap.Error(err))
	}
	return lsn, nil
}

func (c *Checkpointer) writeDump(clogDump *bytes.Buffer) error {
	tmp, err := os.CreateTemp(c.dir, "checkpoint-*")
	if err != nil {
		return errors.Wrap(err, "create checkpoint dump")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(clogDump.Bytes()); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write clog dump")
	}
	if err := c.store.Serialize(tmp); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write version store dump")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync checkpoint dump")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close checkpoint dump")
	}
	return errors.Wrap(os.Rename(tmp.Name(), filepath.Join(c.dir, CheckpointFileName)), "rename checkpoint dump")
}

// recycle removes wal segments that neither crash recovery nor any
// replication slot can still ask for
func (c *Checkpointer) recycle(redo wal.Lsn) error {
	cutoff := redo
	if c.slots != nil {
		if min, ok := c.slots.MinRestartLsn(); ok && min < cutoff {
			cutoff = min
		}
	}
	if c.keepSize > 0 {
		flushed := uint64(c.wm.FlushedLsn())
		var keep wal.Lsn
		if flushed > c.keepSize {
			keep = wal.Lsn(flushed - c.keepSize)
		}
		if keep < cutoff {
			cutoff = keep
		}
	}
	return c.wm.RemoveSegmentsBelow(cutoff)
}

// LastCheckpointLsn returns the lsn of the last completed checkpoint record,
// or InvalidLsn when none has completed since startup
func (c *Checkpointer) LastCheckpointLsn() wal.Lsn {
	return wal.Lsn(c.last.Load())
}

// Run takes checkpoints on the configured interval until ctx is cancelled.
// a non-positive interval disables timed checkpoints.
func (c *Checkpointer) Run(ctx context.Context) {
	if c.interval <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := c.Checkpoint(); err != nil {
				c.logger.Error("checkpoint failed", zap.Error(err))
			}
		}
	}
}
