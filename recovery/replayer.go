/*
WAL replay.

Replay applies records mechanically, in lsn order, with no locking and no
visibility checks: row records go straight into the version store, commit
and abort records flip clog, cleanup records re-run the reclamation the
primary performed. Re-running any prefix is safe because the store's
idempotence guard skips records it has already absorbed, which is what makes
fuzzy checkpoint dumps and repeated crash recoveries converge on the same
state.

The replayer also tracks which transactions have records but no fate yet;
crash recovery aborts them at the end, and a standby's snapshot construction
treats them as in progress.
*/
package recovery

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/storage/version"
	"github.com/HayatoShiba/pptxn/transaction/clog"
	"github.com/HayatoShiba/pptxn/transaction/snapshot"
	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/HayatoShiba/pptxn/wal"
)

// Replayer applies wal records to the version store and clog
type Replayer struct {
	store  *version.Store
	cm     *clog.Manager
	tm     *txid.Manager
	logger *zap.Logger

	// applied is the exclusive end of the replayed prefix
	applied *uatomic.Uint64

	mu         sync.Mutex
	inProgress map[txid.TxID]struct{}
	maxSeen    txid.TxID
}

// NewReplayer initializes a replayer writing into the given store and clog
func NewReplayer(store *version.Store, cm *clog.Manager, tm *txid.Manager, logger *zap.Logger) *Replayer {
	return &Replayer{
		store:      store,
		cm:         cm,
		tm:         tm,
		logger:     logger,
		applied:    uatomic.NewUint64(0),
		inProgress: make(map[txid.TxID]struct{}),
	}
}

// ApplyRecord applies one record. records must be fed in lsn order.
func (r *Replayer) ApplyRecord(rec *wal.Record) error {
	end := uint64(rec.Lsn) + uint64(rec.Size())

	switch rec.Kind {
	case wal.KindInsert, wal.KindUpdate, wal.KindDelete:
		p, err := wal.DecodeRowPayload(rec.Payload)
		if err != nil {
			return errors.Wrapf(err, "decode row payload at %s", rec.Lsn)
		}
		r.sawTxn(rec.TxID)
		switch rec.Kind {
		case wal.KindInsert:
			r.store.ApplyInsert(p.Rel, p.Key, p.NewValue, rec.TxID, p.Cid, end)
		case wal.KindUpdate:
			r.store.ApplyUpdate(p.Rel, p.Key, p.NewValue, rec.TxID, p.Cid, end)
		case wal.KindDelete:
			r.store.ApplyDelete(p.Rel, p.Key, rec.TxID, p.Cid, end)
		}

	case wal.KindBegin:
		r.sawTxn(rec.TxID)

	case wal.KindCommit:
		r.sawTxn(rec.TxID)
		r.cm.SetStateCommitted(rec.TxID)
		r.finishTxn(rec.TxID)

	case wal.KindAbort:
		r.sawTxn(rec.TxID)
		r.cm.SetStateAborted(rec.TxID)
		r.finishTxn(rec.TxID)

	case wal.KindCleanup:
		p, err := wal.DecodeCleanupPayload(rec.Payload)
		if err != nil {
			return errors.Wrapf(err, "decode cleanup payload at %s", rec.Lsn)
		}
		if _, err := r.store.Vacuum(context.Background(), p.Horizon); err != nil {
			return errors.Wrap(err, "replay cleanup")
		}

	case wal.KindCheckpoint:
		// checkpoint records carry recovery metadata, nothing to apply
	}

	r.applied.Store(end)
	return nil
}

func (r *Replayer) sawTxn(id txid.TxID) {
	if !id.IsNormal() {
		return
	}
	r.tm.Advance(id)
	r.mu.Lock()
	if _, done := r.inProgress[id]; !done {
		r.inProgress[id] = struct{}{}
	}
	if id > r.maxSeen {
		r.maxSeen = id
	}
	r.mu.Unlock()
}

func (r *Replayer) finishTxn(id txid.TxID) {
	r.mu.Lock()
	delete(r.inProgress, id)
	r.mu.Unlock()
}

// AppliedLsn returns the exclusive end of the replayed prefix
func (r *Replayer) AppliedLsn() wal.Lsn {
	return wal.Lsn(r.applied.Load())
}

// SetAppliedLsn positions the replay cursor, called once before replay
// starts from a checkpoint
func (r *Replayer) SetAppliedLsn(lsn wal.Lsn) {
	r.applied.Store(uint64(lsn))
}

// AbortInProgress aborts every transaction that has records but never
// reached its commit record. crash recovery calls this once replay hits the
// end of wal: whatever was running at the crash can never complete.
func (r *Replayer) AbortInProgress() []txid.TxID {
	r.mu.Lock()
	ids := make([]txid.TxID, 0, len(r.inProgress))
	for id := range r.inProgress {
		ids = append(ids, id)
	}
	r.inProgress = make(map[txid.TxID]struct{})
	r.mu.Unlock()

	for _, id := range ids {
		r.cm.SetStateAborted(id)
		r.logger.Info("aborted in-progress transaction after replay", zap.Uint64("txid", uint64(id)))
	}
	return ids
}

// Snapshot derives a read snapshot from the current replay state: replayed
// commits are visible, transactions without a fate are in progress. hot
// standby queries read under these.
func (r *Replayer) Snapshot() *snapshot.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	xip := make([]txid.TxID, 0, len(r.inProgress))
	xmin := r.maxSeen + 1
	for id := range r.inProgress {
		xip = append(xip, id)
		if id < xmin {
			xmin = id
		}
	}
	return snapshot.NewSnapshot(xmin, r.maxSeen, xip, txid.InvalidTxID, 0)
}
