package recovery

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/storage/version"
	"github.com/HayatoShiba/pptxn/transaction/clog"
	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/HayatoShiba/pptxn/wal"
)

// CheckpointFileName is the file holding the clog and version store dumps
// taken at the last completed checkpoint.
const CheckpointFileName = "checkpoint.dat"

// Result describes what crash recovery did
type Result struct {
	// RedoLsn is where replay started. invalid when there was no
	// checkpoint and the whole wal was replayed.
	RedoLsn wal.Lsn
	// EndLsn is the exclusive end of the replayed wal
	EndLsn wal.Lsn
	// Replayed is the number of records applied
	Replayed int
	// Aborted lists transactions that were in progress at the crash
	Aborted []txid.TxID
}

// Run performs crash recovery, modelled on postgres's StartupXLOG
// https://github.com/postgres/postgres/blob/master/src/backend/access/transam/xlog.c
//
// the control file locates the last checkpoint. the checkpoint's dump file
// restores clog and the version store as of the redo point, then wal is
// replayed from the redo lsn to the end. transactions still in progress at
// the end of wal are aborted; their clog entries are the only trace of them
// and their versions become invisible to everyone.
//
// when there is no control file, the data directory is from a fresh
// initialization (or the wal was started from scratch) and replay begins at
// lsn zero.
func Run(dir string, wm *wal.Manager, store *version.Store, cm *clog.Manager, tm *txid.Manager, logger *zap.Logger) (*Result, error) {
	res := &Result{RedoLsn: wal.InvalidLsn}

	ctl, ok, err := wal.ReadControlFile(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read control file")
	}

	start := wal.Lsn(0)
	if ok {
		if err := restoreCheckpointDump(dir, store, cm); err != nil {
			return nil, err
		}
		rec, err := wm.ReadRecord(ctl.CheckpointLsn)
		if err != nil {
			return nil, errors.Wrapf(err, "read checkpoint record at %s", ctl.CheckpointLsn)
		}
		cp, err := wal.DecodeCheckpointPayload(rec.Payload)
		if err != nil {
			return nil, errors.Wrap(err, "decode checkpoint payload")
		}
		tm.Advance(cp.NextTxID - 1)
		start = ctl.RedoLsn
		res.RedoLsn = ctl.RedoLsn
		logger.Info("starting redo",
			zap.String("checkpoint", ctl.CheckpointLsn.String()),
			zap.String("redo", ctl.RedoLsn.String()),
			zap.Uint64("next_txid", uint64(cp.NextTxID)),
		)
	} else {
		logger.Info("no control file, replaying wal from the beginning")
	}

	rp := NewReplayer(store, cm, tm, logger)
	rp.SetAppliedLsn(start)
	r := wm.NewReader(start)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read wal at %s", r.Pos())
		}
		if err := rp.ApplyRecord(rec); err != nil {
			return nil, err
		}
		res.Replayed++
	}
	res.EndLsn = rp.AppliedLsn()
	res.Aborted = rp.AbortInProgress()

	logger.Info("recovery complete",
		zap.String("end", res.EndLsn.String()),
		zap.Int("replayed", res.Replayed),
		zap.Int("aborted", len(res.Aborted)),
	)
	return res, nil
}

func restoreCheckpointDump(dir string, store *version.Store, cm *clog.Manager) error {
	f, err := os.Open(filepath.Join(dir, CheckpointFileName))
	if err != nil {
		return errors.Wrap(err, "open checkpoint dump")
	}
	defer f.Close()
	if err := cm.Deserialize(f); err != nil {
		return errors.Wrap(err, "restore clog dump")
	}
	if err := store.Deserialize(f); err != nil {
		return errors.Wrap(err, "restore version store dump")
	}
	return nil
}
