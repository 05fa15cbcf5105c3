/*
WAL receiver, the standby-side half of a replication connection.

It requests the stream from the standby's current durable end, ingests
WalData frames into the standby's own wal (write + fsync, so the standby's
flush lsn is honest) and reports progress back. Applying what was ingested
is the replay engine's job; the receiver only moves bytes.
see https://github.com/postgres/postgres/blob/master/src/backend/replication/walreceiver.c
*/
package replication

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/HayatoShiba/pptxn/wal"
)

// statusInterval is how often the receiver reports progress unprompted
const statusInterval = 100 * time.Millisecond

// Receiver ingests the primary's wal stream into the standby's wal
type Receiver struct {
	wm       *wal.Manager
	slotName string

	// applyLsn reports how far the standby's replay has applied; nil when
	// the standby does not replay (archive-only consumer)
	applyLsn func() wal.Lsn
	// feedbackXmin reports the oldest transaction standby queries still
	// need; nil when hot_standby_feedback is off
	feedbackXmin func() txid.TxID

	logger *zap.Logger

	mu sync.Mutex
	// conn writes are shared between the ingest loop and the status ticker
	conn io.Writer
}

// NewReceiver initializes a receiver writing into the standby's wal manager
func NewReceiver(wm *wal.Manager, slotName string, applyLsn func() wal.Lsn, feedbackXmin func() txid.TxID, logger *zap.Logger) *Receiver {
	return &Receiver{
		wm:           wm,
		slotName:     slotName,
		applyLsn:     applyLsn,
		feedbackXmin: feedbackXmin,
		logger:       logger,
	}
}

// Serve runs the connection until it breaks or the context is done
func (r *Receiver) Serve(ctx context.Context, conn io.ReadWriter) error {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	start := r.wm.FlushedLsn()
	if err := WriteMessage(conn, StartReplication{SlotName: r.slotName, StartLsn: start}); err != nil {
		return errors.Wrap(err, "send start-replication")
	}
	r.logger.Info("walreceiver started",
		zap.String("slot", r.slotName), zap.Stringer("start", start))

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.sendStatus(); err != nil {
					return
				}
			}
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := ReadMessage(conn)
		if err != nil {
			if errors.Cause(err) == io.EOF {
				return nil
			}
			return errors.Wrap(err, "read from primary")
		}
		switch msg := m.(type) {
		case WalData:
			if err := r.wm.IngestRaw(msg.StartLsn, msg.Data); err != nil {
				return errors.Wrap(err, "ingest wal")
			}
			if err := r.sendStatus(); err != nil {
				return err
			}
		case Keepalive:
			if msg.ReplyRequested {
				if err := r.sendStatus(); err != nil {
					return err
				}
			}
		}
	}
}

func (r *Receiver) sendStatus() error {
	flushed := r.wm.FlushedLsn()
	su := StatusUpdate{
		WriteLsn: flushed,
		FlushLsn: flushed,
	}
	if r.applyLsn != nil {
		su.ApplyLsn = r.applyLsn()
	}
	if r.feedbackXmin != nil {
		su.FeedbackXmin = r.feedbackXmin()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Wrap(WriteMessage(r.conn, su), "send status update")
}
