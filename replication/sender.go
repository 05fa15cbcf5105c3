/*
WAL sender, the primary-side half of a replication connection.

One Sender serves one standby. It ships the physical wal byte stream from
the slot's cursor forward as flushes happen, and consumes the standby's
status updates: slot advancement, synchronous-commit confirmation and
hot_standby_feedback all come out of those.
see https://github.com/postgres/postgres/blob/master/src/backend/replication/walsender.c
*/
package replication

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/metrics"
	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/HayatoShiba/pptxn/wal"
)

// ErrReplicationTimeout is returned when a standby stops sending status
// updates for longer than wal_sender_timeout; the connection is dropped so
// the slot does not sit behind a dead peer forever
var ErrReplicationTimeout = errors.New("terminating walsender due to replication timeout")

// maxWalChunk bounds one WalData frame
const maxWalChunk = 256 * 1024

// pumpInterval is how often the sender polls for newly flushed wal
const pumpInterval = 50 * time.Millisecond

// FeedbackAggregator folds per-standby feedback xmins into the single
// horizon the snapshot manager understands: the oldest xmin any standby
// still needs
type FeedbackAggregator struct {
	apply func(txid.TxID)

	mu    sync.Mutex
	xmins map[string]txid.TxID
}

// NewFeedbackAggregator initializes the aggregator. apply receives the
// recomputed minimum, InvalidTxID when no standby reports feedback.
func NewFeedbackAggregator(apply func(txid.TxID)) *FeedbackAggregator {
	return &FeedbackAggregator{apply: apply, xmins: make(map[string]txid.TxID)}
}

// Set records one standby's feedback xmin, InvalidTxID meaning none
func (a *FeedbackAggregator) Set(name string, xmin txid.TxID) {
	a.mu.Lock()
	if xmin == txid.InvalidTxID {
		delete(a.xmins, name)
	} else {
		a.xmins[name] = xmin
	}
	a.applyLocked()
	a.mu.Unlock()
}

// Clear forgets a disconnected standby
func (a *FeedbackAggregator) Clear(name string) {
	a.mu.Lock()
	delete(a.xmins, name)
	a.applyLocked()
	a.mu.Unlock()
}

func (a *FeedbackAggregator) applyLocked() {
	min := txid.InvalidTxID
	for _, x := range a.xmins {
		if min == txid.InvalidTxID || x < min {
			min = x
		}
	}
	a.apply(min)
}

// Sender ships wal to one standby
type Sender struct {
	wm       *wal.Manager
	slots    *SlotManager
	waiter   *SyncWaiter
	feedback *FeedbackAggregator
	// timeout is wal_sender_timeout; zero disables it
	timeout time.Duration
	logger  *zap.Logger
}

// NewSender initializes a sender. waiter and feedback may be nil when no
// synchronous standbys are configured or hot_standby_feedback is off.
func NewSender(wm *wal.Manager, slots *SlotManager, waiter *SyncWaiter, feedback *FeedbackAggregator, timeout time.Duration, logger *zap.Logger) *Sender {
	return &Sender{
		wm:       wm,
		slots:    slots,
		waiter:   waiter,
		feedback: feedback,
		timeout:  timeout,
		logger:   logger,
	}
}

// Serve runs the replication connection until the standby disconnects, the
// context is done or the standby times out. the first frame must be
// StartReplication naming an existing slot.
func (s *Sender) Serve(ctx context.Context, conn io.ReadWriter) error {
	first, err := ReadMessage(conn)
	if err != nil {
		return errors.Wrap(err, "read start-replication")
	}
	start, ok := first.(StartReplication)
	if !ok {
		return errors.New("expected start-replication as first frame")
	}
	slot, ok := s.slots.GetSlot(start.SlotName)
	if !ok {
		return errors.Wrap(ErrSlotNotFound, start.SlotName)
	}
	cursor := start.StartLsn
	if cursor < slot.RestartLsn {
		// wal below the slot's restart point may already be recycled
		cursor = slot.RestartLsn
	}
	s.logger.Info("walsender started",
		zap.String("slot", slot.Name), zap.Stringer("start", cursor))

	defer func() {
		if s.waiter != nil {
			s.waiter.Remove(slot.Name)
		}
		if s.feedback != nil {
			s.feedback.Clear(slot.Name)
		}
		metrics.ReplicationLagBytes.DeleteLabelValues(slot.Name)
	}()

	// the standby's frames arrive on their own schedule; read them on a
	// separate goroutine so shipping never blocks on the peer
	statusCh := make(chan StatusUpdate, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			m, err := ReadMessage(conn)
			if err != nil {
				readErr <- err
				return
			}
			if su, ok := m.(StatusUpdate); ok {
				statusCh <- su
			}
		}
	}()

	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()
	lastStatus := time.Now()
	lastSend := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Cause(err) == io.EOF {
				return nil
			}
			return errors.Wrap(err, "read from standby")
		case su := <-statusCh:
			lastStatus = time.Now()
			s.handleStatus(slot.Name, su)
		case <-ticker.C:
			if s.timeout > 0 && time.Since(lastStatus) > s.timeout {
				s.logger.Warn("standby not responding, dropping connection",
					zap.String("slot", slot.Name))
				return ErrReplicationTimeout
			}
			sent, err := s.pump(conn, &cursor)
			if err != nil {
				return err
			}
			if sent {
				lastSend = time.Now()
			} else if s.timeout > 0 && time.Since(lastSend) > s.timeout/2 {
				if err := WriteMessage(conn, Keepalive{EndLsn: s.wm.FlushedLsn(), ReplyRequested: true}); err != nil {
					return errors.Wrap(err, "send keepalive")
				}
				lastSend = time.Now()
			}
		}
	}
}

// pump ships flushed wal from the cursor forward
func (s *Sender) pump(conn io.Writer, cursor *wal.Lsn) (bool, error) {
	end := s.wm.FlushedLsn()
	if end <= *cursor {
		return false, nil
	}
	sent := false
	for *cursor < end {
		chunkEnd := end
		if chunkEnd > *cursor+maxWalChunk {
			chunkEnd = *cursor + maxWalChunk
		}
		b, err := s.wm.ReadRaw(*cursor, chunkEnd)
		if err != nil {
			return sent, errors.Wrap(err, "read wal for shipping")
		}
		if err := WriteMessage(conn, WalData{StartLsn: *cursor, Data: b}); err != nil {
			return sent, errors.Wrap(err, "ship wal")
		}
		*cursor = chunkEnd
		sent = true
	}
	return sent, nil
}

func (s *Sender) handleStatus(slotName string, su StatusUpdate) {
	if err := s.slots.Advance(slotName, su.FlushLsn, su.FlushLsn); err != nil {
		s.logger.Warn("advance slot", zap.Error(err))
	}
	if s.waiter != nil {
		s.waiter.Report(slotName, su.FlushLsn, su.ApplyLsn)
	}
	if s.feedback != nil {
		s.feedback.Set(slotName, su.FeedbackXmin)
	}
	lag := float64(s.wm.FlushedLsn()) - float64(su.FlushLsn)
	if lag < 0 {
		lag = 0
	}
	metrics.ReplicationLagBytes.WithLabelValues(slotName).Set(lag)
}
