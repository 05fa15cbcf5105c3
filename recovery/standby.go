/*
Hot standby.

A standby continuously replays the wal it receives from the primary while
serving read-only queries. The two collide when replay wants to apply a
cleanup record: the primary already decided those versions are dead, but a
standby query whose snapshot predates the cleanup horizon may still need
them. The standby waits for such queries up to a configurable delay, then
cancels them, the way postgres's max_standby_streaming_delay works.
see https://github.com/postgres/postgres/blob/97c61f70d1b97bdfd20dcb1f2b1be42862ec88c2/src/backend/storage/ipc/standby.c
*/
package recovery

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/transaction/snapshot"
	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/HayatoShiba/pptxn/wal"
)

// ErrStandbyQueryConflict is returned by a standby query cancelled because
// replay needed to remove versions its snapshot could still see
var ErrStandbyQueryConflict = errors.New("canceling query due to conflict with recovery")

// replayPollInterval is how long the standby sleeps when it has replayed
// everything the receiver has ingested so far
const replayPollInterval = 10 * time.Millisecond

// Query is a read-only query running on the standby
type Query struct {
	id   uint64
	xmin txid.TxID
	snap *snapshot.Snapshot

	once      sync.Once
	cancelled chan struct{}
}

// Snapshot returns the snapshot the query reads under
func (q *Query) Snapshot() *snapshot.Snapshot {
	return q.snap
}

// Cancelled is closed when replay cancels the query. long-running reads
// should select on this.
func (q *Query) Cancelled() <-chan struct{} {
	return q.cancelled
}

// Err reports why the query cannot continue, nil while it still can
func (q *Query) Err() error {
	select {
	case <-q.cancelled:
		return ErrStandbyQueryConflict
	default:
		return nil
	}
}

func (q *Query) cancel() {
	q.once.Do(func() { close(q.cancelled) })
}

// Standby replays ingested wal and arbitrates between replay and the
// read-only queries running against the replayed state
type Standby struct {
	wm *wal.Manager
	rp *Replayer
	// maxDelay is how long replay waits for conflicting queries before
	// cancelling them (max_standby_streaming_delay). zero cancels
	// immediately, negative waits forever.
	maxDelay time.Duration
	// feedback reports the oldest query xmin to the primary so it stops
	// vacuuming what the standby still reads (hot_standby_feedback)
	feedback bool
	logger   *zap.Logger

	mu      sync.Mutex
	queries map[uint64]*Query
	nextID  uint64
}

// NewStandby initializes a standby over a replayer that has already been
// positioned, typically by crash-recovering from a base backup
func NewStandby(wm *wal.Manager, rp *Replayer, maxDelay time.Duration, feedback bool, logger *zap.Logger) *Standby {
	return &Standby{
		wm:       wm,
		rp:       rp,
		maxDelay: maxDelay,
		feedback: feedback,
		logger:   logger,
		queries:  make(map[uint64]*Query),
	}
}

// RegisterQuery starts a read-only query with a snapshot derived from the
// current replay state. the caller must call FinishQuery when done.
func (s *Standby) RegisterQuery() *Query {
	snap := s.rp.Snapshot()
	s.mu.Lock()
	s.nextID++
	q := &Query{
		id:        s.nextID,
		xmin:      snap.Xmin(),
		snap:      snap,
		cancelled: make(chan struct{}),
	}
	s.queries[q.id] = q
	s.mu.Unlock()
	return q
}

// FinishQuery deregisters a query, whether it completed or was cancelled
func (s *Standby) FinishQuery(q *Query) {
	s.mu.Lock()
	delete(s.queries, q.id)
	s.mu.Unlock()
}

// FeedbackXmin returns the oldest xmin among running queries, for the
// receiver to report upstream. invalid when feedback is off or no query is
// running.
func (s *Standby) FeedbackXmin() txid.TxID {
	if !s.feedback {
		return txid.InvalidTxID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	min := txid.InvalidTxID
	for _, q := range s.queries {
		if min == txid.InvalidTxID || q.xmin < min {
			min = q.xmin
		}
	}
	return min
}

// AppliedLsn returns the exclusive end of replayed wal, reported to the
// primary as the apply position for synchronous replication
func (s *Standby) AppliedLsn() wal.Lsn {
	return s.rp.AppliedLsn()
}

// Snapshot derives a fresh read snapshot from the replay state
func (s *Standby) Snapshot() *snapshot.Snapshot {
	return s.rp.Snapshot()
}

// Run replays wal as the receiver ingests it, until ctx is cancelled
func (s *Standby) Run(ctx context.Context) error {
	r := s.wm.NewReader(s.rp.AppliedLsn())
	for {
		rec, err := r.Next()
		if err == io.EOF {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(replayPollInterval):
			}
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "read wal at %s", r.Pos())
		}
		if rec.Kind == wal.KindCleanup {
			p, derr := wal.DecodeCleanupPayload(rec.Payload)
			if derr != nil {
				return errors.Wrapf(derr, "decode cleanup payload at %s", rec.Lsn)
			}
			if err := s.resolveConflicts(ctx, p.Horizon); err != nil {
				return err
			}
		}
		if err := s.rp.ApplyRecord(rec); err != nil {
			return err
		}
	}
}

// resolveConflicts blocks replay until no running query can still see the
// versions a cleanup at the given horizon removes, cancelling stragglers
// once maxDelay has elapsed
func (s *Standby) resolveConflicts(ctx context.Context, horizon txid.TxID) error {
	deadline := time.Now().Add(s.maxDelay)
	for {
		conflicting := s.conflictingQueries(horizon)
		if len(conflicting) == 0 {
			return nil
		}
		if s.maxDelay >= 0 && !time.Now().Before(deadline) {
			for _, q := range conflicting {
				q.cancel()
				s.logger.Warn("cancelled standby query conflicting with recovery",
					zap.Uint64("query", q.id),
					zap.Uint64("query_xmin", uint64(q.xmin)),
					zap.Uint64("horizon", uint64(horizon)),
				)
			}
			// cancelled queries unregister themselves; wait for that before
			// applying the cleanup
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(replayPollInterval):
		}
	}
}

func (s *Standby) conflictingQueries(horizon txid.TxID) []*Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Query
	for _, q := range s.queries {
		if horizon.IsFollows(q.xmin) {
			out = append(out, q)
		}
	}
	return out
}
