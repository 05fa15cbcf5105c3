package engine

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/config"
	"github.com/HayatoShiba/pptxn/log"
	"github.com/HayatoShiba/pptxn/recovery"
	"github.com/HayatoShiba/pptxn/replication"
	"github.com/HayatoShiba/pptxn/storage/version"
	"github.com/HayatoShiba/pptxn/transaction/clog"
	"github.com/HayatoShiba/pptxn/transaction/snapshot"
	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/HayatoShiba/pptxn/wal"
)

// StandbyNode is one hot standby: it streams wal from a primary through a
// physical replication slot, replays it continuously and serves read-only
// queries against the replayed state.
type StandbyNode struct {
	wm    *wal.Manager
	store *version.Store
	sb    *recovery.Standby
	recv  *replication.Receiver
}

// NewStandby builds a standby from the configuration. slotName is the
// physical slot on the primary this standby streams through. wal already on
// disk (from a previous run) is replayed before streaming resumes.
func NewStandby(cfg *config.Config, slotName string, logger *zap.Logger) (*StandbyNode, error) {
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
	wm, err := wal.NewManager(cfg.WALDir, cfg.WALSegmentSize, policy, 0, logger)
	if err != nil {
		return nil, err
	}

	cm := clog.NewManager()
	sm := snapshot.NewManager(cm)
	// the store is written by replay only, so it does not log
	store := version.NewStore(sm, cm, nil)
	rp := recovery.NewReplayer(store, cm, txid.NewManager(), logger)

	sb := recovery.NewStandby(wm, rp, cfg.MaxStandbyStreamingDelay, cfg.HotStandbyFeedback, logger)
	recv := replication.NewReceiver(wm, slotName, sb.AppliedLsn, sb.FeedbackXmin, logger)
	return &StandbyNode{wm: wm, store: store, sb: sb, recv: recv}, nil
}

// Run replays and receives until either side fails or ctx is cancelled.
// conn carries the replication protocol to the primary's wal sender.
func (n *StandbyNode) Run(ctx context.Context, conn io.ReadWriter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- n.sb.Run(ctx) }()
	go func() { errCh <- n.recv.Serve(ctx, conn) }()
	return <-errCh
}

// BeginQuery starts a read-only query. the caller must call FinishQuery,
// also when the query was cancelled by a recovery conflict.
func (n *StandbyNode) BeginQuery() *recovery.Query {
	return n.sb.RegisterQuery()
}

// FinishQuery deregisters the query
func (n *StandbyNode) FinishQuery(q *recovery.Query) {
	n.sb.FinishQuery(q)
}

// Read reads the key under the query's snapshot. returns the query's
// conflict error when recovery cancelled it.
func (n *StandbyNode) Read(q *recovery.Query, rel common.Relation, key common.Key) ([]byte, error) {
	if err := q.Err(); err != nil {
		return nil, err
	}
	v, ok := n.store.Read(rel, key, q.Snapshot())
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

// AppliedLsn returns how far replay has progressed
func (n *StandbyNode) AppliedLsn() wal.Lsn {
	return n.sb.AppliedLsn()
}

// Close releases the standby's wal
func (n *StandbyNode) Close() error {
	return n.wm.Close()
}
