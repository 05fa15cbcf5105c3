package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/replication"
	"github.com/HayatoShiba/pptxn/transaction"
)

func TestPhysicalReplicationToHotStandby(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	primary := newTestEngine(t)
	_, err := primary.CreateReplicationSlot("standby1", replication.SlotPhysical)
	require.NoError(t, err)

	standbyCfg := testConfig(t)
	standby, err := NewStandby(standbyCfg, "standby1", zap.NewNop())
	require.NoError(t, err)
	defer standby.Close()

	pc, sc := net.Pipe()
	defer pc.Close()
	defer sc.Close()
	go primary.ServeWALSender(ctx, pc)
	go standby.Run(ctx, sc)

	tx, err := primary.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)
	require.NoError(t, primary.Put(ctx, tx, testRel, common.Key("a"), []byte("v1")))
	require.NoError(t, primary.Commit(ctx, tx))

	assert.Eventually(t, func() bool {
		return standby.AppliedLsn() == primary.FlushedLsn()
	}, 5*time.Second, time.Millisecond)

	q := standby.BeginQuery()
	defer standby.FinishQuery(q)
	v, err := standby.Read(q, testRel, common.Key("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	// the slot tracks the standby's progress so checkpoints keep the wal it
	// may re-request
	assert.Eventually(t, func() bool {
		slot, ok := primary.slots.GetSlot("standby1")
		return ok && slot.RestartLsn == primary.FlushedLsn()
	}, 5*time.Second, time.Millisecond)
}

func TestLogicalSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newTestEngine(t)
	_, err := e.CreateReplicationSlot("sub1", replication.SlotLogical)
	require.NoError(t, err)

	tx, err := e.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, tx, testRel, common.Key("a"), []byte("v1")))
	require.NoError(t, e.Put(ctx, tx, testRel, common.Key("b"), []byte("v2")))
	require.NoError(t, e.Commit(ctx, tx))

	// an aborted transaction must not be emitted
	ab, err := e.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, ab, testRel, common.Key("a"), []byte("never")))
	e.Abort(ab)

	got := make(chan replication.DecodedTxn, 1)
	go e.Subscribe(ctx, "sub1", nil, func(d replication.DecodedTxn) error {
		got <- d
		return nil
	})

	select {
	case d := <-got:
		assert.Equal(t, tx.ID(), d.TxID)
		require.Len(t, d.Changes, 2)
		assert.Equal(t, replication.ChangeInsert, d.Changes[0].Kind)
		assert.Equal(t, common.Key("a"), d.Changes[0].Key)
		assert.Equal(t, []byte("v1"), d.Changes[0].NewValue)
		assert.Equal(t, common.Key("b"), d.Changes[1].Key)
	case <-time.After(5 * time.Second):
		t.Fatal("no transaction decoded")
	}
}
