package recovery

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/HayatoShiba/pptxn/wal"
)

func TestCheckpointShortensReplay(t *testing.T) {
	dir := t.TempDir()

	p := newPrimary(t, dir, 0)
	_, err := p.store.Insert(testRel, common.Key("a"), []byte("v1"), 3, 0)
	require.NoError(t, err)
	p.commit(t, 3)
	p.tm.Advance(3)

	cp := NewCheckpointer(dir, p.wm, p.store, p.cm, p.tm, &sync.RWMutex{}, nil, 0, 0, zap.NewNop())
	lsn, err := cp.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, lsn, cp.LastCheckpointLsn())

	ctl, ok, err := wal.ReadControlFile(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, lsn, ctl.CheckpointLsn)

	// work after the checkpoint is only in wal
	_, err = p.store.Insert(testRel, common.Key("b"), []byte("v2"), 4, 0)
	require.NoError(t, err)
	p.commit(t, 4)
	require.NoError(t, p.wm.Close())

	r := newPrimary(t, dir, ctl.CheckpointLsn)
	res, err := Run(dir, r.wm, r.store, r.cm, r.tm, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, ctl.RedoLsn, res.RedoLsn)
	// the pre-checkpoint work comes from the dump, not from replay: only the
	// checkpoint record and the post-checkpoint records are read
	assert.Equal(t, 3, res.Replayed)
	assert.Empty(t, res.Aborted)
	assert.Equal(t, txid.TxID(5), r.tm.Next())

	snap := readerSnapshot(4)
	v, ok2 := r.store.Read(testRel, common.Key("a"), snap)
	assert.True(t, ok2)
	assert.Equal(t, []byte("v1"), v)
	v, ok2 = r.store.Read(testRel, common.Key("b"), snap)
	assert.True(t, ok2)
	assert.Equal(t, []byte("v2"), v)
}

type fixedSlots struct {
	lsn wal.Lsn
	ok  bool
}

func (f fixedSlots) MinRestartLsn() (wal.Lsn, bool) { return f.lsn, f.ok }

func TestCheckpointRecyclesWAL(t *testing.T) {
	dir := t.TempDir()
	wm, err := wal.NewManager(dir, 128, wal.SyncPolicyRetry, 0, zap.NewNop())
	require.NoError(t, err)
	p := newPrimaryWithWAL(t, wm)

	for i := 0; i < 20; i++ {
		_, err := p.store.Insert(testRel, common.Key{byte(i)}, []byte("v"), 3, uint32(i))
		require.NoError(t, err)
	}
	p.commit(t, 3)

	t.Run("slot pins old segments", func(t *testing.T) {
		cp := NewCheckpointer(dir, p.wm, p.store, p.cm, p.tm, &sync.RWMutex{}, fixedSlots{lsn: 0, ok: true}, 0, 0, zap.NewNop())
		_, err := cp.Checkpoint()
		require.NoError(t, err)
		// the slot still needs everything from lsn 0, so nothing is removed
		_, err = p.wm.ReadRecord(0)
		assert.NoError(t, err)
	})

	t.Run("recycle up to redo", func(t *testing.T) {
		cp := NewCheckpointer(dir, p.wm, p.store, p.cm, p.tm, &sync.RWMutex{}, nil, 0, 0, zap.NewNop())
		_, err := cp.Checkpoint()
		require.NoError(t, err)
		// the earliest segments are gone now
		_, err = p.wm.ReadRecord(0)
		assert.Error(t, err)
		// the checkpoint record itself is still readable
		_, err = p.wm.ReadRecord(cp.LastCheckpointLsn())
		assert.NoError(t, err)
	})
}
