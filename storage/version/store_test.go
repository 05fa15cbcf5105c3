package version

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/transaction/snapshot"
	"github.com/HayatoShiba/pptxn/transaction/txid"
)

const rel = common.Relation(1)

func newTestStore() (*snapshot.Manager, *Store) {
	sm := snapshot.TestingNewManager(nil, txid.InvalidTxID)
	return sm, NewStore(sm, sm.Clog(), nil)
}

// commit mimics the transaction manager's completion sequence
func commit(sm *snapshot.Manager, id txid.TxID) {
	sm.Clog().SetStateCommitted(id)
	sm.CompleteTxID(id)
}

func abort(sm *snapshot.Manager, id txid.TxID) {
	sm.Clog().SetStateAborted(id)
	sm.CompleteTxID(id)
}

func TestInsertVisibility(t *testing.T) {
	t.Run("committed insert is visible to later snapshot", func(t *testing.T) {
		sm, s := newTestStore()
		sm.AddInProgressTxID(10)
		s.Insert(rel, common.Key("k"), []byte("a"), 10, 1)
		commit(sm, 10)

		snap := sm.TakeSnapshot(20, 1)
		got, ok := s.Read(rel, common.Key("k"), snap)
		assert.True(t, ok)
		assert.Equal(t, []byte("a"), got)
	})
	t.Run("insert is invisible to snapshot taken before commit", func(t *testing.T) {
		sm, s := newTestStore()
		sm.AddInProgressTxID(10)
		snapBefore := sm.TakeSnapshot(20, 1)
		s.Insert(rel, common.Key("k"), []byte("a"), 10, 1)
		commit(sm, 10)

		_, ok := s.Read(rel, common.Key("k"), snapBefore)
		assert.False(t, ok)
	})
	t.Run("aborted insert is visible to no snapshot", func(t *testing.T) {
		sm, s := newTestStore()
		sm.AddInProgressTxID(10)
		s.Insert(rel, common.Key("k"), []byte("a"), 10, 1)
		abort(sm, 10)

		snap := sm.TakeSnapshot(20, 1)
		_, ok := s.Read(rel, common.Key("k"), snap)
		assert.False(t, ok)
	})
	t.Run("own insert visible to later command only", func(t *testing.T) {
		sm, s := newTestStore()
		sm.AddInProgressTxID(10)
		s.Insert(rel, common.Key("k"), []byte("a"), 10, 1)

		sameCmd := sm.TakeSnapshot(10, 1)
		_, ok := s.Read(rel, common.Key("k"), sameCmd)
		assert.False(t, ok)

		laterCmd := sm.TakeSnapshot(10, 2)
		got, ok := s.Read(rel, common.Key("k"), laterCmd)
		assert.True(t, ok)
		assert.Equal(t, []byte("a"), got)
	})
}

func TestUpdate(t *testing.T) {
	t.Run("update replaces the visible version", func(t *testing.T) {
		sm, s := newTestStore()
		sm.AddInProgressTxID(10)
		s.Insert(rel, common.Key("k"), []byte("a"), 10, 1)
		commit(sm, 10)

		sm.AddInProgressTxID(11)
		snap := sm.TakeSnapshot(11, 1)
		_, err := s.Update(rel, common.Key("k"), []byte("b"), 11, 1, snap)
		assert.NoError(t, err)
		commit(sm, 11)

		after := sm.TakeSnapshot(20, 1)
		got, ok := s.Read(rel, common.Key("k"), after)
		assert.True(t, ok)
		assert.Equal(t, []byte("b"), got)
	})
	t.Run("old version stays visible to old snapshot", func(t *testing.T) {
		sm, s := newTestStore()
		sm.AddInProgressTxID(10)
		s.Insert(rel, common.Key("k"), []byte("a"), 10, 1)
		commit(sm, 10)

		old := sm.TakeSnapshot(20, 1)

		sm.AddInProgressTxID(11)
		snap := sm.TakeSnapshot(11, 1)
		_, err := s.Update(rel, common.Key("k"), []byte("b"), 11, 1, snap)
		assert.NoError(t, err)
		commit(sm, 11)

		got, ok := s.Read(rel, common.Key("k"), old)
		assert.True(t, ok)
		assert.Equal(t, []byte("a"), got)
	})
	t.Run("concurrent committed update is detected", func(t *testing.T) {
		sm, s := newTestStore()
		sm.AddInProgressTxID(10)
		s.Insert(rel, common.Key("k"), []byte("a"), 10, 1)
		commit(sm, 10)

		// both transactions snapshot the same version
		sm.AddInProgressTxID(11)
		sm.AddInProgressTxID(12)
		snap11 := sm.TakeSnapshot(11, 1)
		snap12 := sm.TakeSnapshot(12, 1)

		_, err := s.Update(rel, common.Key("k"), []byte("b"), 11, 1, snap11)
		assert.NoError(t, err)
		commit(sm, 11)

		_, err = s.Update(rel, common.Key("k"), []byte("c"), 12, 1, snap12)
		assert.ErrorIs(t, err, ErrUpdatedByConcurrent)
	})
	t.Run("update of missing key", func(t *testing.T) {
		sm, s := newTestStore()
		snap := sm.TakeSnapshot(10, 1)
		_, err := s.Update(rel, common.Key("nope"), []byte("b"), 10, 1, snap)
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})
	t.Run("update over an aborted update succeeds", func(t *testing.T) {
		sm, s := newTestStore()
		sm.AddInProgressTxID(10)
		s.Insert(rel, common.Key("k"), []byte("a"), 10, 1)
		commit(sm, 10)

		sm.AddInProgressTxID(11)
		snap11 := sm.TakeSnapshot(11, 1)
		_, err := s.Update(rel, common.Key("k"), []byte("b"), 11, 1, snap11)
		assert.NoError(t, err)
		abort(sm, 11)

		sm.AddInProgressTxID(12)
		snap12 := sm.TakeSnapshot(12, 1)
		_, err = s.Update(rel, common.Key("k"), []byte("c"), 12, 1, snap12)
		assert.NoError(t, err)
		commit(sm, 12)

		after := sm.TakeSnapshot(20, 1)
		got, ok := s.Read(rel, common.Key("k"), after)
		assert.True(t, ok)
		assert.Equal(t, []byte("c"), got)
	})
}

func TestDelete(t *testing.T) {
	sm, s := newTestStore()
	sm.AddInProgressTxID(10)
	s.Insert(rel, common.Key("k"), []byte("a"), 10, 1)
	commit(sm, 10)

	old := sm.TakeSnapshot(20, 1)

	sm.AddInProgressTxID(11)
	snap := sm.TakeSnapshot(11, 1)
	_, err := s.Delete(rel, common.Key("k"), 11, 1, snap)
	assert.NoError(t, err)
	commit(sm, 11)

	// deleted for new snapshots, still there for the old one
	after := sm.TakeSnapshot(21, 1)
	_, ok := s.Read(rel, common.Key("k"), after)
	assert.False(t, ok)
	got, ok := s.Read(rel, common.Key("k"), old)
	assert.True(t, ok)
	assert.Equal(t, []byte("a"), got)
}

func TestVacuum(t *testing.T) {
	t.Run("superseded version is reclaimed past the horizon", func(t *testing.T) {
		sm, s := newTestStore()
		sm.AddInProgressTxID(10)
		s.Insert(rel, common.Key("k"), []byte("a"), 10, 1)
		commit(sm, 10)

		sm.AddInProgressTxID(11)
		snap := sm.TakeSnapshot(11, 1)
		_, err := s.Update(rel, common.Key("k"), []byte("b"), 11, 1, snap)
		assert.NoError(t, err)
		commit(sm, 11)

		n, err := s.Vacuum(context.Background(), sm.GCHorizon())
		assert.NoError(t, err)
		assert.Equal(t, 1, n)

		after := sm.TakeSnapshot(20, 1)
		got, ok := s.Read(rel, common.Key("k"), after)
		assert.True(t, ok)
		assert.Equal(t, []byte("b"), got)
	})
	t.Run("fully dead key drops out of the index", func(t *testing.T) {
		sm, s := newTestStore()
		sm.AddInProgressTxID(10)
		s.Insert(rel, common.Key("k"), []byte("a"), 10, 1)
		abort(sm, 10)

		n, err := s.Vacuum(context.Background(), sm.GCHorizon())
		assert.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, 0, s.Len())
	})
	t.Run("version needed by a live snapshot survives", func(t *testing.T) {
		sm, s := newTestStore()
		sm.AddInProgressTxID(10)
		s.Insert(rel, common.Key("k"), []byte("a"), 10, 1)
		commit(sm, 10)

		// a reader still holds a snapshot from before the delete
		sm.AddInProgressTxID(15)
		old := sm.TakeSnapshot(15, 1)
		sm.AddInProgressTxSnapshot(15, old)

		sm.AddInProgressTxID(16)
		snap := sm.TakeSnapshot(16, 1)
		_, err := s.Delete(rel, common.Key("k"), 16, 1, snap)
		assert.NoError(t, err)
		commit(sm, 16)

		n, err := s.Vacuum(context.Background(), sm.GCHorizon())
		assert.NoError(t, err)
		assert.Equal(t, 0, n)

		got, ok := s.Read(rel, common.Key("k"), old)
		assert.True(t, ok)
		assert.Equal(t, []byte("a"), got)
	})
	t.Run("reclaimed slots are reused after quarantine", func(t *testing.T) {
		sm, s := newTestStore()
		sm.AddInProgressTxID(10)
		s.Insert(rel, common.Key("k"), []byte("a"), 10, 1)
		abort(sm, 10)

		_, err := s.Vacuum(context.Background(), sm.GCHorizon())
		assert.NoError(t, err)
		assert.Len(t, s.pendingFree, 1)
		assert.Len(t, s.free, 0)

		_, err = s.Vacuum(context.Background(), sm.GCHorizon())
		assert.NoError(t, err)
		assert.Len(t, s.pendingFree, 0)
		assert.Len(t, s.free, 1)
	})
}

func TestApplyIdempotence(t *testing.T) {
	sm, s := newTestStore()
	sm.Clog().SetStateCommitted(10)

	s.ApplyInsert(rel, common.Key("k"), []byte("a"), 10, 1, 100)
	s.ApplyInsert(rel, common.Key("k"), []byte("a"), 10, 1, 100)

	item, ok := s.index.Get(keyItem{rel: rel, key: "k"})
	assert.True(t, ok)
	count := 0
	for h := item.head; h != InvalidHandle; h = s.arena.get(h).nextHandle() {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestSerializeRoundtrip(t *testing.T) {
	sm, s := newTestStore()
	sm.AddInProgressTxID(10)
	s.Insert(rel, common.Key("k1"), []byte("a"), 10, 1)
	s.Insert(rel, common.Key("k2"), []byte("b"), 10, 2)
	commit(sm, 10)

	sm.AddInProgressTxID(11)
	snap := sm.TakeSnapshot(11, 1)
	_, err := s.Update(rel, common.Key("k1"), []byte("a2"), 11, 1, snap)
	assert.NoError(t, err)
	_, err = s.Delete(rel, common.Key("k2"), 11, 2, snap)
	assert.NoError(t, err)
	commit(sm, 11)

	var buf bytes.Buffer
	assert.NoError(t, s.Serialize(&buf))

	_, restored := newTestStore()
	assert.NoError(t, restored.Deserialize(&buf))
	assert.True(t, s.Equal(restored))
	assert.True(t, restored.Equal(s))
}
