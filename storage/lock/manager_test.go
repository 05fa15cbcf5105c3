package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/transaction/txid"
)

func newTestManager(t *testing.T, deadlockTimeout time.Duration) *Manager {
	t.Helper()
	m := NewManager(deadlockTimeout, 0, 64, zap.NewNop())
	t.Cleanup(m.Close)
	return m
}

const res = common.ResourceID("row/1/k")

func TestCompatibility(t *testing.T) {
	assert.True(t, ModeShared.IsCompatibleWith(ModeShared))
	assert.False(t, ModeShared.IsCompatibleWith(ModeExclusive))
	assert.False(t, ModeExclusive.IsCompatibleWith(ModeExclusive))
	assert.True(t, ModeIntentShared.IsCompatibleWith(ModeIntentExclusive))
	assert.False(t, ModeIntentExclusive.IsCompatibleWith(ModeShared))
}

func TestAcquireRelease(t *testing.T) {
	t.Run("shared locks coexist", func(t *testing.T) {
		m := newTestManager(t, time.Hour)
		assert.NoError(t, m.Acquire(context.Background(), res, ModeShared, 10))
		assert.NoError(t, m.Acquire(context.Background(), res, ModeShared, 11))
		m.ReleaseAll(10)
		m.ReleaseAll(11)
	})
	t.Run("re-entrant acquire is a no-op", func(t *testing.T) {
		m := newTestManager(t, time.Hour)
		assert.NoError(t, m.Acquire(context.Background(), res, ModeExclusive, 10))
		assert.NoError(t, m.Acquire(context.Background(), res, ModeExclusive, 10))
		assert.NoError(t, m.Acquire(context.Background(), res, ModeShared, 10))
		m.ReleaseAll(10)
	})
	t.Run("exclusive waits for shared and is woken by release", func(t *testing.T) {
		m := newTestManager(t, time.Hour)
		assert.NoError(t, m.Acquire(context.Background(), res, ModeShared, 10))

		acquired := make(chan error, 1)
		go func() {
			acquired <- m.Acquire(context.Background(), res, ModeExclusive, 11)
		}()

		select {
		case <-acquired:
			t.Fatal("exclusive lock granted while shared lock held")
		case <-time.After(50 * time.Millisecond):
		}

		m.ReleaseAll(10)
		select {
		case err := <-acquired:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("waiter was not woken by release")
		}
		m.ReleaseAll(11)
	})
}

// no two incompatible grants may coexist, ever
func TestLockSafetyInvariant(t *testing.T) {
	m := newTestManager(t, time.Hour)
	var wg sync.WaitGroup
	var mu sync.Mutex
	inside := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			tx := txid.TxID(100 + id)
			for j := 0; j < 50; j++ {
				assert.NoError(t, m.Acquire(context.Background(), res, ModeExclusive, tx))
				mu.Lock()
				inside++
				assert.Equal(t, 1, inside, "two exclusive holders at once")
				inside--
				mu.Unlock()
				m.ReleaseAll(tx)
			}
		}(i)
	}
	wg.Wait()
}

func TestLockWaitCancel(t *testing.T) {
	m := newTestManager(t, time.Hour)
	assert.NoError(t, m.Acquire(context.Background(), res, ModeExclusive, 10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, res, ModeExclusive, 11)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrLockWaitCanceled)
	case <-time.After(time.Second):
		t.Fatal("canceled wait did not return")
	}

	// the canceled request must be gone from the queue
	m.ReleaseAll(10)
	assert.NoError(t, m.Acquire(context.Background(), res, ModeExclusive, 12))
	m.ReleaseAll(12)
}

func TestLockWaitTimeout(t *testing.T) {
	m := NewManager(time.Hour, 30*time.Millisecond, 64, zap.NewNop())
	defer m.Close()
	assert.NoError(t, m.Acquire(context.Background(), res, ModeExclusive, 10))
	err := m.Acquire(context.Background(), res, ModeExclusive, 11)
	assert.ErrorIs(t, err, ErrLockWaitTimeout)
	m.ReleaseAll(10)
}

func TestTooManyLocks(t *testing.T) {
	m := NewManager(time.Hour, 0, 2, zap.NewNop())
	defer m.Close()
	assert.NoError(t, m.Acquire(context.Background(), common.ResourceID("a"), ModeExclusive, 10))
	assert.NoError(t, m.Acquire(context.Background(), common.ResourceID("b"), ModeExclusive, 10))
	err := m.Acquire(context.Background(), common.ResourceID("c"), ModeExclusive, 10)
	assert.ErrorIs(t, err, ErrTooManyLocks)
	m.ReleaseAll(10)
}

// deadlock liveness: given a 2-cycle, exactly one waiter is aborted within
// deadlock_timeout + epsilon and the survivor completes
func TestDeadlockDetection(t *testing.T) {
	m := newTestManager(t, 50*time.Millisecond)
	resA := common.ResourceID("row/1/a")
	resB := common.ResourceID("row/1/b")

	assert.NoError(t, m.Acquire(context.Background(), resA, ModeExclusive, 10))
	assert.NoError(t, m.Acquire(context.Background(), resB, ModeExclusive, 11))

	errs := make(chan error, 2)
	go func() { errs <- m.Acquire(context.Background(), resB, ModeExclusive, 10) }()
	go func() { errs <- m.Acquire(context.Background(), resA, ModeExclusive, 11) }()

	var first error
	select {
	case first = <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock was not resolved")
	}
	// the youngest transaction of the cycle is the victim
	assert.ErrorIs(t, first, ErrDeadlockDetected)

	// victim aborts, releasing its locks; the survivor finishes its wait
	m.ReleaseAll(11)
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("survivor did not complete after victim release")
	}
	m.ReleaseAll(10)
}

func TestSnapshotIntrospection(t *testing.T) {
	m := newTestManager(t, time.Hour)
	assert.NoError(t, m.Acquire(context.Background(), res, ModeExclusive, 10))
	go m.Acquire(context.Background(), res, ModeShared, 11) //nolint:errcheck
	time.Sleep(20 * time.Millisecond)

	infos := m.Snapshot()
	assert.Len(t, infos, 2)
	var grants, waits int
	for _, in := range infos {
		if in.Granted {
			grants++
		} else {
			waits++
		}
	}
	assert.Equal(t, 1, grants)
	assert.Equal(t, 1, waits)
	m.ReleaseAll(10)
	m.ReleaseAll(11)
}
