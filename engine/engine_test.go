package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/config"
	"github.com/HayatoShiba/pptxn/storage/lock"
	"github.com/HayatoShiba/pptxn/transaction"
)

const testRel common.Relation = 1

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.WALDir = t.TempDir()
	cfg.WALSyncPolicy = config.WALSyncRetry
	cfg.DeadlockTimeout = 20 * time.Millisecond
	cfg.CheckpointInterval = time.Hour
	cfg.VacuumInterval = time.Hour
	return cfg
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// a nil logger brings up the process logger from the config's log settings
func TestNewSetsUpProcessLogger(t *testing.T) {
	cfg := testConfig(t)
	cfg.LogLevel = "debug"
	cfg.LogFile = filepath.Join(t.TempDir(), "pptxn.log")

	e, err := New(cfg, nil)
	require.NoError(t, err)
	defer e.Close()

	tx, err := e.Begin(context.Background(), transaction.LevelReadCommitted)
	require.NoError(t, err)
	require.NoError(t, e.Put(context.Background(), tx, testRel, common.Key("a"), []byte("v1")))
	require.NoError(t, e.Commit(context.Background(), tx))

	_, err = os.Stat(cfg.LogFile)
	assert.NoError(t, err)
}

func TestPutGetCommit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tx, err := e.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, tx, testRel, common.Key("a"), []byte("v1")))

	// own write is visible to the transaction's later statements
	v, err := e.Get(tx, testRel, common.Key("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	// invisible to everyone else until commit
	other, err := e.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)
	_, err = e.Get(other, testRel, common.Key("a"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, e.Commit(ctx, tx))
	v, err = e.Get(other, testRel, common.Key("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
	require.NoError(t, e.Commit(ctx, other))
}

func TestIsolationLevels(t *testing.T) {
	tests := []struct {
		name         string
		level        transaction.IsolationLevel
		seesLateComm bool
	}{
		{"read committed sees commits between statements", transaction.LevelReadCommitted, true},
		{"repeatable read keeps its snapshot", transaction.LevelRepeatableRead, false},
		{"serializable keeps its snapshot", transaction.LevelSerializable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			ctx := context.Background()

			reader, err := e.Begin(ctx, tt.level)
			require.NoError(t, err)
			// first statement pins the snapshot for the higher levels
			_, err = e.Get(reader, testRel, common.Key("a"))
			assert.ErrorIs(t, err, ErrKeyNotFound)

			writer, err := e.Begin(ctx, transaction.LevelReadCommitted)
			require.NoError(t, err)
			require.NoError(t, e.Put(ctx, writer, testRel, common.Key("a"), []byte("v1")))
			require.NoError(t, e.Commit(ctx, writer))

			v, err := e.Get(reader, testRel, common.Key("a"))
			if tt.seesLateComm {
				require.NoError(t, err)
				assert.Equal(t, []byte("v1"), v)
			} else {
				assert.ErrorIs(t, err, ErrKeyNotFound)
			}
			e.Abort(reader)
		})
	}
}

func TestDeleteHidesRow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	setup, err := e.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, setup, testRel, common.Key("a"), []byte("v1")))
	require.NoError(t, e.Commit(ctx, setup))

	// a repeatable read snapshot taken before the delete keeps seeing the row
	old, err := e.Begin(ctx, transaction.LevelRepeatableRead)
	require.NoError(t, err)
	_, err = e.Get(old, testRel, common.Key("a"))
	require.NoError(t, err)

	del, err := e.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)
	require.NoError(t, e.Delete(ctx, del, testRel, common.Key("a")))
	require.NoError(t, e.Commit(ctx, del))

	fresh, err := e.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)
	_, err = e.Get(fresh, testRel, common.Key("a"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	e.Abort(fresh)

	v, err := e.Get(old, testRel, common.Key("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
	e.Abort(old)
}

func TestFirstUpdaterWins(t *testing.T) {
	t.Run("read committed retries the statement", func(t *testing.T) {
		e := newTestEngine(t)
		ctx := context.Background()

		setup, err := e.Begin(ctx, transaction.LevelReadCommitted)
		require.NoError(t, err)
		require.NoError(t, e.Put(ctx, setup, testRel, common.Key("a"), []byte("v0")))
		require.NoError(t, e.Commit(ctx, setup))

		tx1, err := e.Begin(ctx, transaction.LevelReadCommitted)
		require.NoError(t, err)
		tx2, err := e.Begin(ctx, transaction.LevelReadCommitted)
		require.NoError(t, err)

		require.NoError(t, e.Put(ctx, tx1, testRel, common.Key("a"), []byte("v1")))

		// tx2 blocks on the row lock until tx1 commits, then its statement
		// restarts against the committed state
		done := make(chan error, 1)
		go func() { done <- e.Put(ctx, tx2, testRel, common.Key("a"), []byte("v2")) }()

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, e.Commit(ctx, tx1))
		require.NoError(t, <-done)
		require.NoError(t, e.Commit(ctx, tx2))

		check, err := e.Begin(ctx, transaction.LevelReadCommitted)
		require.NoError(t, err)
		v, err := e.Get(check, testRel, common.Key("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), v)
		e.Abort(check)
	})

	t.Run("repeatable read fails instead", func(t *testing.T) {
		e := newTestEngine(t)
		ctx := context.Background()

		setup, err := e.Begin(ctx, transaction.LevelReadCommitted)
		require.NoError(t, err)
		require.NoError(t, e.Put(ctx, setup, testRel, common.Key("a"), []byte("v0")))
		require.NoError(t, e.Commit(ctx, setup))

		tx1, err := e.Begin(ctx, transaction.LevelReadCommitted)
		require.NoError(t, err)
		tx2, err := e.Begin(ctx, transaction.LevelRepeatableRead)
		require.NoError(t, err)
		// pin tx2's snapshot before tx1 commits
		_, err = e.Get(tx2, testRel, common.Key("a"))
		require.NoError(t, err)

		require.NoError(t, e.Put(ctx, tx1, testRel, common.Key("a"), []byte("v1")))

		done := make(chan error, 1)
		go func() { done <- e.Put(ctx, tx2, testRel, common.Key("a"), []byte("v2")) }()

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, e.Commit(ctx, tx1))

		err = <-done
		assert.ErrorIs(t, err, transaction.ErrSerializationFailure)
		assert.True(t, IsRetryable(err))
		e.Abort(tx2)
	})
}

// conflicts local to one transaction are worth retrying; capacity and
// data errors are not
func TestRetryableErrorClassification(t *testing.T) {
	retryable := []error{
		transaction.ErrSerializationFailure,
		lock.ErrDeadlockDetected,
		lock.ErrLockWaitTimeout,
		lock.ErrLockWaitCanceled,
	}
	for _, err := range retryable {
		assert.True(t, IsRetryable(err), err.Error())
		// classification has to survive wrapping at call sites
		assert.True(t, IsRetryable(errors.Wrap(err, "acquire lock")), err.Error())
	}

	assert.False(t, IsRetryable(transaction.ErrTooManyActiveTransactions))
	assert.False(t, IsRetryable(ErrKeyNotFound))
	assert.False(t, IsRetryable(nil))
}

func TestDeadlockDetection(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	setup, err := e.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, setup, testRel, common.Key("a"), []byte("a0")))
	require.NoError(t, e.Put(ctx, setup, testRel, common.Key("b"), []byte("b0")))
	require.NoError(t, e.Commit(ctx, setup))

	tx1, err := e.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)
	tx2, err := e.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)

	require.NoError(t, e.Put(ctx, tx1, testRel, common.Key("a"), []byte("a1")))
	require.NoError(t, e.Put(ctx, tx2, testRel, common.Key("b"), []byte("b2")))

	type result struct {
		tx  *transaction.Tx
		err error
	}
	res := make(chan result, 2)
	go func() { res <- result{tx1, e.Put(ctx, tx1, testRel, common.Key("b"), []byte("b1"))} }()
	go func() { res <- result{tx2, e.Put(ctx, tx2, testRel, common.Key("a"), []byte("a2"))} }()

	// the survivor cannot proceed until the victim's locks are released, so
	// the first result is always the victim
	victim := <-res
	assert.ErrorIs(t, victim.err, lock.ErrDeadlockDetected)
	assert.True(t, IsRetryable(victim.err))
	e.Abort(victim.tx)

	survivor := <-res
	require.NoError(t, survivor.err)
	require.NoError(t, e.Commit(ctx, survivor.tx))
}

func TestSerializableWriteSkew(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	setup, err := e.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, setup, testRel, common.Key("a"), []byte("1")))
	require.NoError(t, e.Put(ctx, setup, testRel, common.Key("b"), []byte("1")))
	require.NoError(t, e.Commit(ctx, setup))

	// classic write skew: each transaction reads the row the other writes
	tx1, err := e.Begin(ctx, transaction.LevelSerializable)
	require.NoError(t, err)
	tx2, err := e.Begin(ctx, transaction.LevelSerializable)
	require.NoError(t, err)

	_, err = e.Get(tx1, testRel, common.Key("a"))
	require.NoError(t, err)
	_, err = e.Get(tx2, testRel, common.Key("b"))
	require.NoError(t, err)

	require.NoError(t, e.Put(ctx, tx1, testRel, common.Key("b"), []byte("0")))
	require.NoError(t, e.Put(ctx, tx2, testRel, common.Key("a"), []byte("0")))

	// first committer wins, the second is the failing pivot
	require.NoError(t, e.Commit(ctx, tx1))
	err = e.Commit(ctx, tx2)
	assert.ErrorIs(t, err, transaction.ErrSerializationFailure)
	assert.True(t, IsRetryable(err))

	// retried from the start, the loser succeeds
	retry, err := e.Begin(ctx, transaction.LevelSerializable)
	require.NoError(t, err)
	_, err = e.Get(retry, testRel, common.Key("b"))
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, retry, testRel, common.Key("a"), []byte("0")))
	require.NoError(t, e.Commit(ctx, retry))
}

func TestRestartRecoversCommittedState(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	e1, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	tx, err := e1.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)
	require.NoError(t, e1.Put(ctx, tx, testRel, common.Key("a"), []byte("v1")))
	require.NoError(t, e1.Commit(ctx, tx))

	// a transaction that never commits before the crash
	orphan, err := e1.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)
	require.NoError(t, e1.Put(ctx, orphan, testRel, common.Key("b"), []byte("v2")))
	require.NoError(t, e1.wm.Flush())

	// crash: no shutdown checkpoint, no close
	e1.locks.Close()
	require.NoError(t, e1.wm.Close())

	e2, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	defer e2.Close()

	assert.Contains(t, e2.RecoveryResult().Aborted, orphan.ID())

	check, err := e2.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)
	v, err := e2.Get(check, testRel, common.Key("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
	_, err = e2.Get(check, testRel, common.Key("b"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	e2.Abort(check)
}

func TestRestartAfterCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	e1, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	tx, err := e1.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)
	require.NoError(t, e1.Put(ctx, tx, testRel, common.Key("a"), []byte("v1")))
	require.NoError(t, e1.Commit(ctx, tx))
	require.NoError(t, e1.Close())

	// a clean shutdown checkpointed, so the restart replays almost nothing
	e2, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	defer e2.Close()
	assert.LessOrEqual(t, e2.RecoveryResult().Replayed, 1)

	check, err := e2.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)
	v, err := e2.Get(check, testRel, common.Key("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
	e2.Abort(check)
}

func TestVacuumReclaimsDeadVersions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for _, v := range []string{"v1", "v2", "v3"} {
		tx, err := e.Begin(ctx, transaction.LevelReadCommitted)
		require.NoError(t, err)
		require.NoError(t, e.Put(ctx, tx, testRel, common.Key("a"), []byte(v)))
		require.NoError(t, e.Commit(ctx, tx))
	}

	n, err := e.Vacuum(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// the live version survives
	check, err := e.Begin(ctx, transaction.LevelReadCommitted)
	require.NoError(t, err)
	v, err := e.Get(check, testRel, common.Key("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), v)
	e.Abort(check)
}
