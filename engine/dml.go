package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/storage/lock"
	"github.com/HayatoShiba/pptxn/storage/version"
	"github.com/HayatoShiba/pptxn/transaction"
)

// ErrKeyNotFound is returned by Get and Delete when no visible row exists
var ErrKeyNotFound = version.ErrKeyNotFound

// Begin starts a transaction at the given isolation level.
//
// Every transaction holds its own txn resource exclusively for its whole
// life; another transaction acquiring it shared is how "wait for that
// transaction to finish" is expressed, the XactLockTableWait idiom.
func (e *Engine) Begin(ctx context.Context, level transaction.IsolationLevel) (*transaction.Tx, error) {
	tx, err := e.txns.Begin(level)
	if err != nil {
		return nil, err
	}
	if err := e.locks.Acquire(ctx, common.TxnResource(uint64(tx.ID())), lock.ModeExclusive, tx.ID()); err != nil {
		e.txns.Abort(tx)
		return nil, errors.Wrap(err, "acquire txn resource")
	}
	return tx, nil
}

// Get reads the newest version of the key visible to the transaction.
// each Get is a statement: under read committed it sees everything committed
// before the call.
func (e *Engine) Get(tx *transaction.Tx, rel common.Relation, key common.Key) ([]byte, error) {
	e.txns.StartStatement(tx)
	if tx.IsolationLevel() == transaction.LevelSerializable {
		e.ssim.OnRead(tx.ID(), common.RowResource(rel, key))
	}
	v, ok := e.store.Read(rel, key, tx.Snapshot())
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

// Put writes the key: an update when a visible version exists, an insert
// otherwise. the row's exclusive lock is taken first, so concurrent writers
// of the same row queue up; the version chain then arbitrates
// first-updater-wins among transactions whose snapshots raced.
func (e *Engine) Put(ctx context.Context, tx *transaction.Tx, rel common.Relation, key common.Key, value []byte) error {
	e.txns.StartStatement(tx)
	res := common.RowResource(rel, key)
	if err := e.locks.Acquire(ctx, res, lock.ModeExclusive, tx.ID()); err != nil {
		return err
	}
	if tx.IsolationLevel() == transaction.LevelSerializable {
		e.ssim.OnWrite(tx.ID(), res)
	}
	for {
		lsn, err := e.store.Update(rel, key, value, tx.ID(), tx.CommandID(), tx.Snapshot())
		if errors.Is(err, version.ErrKeyNotFound) {
			lsn, err = e.store.Insert(rel, key, value, tx.ID(), tx.CommandID())
		}
		if err == nil {
			tx.MarkWrite(lsn)
			return nil
		}
		if retry, cerr := e.writeConflict(ctx, tx, rel, key, err); !retry {
			return cerr
		}
	}
}

// Delete removes the key for this transaction by stamping xmax on the
// visible version. readers with older snapshots keep seeing it.
func (e *Engine) Delete(ctx context.Context, tx *transaction.Tx, rel common.Relation, key common.Key) error {
	e.txns.StartStatement(tx)
	res := common.RowResource(rel, key)
	if err := e.locks.Acquire(ctx, res, lock.ModeExclusive, tx.ID()); err != nil {
		return err
	}
	if tx.IsolationLevel() == transaction.LevelSerializable {
		e.ssim.OnWrite(tx.ID(), res)
	}
	for {
		lsn, err := e.store.Delete(rel, key, tx.ID(), tx.CommandID(), tx.Snapshot())
		if err == nil {
			tx.MarkWrite(lsn)
			return nil
		}
		if errors.Is(err, version.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		if retry, cerr := e.writeConflict(ctx, tx, rel, key, err); !retry {
			return cerr
		}
	}
}

// writeConflict applies the isolation level's rule to a write that lost a
// race on the version chain. returns retry=true when the statement should
// run again.
// see https://www.postgresql.org/docs/current/transaction-iso.html
func (e *Engine) writeConflict(ctx context.Context, tx *transaction.Tx, rel common.Relation, key common.Key, err error) (bool, error) {
	switch {
	case errors.Is(err, version.ErrUpdatedByConcurrent):
		if tx.IsolationLevel() == transaction.LevelReadCommitted {
			// first-updater-wins, read committed flavor: restart the
			// statement with a fresh snapshot that sees the winner's commit
			e.txns.StartStatement(tx)
			return true, nil
		}
		// repeatable read and serializable cannot move their snapshot
		return false, transaction.ErrSerializationFailure
	case errors.Is(err, version.ErrBeingModified):
		// the writer is still in progress. wait for it to finish by taking
		// its txn resource shared, then look at the chain again.
		w, ok := e.store.NewestWriter(rel, key)
		if !ok {
			return true, nil
		}
		if werr := e.locks.Acquire(ctx, common.TxnResource(uint64(w)), lock.ModeShared, tx.ID()); werr != nil {
			return false, werr
		}
		return true, nil
	}
	return false, err
}

// Commit commits the transaction with the durability the configuration asks
// for. ErrSerializationFailure means the transaction was aborted by the
// serializable check and should be retried from the start.
func (e *Engine) Commit(ctx context.Context, tx *transaction.Tx) error {
	return e.txns.Commit(ctx, tx)
}

// Abort rolls the transaction back
func (e *Engine) Abort(tx *transaction.Tx) {
	e.txns.Abort(tx)
}

// IsRetryable reports whether the error is transient: the same transaction,
// re-run from the start, may succeed. lock waits that timed out or were
// canceled count; a wal write failure does not, the instance itself is in
// trouble then. ErrTooManyActiveTransactions is deliberately excluded: it
// clears only when load drops, so blind retry loops would make it worse.
func IsRetryable(err error) bool {
	return errors.Is(err, transaction.ErrSerializationFailure) ||
		errors.Is(err, lock.ErrDeadlockDetected) ||
		errors.Is(err, lock.ErrLockWaitTimeout) ||
		errors.Is(err, lock.ErrLockWaitCanceled)
}
