/*
MVCC version store.

Each logical row is a singly-linked chain of versions, newest first, hanging
off a key index. A version carries xmin (creating transaction), xmax
(deleting transaction, if any) and the command ids within those
transactions; visibility of a version under a snapshot is decided by the
snapshot manager, exactly the way the heap access method consults the
snapshot in postgres.

Reads never block and never take a transaction-level lock: they walk the
chain and return the newest visible version. Writers must already hold the
row's exclusive lock (the lock manager arbitrates that); the store only
enforces the version-chain consequences: concurrent committed updates
surface as ErrUpdatedByConcurrent so the caller can apply its isolation
level's first-updater-wins rule.

Writes append their own WAL row record while holding the store mutex. That
single critical section is what keeps the checkpoint dump honest: a dump
(also taken under the mutex) can never observe a change whose record is not
in the WAL, nor miss one whose record is, so replay from the checkpoint's
redo point reconstructs exactly the dumped state plus the records after it.

The store mutex guards slot allocation, index-head publication and the
write-ahead logging of changes. It is never held during reads and never
across disk I/O; WAL append is buffer-only.
*/
package version

import (
	"bytes"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/btree"

	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/transaction/clog"
	"github.com/HayatoShiba/pptxn/transaction/snapshot"
	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/HayatoShiba/pptxn/wal"
)

var (
	// ErrKeyNotFound is returned when no visible version exists for the key
	ErrKeyNotFound = errors.New("key not found")
	// ErrBeingModified is returned when the newest version belongs to an
	// in-progress transaction. the caller should wait on the row lock.
	ErrBeingModified = errors.New("row is being modified by an in-progress transaction")
	// ErrUpdatedByConcurrent is returned when a concurrent transaction
	// committed an update/delete of the row after the caller's snapshot.
	// first-updater-wins: the caller decides between statement retry
	// (read committed) and serialization failure (repeatable read and up).
	ErrUpdatedByConcurrent = errors.New("row was updated by a concurrent transaction")
)

// walAppender is the slice of the wal manager the store needs. kept as an
// interface so store tests can run without a wal directory.
type walAppender interface {
	Append(id txid.TxID, kind wal.Kind, payload []byte) (wal.Lsn, error)
}

// keyItem is one entry of the key index: key -> newest version handle
type keyItem struct {
	rel  common.Relation
	key  string
	head Handle
	// exclusive end position of the last WAL record applied to this key.
	// replay idempotence: a record ending at or below this is a no-op.
	lastLsn uint64
}

func lessKeyItem(a, b keyItem) bool {
	if a.rel != b.rel {
		return a.rel < b.rel
	}
	return a.key < b.key
}

// Store is the MVCC version store
type Store struct {
	sm *snapshot.Manager
	cm *clog.Manager
	// wm logs row changes; nil disables logging (replay targets, tests)
	wm walAppender

	index *btree.BTreeG[keyItem]

	// guards slot allocation, free lists and index-head publication.
	// reads never take it.
	mu    sync.Mutex
	arena *arena
	free  []Handle
	// handles reclaimed by the last vacuum sweep, quarantined until the next
	pendingFree []Handle
}

// NewStore initializes the version store. wm may be nil for a store that is
// only written by replay.
func NewStore(sm *snapshot.Manager, cm *clog.Manager, wm walAppender) *Store {
	return &Store{
		sm:    sm,
		cm:    cm,
		wm:    wm,
		index: btree.NewBTreeG(lessKeyItem),
		arena: newArena(),
	}
}

// logRow appends the row record for a change being made under s.mu and
// returns the record's start and exclusive end positions
func (s *Store) logRow(txID txid.TxID, kind wal.Kind, p wal.RowPayload) (wal.Lsn, uint64, error) {
	if s.wm == nil {
		return 0, 0, nil
	}
	b := wal.EncodeRowPayload(p)
	lsn, err := s.wm.Append(txID, kind, b)
	if err != nil {
		return 0, 0, err
	}
	return lsn, uint64(lsn) + uint64(wal.RecordSize(len(b))), nil
}

// allocSlot hands out a slot handle. caller holds s.mu.
func (s *Store) allocSlot() Handle {
	if n := len(s.free); n > 0 {
		h := s.free[n-1]
		s.free = s.free[:n-1]
		return h
	}
	return s.arena.alloc()
}

// Read returns the newest version of the key visible under the snapshot.
// it walks the chain lock-free and never blocks.
func (s *Store) Read(rel common.Relation, key common.Key, snap *snapshot.Snapshot) ([]byte, bool) {
	item, ok := s.index.Get(keyItem{rel: rel, key: string(key)})
	if !ok {
		return nil, false
	}
	for h := item.head; h != InvalidHandle; {
		sl := s.arena.get(h)
		xmin, cmin, xmax, cmax := sl.header()
		vi := snapshot.VersionInfo{Xmin: xmin, Cmin: cmin, Xmax: xmax, Cmax: cmax}
		if s.sm.IsVersionVisible(vi, snap) {
			return append([]byte(nil), sl.payload...), true
		}
		h = sl.nextHandle()
	}
	return nil, false
}

// Insert prepends a brand-new head version with xmin = txID and logs the
// change. the caller must hold the row's exclusive lock.
func (s *Store) Insert(rel common.Relation, key common.Key, payload []byte, txID txid.TxID, cid uint32) (wal.Lsn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lsn, end, err := s.logRow(txID, wal.KindInsert, wal.RowPayload{
		Rel:      rel,
		Cid:      cid,
		Key:      key,
		NewValue: payload,
	})
	if err != nil {
		return 0, err
	}
	s.prependLocked(rel, key, payload, txID, cid, end)
	return lsn, nil
}

// prependLocked allocates and publishes a new head version. caller holds
// s.mu. endLsn is the exclusive end of the record logging the change, zero
// when the change is not logged.
func (s *Store) prependLocked(rel common.Relation, key common.Key, payload []byte, xmin txid.TxID, cmin uint32, endLsn uint64) {
	item, ok := s.index.Get(keyItem{rel: rel, key: string(key)})
	if !ok {
		item = keyItem{rel: rel, key: string(key), head: InvalidHandle}
	}
	h := s.allocSlot()
	sl := s.arena.get(h)
	sl.xmin = xmin
	sl.cmin = cmin
	sl.clearXmax()
	sl.cmax.Store(0)
	sl.setNext(item.head)
	sl.rel = rel
	sl.key = append(common.Key(nil), key...)
	sl.payload = append([]byte(nil), payload...)
	item.head = h
	if endLsn > item.lastLsn {
		item.lastLsn = endLsn
	}
	// publication point: the slot becomes reachable
	s.index.Set(item)
}

// findTarget walks the chain and returns the version an update/delete should
// stamp. newer versions that are not visible under the snapshot mean a
// concurrent writer got there first.
func (s *Store) findTarget(item keyItem, snap *snapshot.Snapshot) (Handle, error) {
	for h := item.head; h != InvalidHandle; {
		sl := s.arena.get(h)
		xmin, cmin, xmax, cmax := sl.header()
		vi := snapshot.VersionInfo{Xmin: xmin, Cmin: cmin, Xmax: xmax, Cmax: cmax}
		if s.sm.IsVersionVisible(vi, snap) {
			return h, nil
		}
		// invisible version newer than the visible one. decide why.
		if xmin != snap.Owner() && xmin != txid.FrozenTxID {
			if s.cm.IsCommitted(xmin) {
				// a concurrent transaction committed a newer version
				return InvalidHandle, ErrUpdatedByConcurrent
			}
			if !s.cm.IsAborted(xmin) {
				// still in progress. the caller should be holding the row
				// lock, so this means a writer bypassed the lock manager.
				return InvalidHandle, ErrBeingModified
			}
		}
		// aborted leftovers (or own later-command versions) are skipped
		h = sl.nextHandle()
	}
	return InvalidHandle, ErrKeyNotFound
}

// stampXmax validates the target's current xmax and stamps the new deleter.
// caller holds s.mu and the row's exclusive lock.
func (s *Store) stampXmax(target Handle, txID txid.TxID, cid uint32, snap *snapshot.Snapshot) error {
	sl := s.arena.get(target)
	xmax := txid.TxID(sl.xmax.Load())
	if xmax.IsValid() && xmax != snap.Owner() {
		if s.cm.IsCommitted(xmax) {
			// deleter committed after our snapshot was taken
			return ErrUpdatedByConcurrent
		}
		if !s.cm.IsAborted(xmax) {
			return ErrBeingModified
		}
		// aborted deleter: its mark is void, overwrite it
		sl.clearXmax()
	}
	sl.setXmax(txID, cid)
	return nil
}

// Update stamps xmax on the currently-visible version, prepends the new
// version and logs the change. the caller must hold the row's exclusive
// lock.
func (s *Store) Update(rel common.Relation, key common.Key, payload []byte, txID txid.TxID, cid uint32, snap *snapshot.Snapshot) (wal.Lsn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.index.Get(keyItem{rel: rel, key: string(key)})
	if !ok {
		return 0, ErrKeyNotFound
	}
	target, err := s.findTarget(item, snap)
	if err != nil {
		return 0, err
	}
	old := s.arena.get(target).payload
	if err := s.stampXmax(target, txID, cid, snap); err != nil {
		return 0, err
	}
	// logged only after the validation passed, so the wal never carries a
	// record for a change that was refused
	lsn, end, err := s.logRow(txID, wal.KindUpdate, wal.RowPayload{
		Rel:      rel,
		Cid:      cid,
		Key:      key,
		NewValue: payload,
		OldValue: old,
	})
	if err != nil {
		return 0, err
	}
	s.prependLocked(rel, key, payload, txID, cid, end)
	return lsn, nil
}

// Delete stamps xmax on the currently-visible version and logs the change.
// no new version is created. the caller must hold the row's exclusive lock.
func (s *Store) Delete(rel common.Relation, key common.Key, txID txid.TxID, cid uint32, snap *snapshot.Snapshot) (wal.Lsn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.index.Get(keyItem{rel: rel, key: string(key)})
	if !ok {
		return 0, ErrKeyNotFound
	}
	target, err := s.findTarget(item, snap)
	if err != nil {
		return 0, err
	}
	old := s.arena.get(target).payload
	if err := s.stampXmax(target, txID, cid, snap); err != nil {
		return 0, err
	}
	lsn, end, err := s.logRow(txID, wal.KindDelete, wal.RowPayload{
		Rel:      rel,
		Cid:      cid,
		Key:      key,
		OldValue: old,
	})
	if err != nil {
		return 0, err
	}
	if end > item.lastLsn {
		item.lastLsn = end
		s.index.Set(item)
	}
	return lsn, nil
}

// NewestWriter returns the in-progress transaction owning the newest version
// of the key, if any. callers use it to wait for that transaction to finish
// (XactLockTableWait) before retrying a write that hit ErrBeingModified.
func (s *Store) NewestWriter(rel common.Relation, key common.Key) (txid.TxID, bool) {
	item, ok := s.index.Get(keyItem{rel: rel, key: string(key)})
	if !ok || item.head == InvalidHandle {
		return txid.InvalidTxID, false
	}
	sl := s.arena.get(item.head)
	xmin, _, xmax, _ := sl.header()
	if xmax.IsValid() && xmax.IsNormal() && !s.cm.IsCommitted(xmax) && !s.cm.IsAborted(xmax) {
		return xmax, true
	}
	if xmin.IsNormal() && !s.cm.IsCommitted(xmin) && !s.cm.IsAborted(xmin) {
		return xmin, true
	}
	return txid.InvalidTxID, false
}

// Len returns the number of keys in the index. introspection only.
func (s *Store) Len() int {
	return s.index.Len()
}

// Equal reports whether two stores hold identical logical content.
// test helper for replay idempotence checks.
func (s *Store) Equal(o *Store) bool {
	if s.index.Len() != o.index.Len() {
		return false
	}
	equal := true
	s.index.Scan(func(item keyItem) bool {
		other, ok := o.index.Get(keyItem{rel: item.rel, key: item.key})
		if !ok || !s.chainEqual(item, o, other) {
			equal = false
			return false
		}
		return true
	})
	return equal
}

func (s *Store) chainEqual(item keyItem, o *Store, other keyItem) bool {
	h, g := item.head, other.head
	for h != InvalidHandle && g != InvalidHandle {
		a, b := s.arena.get(h), o.arena.get(g)
		axmin, acmin, axmax, acmax := a.header()
		bxmin, bcmin, bxmax, bcmax := b.header()
		if axmin != bxmin || acmin != bcmin || axmax != bxmax || acmax != bcmax || !bytes.Equal(a.payload, b.payload) {
			return false
		}
		h, g = a.nextHandle(), b.nextHandle()
	}
	return h == InvalidHandle && g == InvalidHandle
}
