/*
Replay entry points.

Recovery applies WAL records mechanically: no snapshot, no visibility check,
no locks. Idempotence comes from the per-key last-applied position: every
write, at run time and at replay, stamps the end lsn of its record on the
key, so re-applying a record that ends at or below the stamp is a no-op and
replaying the same WAL range twice yields an identical store.
*/
package version

import (
	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/transaction/txid"
)

// appliedLocked is the idempotence guard. endLsn is the exclusive end of the
// record being replayed. caller holds s.mu.
func (s *Store) appliedLocked(rel common.Relation, key common.Key, endLsn uint64) bool {
	item, ok := s.index.Get(keyItem{rel: rel, key: string(key)})
	return ok && endLsn <= item.lastLsn
}

// ApplyInsert replays an insert record ending at endLsn
func (s *Store) ApplyInsert(rel common.Relation, key common.Key, payload []byte, xmin txid.TxID, cmin uint32, endLsn uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appliedLocked(rel, key, endLsn) {
		return
	}
	s.prependLocked(rel, key, payload, xmin, cmin, endLsn)
}

// ApplyUpdate replays an update record: stamp xmax on the newest version
// whose creator did not abort, then prepend the new version.
func (s *Store) ApplyUpdate(rel common.Relation, key common.Key, payload []byte, txID txid.TxID, cid uint32, endLsn uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appliedLocked(rel, key, endLsn) {
		return
	}
	s.stampNewestLocked(rel, key, txID, cid)
	s.prependLocked(rel, key, payload, txID, cid, endLsn)
}

// ApplyDelete replays a delete record
func (s *Store) ApplyDelete(rel common.Relation, key common.Key, txID txid.TxID, cid uint32, endLsn uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appliedLocked(rel, key, endLsn) {
		return
	}
	s.stampNewestLocked(rel, key, txID, cid)
	item, ok := s.index.Get(keyItem{rel: rel, key: string(key)})
	if ok && endLsn > item.lastLsn {
		item.lastLsn = endLsn
		s.index.Set(item)
	}
}

// stampNewestLocked stamps xmax on the newest non-aborted version. WAL order
// guarantees the aborts of earlier writers were already replayed, so this
// finds the same version the original execution stamped.
func (s *Store) stampNewestLocked(rel common.Relation, key common.Key, txID txid.TxID, cid uint32) {
	item, ok := s.index.Get(keyItem{rel: rel, key: string(key)})
	if !ok {
		return
	}
	for h := item.head; h != InvalidHandle; {
		sl := s.arena.get(h)
		if sl.xmin == txid.FrozenTxID || !s.cm.IsAborted(sl.xmin) {
			xmax := txid.TxID(sl.xmax.Load())
			if xmax.IsValid() && s.cm.IsAborted(xmax) {
				sl.clearXmax()
			}
			sl.setXmax(txID, cid)
			return
		}
		h = sl.nextHandle()
	}
}
