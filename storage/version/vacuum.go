/*
Vacuum: the out-of-band reclamation pass.

MVCC never removes versions inline; update/delete only stamp xmax. Dead
versions pile up until this sweep reclaims their slots. A version is dead
when its creator aborted, or when its deleter committed below the GC horizon
(the oldest xmin any live snapshot can still need), because then no snapshot
can ever see it again.

The sweep is background work: cancellable through the context, takes the
store mutex only per key, and never blocks readers.
*/
package version

import (
	"context"

	"github.com/HayatoShiba/pptxn/metrics"
	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/HayatoShiba/pptxn/wal"
)

// isDead decides whether the slot can never be seen by any current or
// future snapshot, given the horizon.
func (s *Store) isDead(sl *slot, horizon txid.TxID) bool {
	if sl.xmin != txid.FrozenTxID && s.cm.IsAborted(sl.xmin) {
		return true
	}
	xmax := txid.TxID(sl.xmax.Load())
	return xmax.IsValid() && s.cm.IsCommitted(xmax) && horizon.IsFollows(xmax)
}

// Vacuum sweeps the arena and reclaims every version dead below the horizon.
// returns the number of reclaimed slots.
func (s *Store) Vacuum(ctx context.Context, horizon txid.TxID) (int, error) {
	// handles quarantined by the previous sweep become reusable now: any
	// reader that could have held them has long finished its chain walk
	s.mu.Lock()
	s.free = append(s.free, s.pendingFree...)
	s.pendingFree = s.pendingFree[:0]
	s.mu.Unlock()

	// collect the keys first so the index scan itself holds no lock
	var items []keyItem
	s.index.Scan(func(item keyItem) bool {
		items = append(items, item)
		return true
	})

	reclaimed := 0
	for _, probe := range items {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		reclaimed += s.vacuumKey(probe, horizon)
	}
	if reclaimed > 0 {
		metrics.VacuumedVersions.Add(float64(reclaimed))
		// the cleanup record tells a hot standby which horizon the removed
		// versions were dead under, so it can cancel conflicting queries
		if s.wm != nil {
			if _, err := s.wm.Append(txid.InvalidTxID, wal.KindCleanup,
				wal.EncodeCleanupPayload(wal.CleanupPayload{Horizon: horizon})); err != nil {
				return reclaimed, err
			}
		}
	}
	return reclaimed, nil
}

// vacuumKey rewrites one chain without its dead versions. holds s.mu so the
// head publication cannot race a writer.
func (s *Store) vacuumKey(probe keyItem, horizon txid.TxID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	// re-read: a writer may have prepended since the scan
	item, ok := s.index.Get(keyItem{rel: probe.rel, key: probe.key})
	if !ok {
		return 0
	}

	reclaimed := 0
	// unlink dead slots. prev == InvalidHandle means head.
	prev := InvalidHandle
	h := item.head
	for h != InvalidHandle {
		sl := s.arena.get(h)
		next := sl.nextHandle()
		if s.isDead(sl, horizon) {
			if prev == InvalidHandle {
				item.head = next
			} else {
				s.arena.get(prev).setNext(next)
			}
			s.pendingFree = append(s.pendingFree, h)
			reclaimed++
		} else {
			prev = h
		}
		h = next
	}

	if item.head == InvalidHandle {
		s.index.Delete(item)
	} else {
		s.index.Set(item)
	}
	return reclaimed
}
