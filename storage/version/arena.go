/*
Arena of row version slots.

The version store keeps every row version in a slot addressed by an integer
handle, never by raw pointer. Chains are built from handles, and vacuum
reclaims dead slots by pushing handles back onto a free list, so no
reference counting or GC finalizer tricks are involved.

Slots live in fixed-size chunks. The chunk list only ever grows and is
swapped atomically, so readers walking a version chain never take a lock:
they load the chunk list, index into it, and read slot fields that are
either immutable after publication (xmin, cmin, next, payload) or stored
atomically (xmax, cmax).

Reclaimed slots are quarantined for one vacuum cycle before reuse so a
reader that loaded a next-handle just before the sweep cannot observe a slot
being rewritten for a different row.
*/
package version

import (
	"sync/atomic"

	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/transaction/txid"
	uatomic "go.uber.org/atomic"
)

// Handle is the index of a version slot within the arena
type Handle int32

// InvalidHandle terminates a version chain
const InvalidHandle Handle = -1

const (
	chunkShift = 12
	// slots per chunk
	chunkSize = 1 << chunkShift
)

// slot holds one row version.
// xmin/cmin/next/rel/key/payload are immutable once the slot is published
// (reachable from the key index); xmax/cmax are written under the row's
// exclusive lock and read atomically by lock-free readers.
type slot struct {
	xmin txid.TxID
	cmin uint32
	xmax uatomic.Uint64
	cmax uatomic.Uint32
	// next points at the older version. stored atomically because vacuum
	// unlinks dead versions while readers walk the chain.
	next    uatomic.Int32
	rel     common.Relation
	key     common.Key
	payload []byte
}

// nextHandle loads the older-version link
func (s *slot) nextHandle() Handle {
	return Handle(s.next.Load())
}

// setNext stores the older-version link
func (s *slot) setNext(h Handle) {
	s.next.Store(int32(h))
}

// setXmax marks the slot deleted by the given transaction/command
func (s *slot) setXmax(id txid.TxID, cid uint32) {
	s.cmax.Store(cid)
	s.xmax.Store(uint64(id))
}

// clearXmax removes a deleter mark (used when overwriting an aborted xmax)
func (s *slot) clearXmax() {
	s.xmax.Store(uint64(txid.InvalidTxID))
}

// header returns the visibility-relevant fields as one value
func (s *slot) header() (xmin txid.TxID, cmin uint32, xmax txid.TxID, cmax uint32) {
	// xmax before cmax: cmax is stored first by setXmax, so a reader that
	// observes the xmax also observes its cmax
	xmax = txid.TxID(s.xmax.Load())
	cmax = s.cmax.Load()
	return s.xmin, s.cmin, xmax, cmax
}

type chunk [chunkSize]slot

// arena is the growable slot space
type arena struct {
	// chunk list, swapped atomically on growth so readers stay lock-free
	chunks atomic.Pointer[[]*chunk]
	// number of slots handed out so far, the free list aside.
	// guarded by the store mutex, like the free list.
	used int32
}

func newArena() *arena {
	a := &arena{}
	initial := []*chunk{new(chunk)}
	a.chunks.Store(&initial)
	return a
}

// get returns the slot for the handle. handles are only obtained from the
// key index or a published next field, so they are always in range.
func (a *arena) get(h Handle) *slot {
	cs := *a.chunks.Load()
	return &cs[int(h)>>chunkShift][int(h)&(chunkSize-1)]
}

// alloc hands out an unused slot. caller holds the store mutex.
func (a *arena) alloc() Handle {
	cs := *a.chunks.Load()
	if int(a.used) >= len(cs)*chunkSize {
		grown := make([]*chunk, len(cs)+1)
		copy(grown, cs)
		grown[len(cs)] = new(chunk)
		a.chunks.Store(&grown)
	}
	h := Handle(a.used)
	a.used++
	return h
}
