package engine

import (
	"context"
	"io"

	"github.com/HayatoShiba/pptxn/replication"
	"github.com/HayatoShiba/pptxn/wal"
)

// CreateReplicationSlot creates a slot anchored at the current flushed wal
// position, so the consumer can start streaming without a gap
func (e *Engine) CreateReplicationSlot(name string, kind replication.SlotKind) (replication.Slot, error) {
	return e.slots.CreateSlot(name, kind, e.wm.FlushedLsn())
}

// DropReplicationSlot drops the slot. wal it pinned becomes recyclable at
// the next checkpoint.
func (e *Engine) DropReplicationSlot(name string) error {
	return e.slots.DropSlot(name)
}

// ReplicationSlots lists the slots and their positions. admin surface.
func (e *Engine) ReplicationSlots() []replication.Slot {
	return e.slots.Slots()
}

// ServeWALSender speaks the physical replication protocol on conn until the
// standby disconnects or ctx is cancelled. one goroutine per standby.
func (e *Engine) ServeWALSender(ctx context.Context, conn io.ReadWriter) error {
	return e.sender.Serve(ctx, conn)
}

// Subscribe streams the committed transactions touching the published
// relations, in commit order, resuming from the logical slot's confirmed
// position. emit is called once per transaction.
func (e *Engine) Subscribe(ctx context.Context, slotName string, pub replication.Publication, emit func(replication.DecodedTxn) error) error {
	dec := replication.NewDecoder(e.wm, pub)
	sub := replication.NewSubscription(dec, e.slots, slotName, e.logger)
	return sub.Run(ctx, emit)
}

// FlushedLsn returns the durable end of the wal
func (e *Engine) FlushedLsn() wal.Lsn {
	return e.wm.FlushedLsn()
}

// LastCheckpointLsn returns the lsn of the last completed checkpoint record
func (e *Engine) LastCheckpointLsn() wal.Lsn {
	return e.ckpt.LastCheckpointLsn()
}
