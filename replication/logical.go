/*
Logical decoding.

Physical replication ships bytes; logical decoding reads the same wal and
reconstructs row-level change events. Changes of an in-progress transaction
are held in a per-transaction reorder buffer and only emitted once its
commit record is read, so subscribers observe whole transactions in commit
order and never see anything that later aborted. The wal row payloads carry
old and new row images precisely so this is possible without consulting the
version store.
see https://github.com/postgres/postgres/blob/master/src/backend/replication/logical/reorderbuffer.c
*/
package replication

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/HayatoShiba/pptxn/wal"
)

// ChangeKind is the kind of a decoded row change
type ChangeKind uint8

const (
	ChangeInsert ChangeKind = iota + 1
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	}
	return "invalid"
}

// Change is one decoded row-level change
type Change struct {
	Kind ChangeKind
	Rel  common.Relation
	Key  common.Key
	// NewValue is the row image after the change, empty for deletes
	NewValue []byte
	// OldValue is the row image before the change, empty for inserts
	OldValue []byte
}

// DecodedTxn is one committed transaction's changes, emitted at its commit
type DecodedTxn struct {
	TxID      txid.TxID
	CommitLsn wal.Lsn
	Changes   []Change
}

// Publication filters which relations a subscriber receives. nil publishes
// everything.
type Publication map[common.Relation]struct{}

// Contains reports whether the relation is published
func (p Publication) Contains(rel common.Relation) bool {
	if p == nil {
		return true
	}
	_, ok := p[rel]
	return ok
}

// Decoder turns the wal into committed-transaction change streams
type Decoder struct {
	wm  *wal.Manager
	pub Publication

	// reorder buffers changes per in-progress transaction until its fate
	// is known
	reorder map[txid.TxID][]Change
}

// NewDecoder initializes a decoder with the given publication filter
func NewDecoder(wm *wal.Manager, pub Publication) *Decoder {
	return &Decoder{
		wm:      wm,
		pub:     pub,
		reorder: make(map[txid.TxID][]Change),
	}
}

// DecodeNext reads records from r until it decodes one committed
// transaction, which it passes to emit. returns io.EOF when the reader
// catches up with the flushed wal before any transaction commits; buffered
// in-progress changes are kept for the next call.
func (d *Decoder) DecodeNext(r *wal.Reader, emit func(DecodedTxn) error) error {
	for {
		rec, err := r.Next()
		if err != nil {
			return err
		}
		switch rec.Kind {
		case wal.KindInsert, wal.KindUpdate, wal.KindDelete:
			p, err := wal.DecodeRowPayload(rec.Payload)
			if err != nil {
				return errors.Wrapf(err, "decode row payload at %s", rec.Lsn)
			}
			if !d.pub.Contains(p.Rel) {
				continue
			}
			d.reorder[rec.TxID] = append(d.reorder[rec.TxID], Change{
				Kind:     changeKind(rec.Kind),
				Rel:      p.Rel,
				Key:      p.Key,
				NewValue: p.NewValue,
				OldValue: p.OldValue,
			})
		case wal.KindCommit:
			changes, ok := d.reorder[rec.TxID]
			if !ok {
				// nothing published by this transaction
				continue
			}
			delete(d.reorder, rec.TxID)
			return emit(DecodedTxn{TxID: rec.TxID, CommitLsn: rec.Lsn, Changes: changes})
		case wal.KindAbort:
			delete(d.reorder, rec.TxID)
		}
	}
}

func changeKind(k wal.Kind) ChangeKind {
	switch k {
	case wal.KindInsert:
		return ChangeInsert
	case wal.KindUpdate:
		return ChangeUpdate
	case wal.KindDelete:
		return ChangeDelete
	}
	return 0
}

// Subscription is a running logical consumer bound to a logical slot. the
// slot's confirmed lsn advances as transactions are emitted, so a restart
// resumes after the last fully-delivered transaction.
type Subscription struct {
	dec    *Decoder
	slots  *SlotManager
	slot   string
	logger *zap.Logger
}

// NewSubscription binds a decoder to a logical slot
func NewSubscription(dec *Decoder, slots *SlotManager, slotName string, logger *zap.Logger) *Subscription {
	return &Subscription{dec: dec, slots: slots, slot: slotName, logger: logger}
}

// Run streams committed transactions to emit until the context is done,
// polling the wal as it grows
func (s *Subscription) Run(ctx context.Context, emit func(DecodedTxn) error) error {
	slot, ok := s.slots.GetSlot(s.slot)
	if !ok {
		return errors.Wrap(ErrSlotNotFound, s.slot)
	}
	if slot.Kind != SlotLogical {
		return errors.Errorf("slot %s is not a logical slot", s.slot)
	}
	r := s.dec.wm.NewReader(slot.ConfirmedFlushLsn)
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()
	for {
		err := s.dec.DecodeNext(r, func(tx DecodedTxn) error {
			if err := emit(tx); err != nil {
				return err
			}
			end := tx.CommitLsn + wal.Lsn(wal.RecordSize(0))
			return s.slots.Advance(s.slot, end, end)
		})
		if err == nil {
			continue
		}
		if errors.Cause(err) != io.EOF {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
