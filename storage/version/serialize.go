/*
Checkpoint serialization of the version store.

A checkpoint bounds recovery time: the store state is dumped as of the
checkpoint and replay starts from the checkpoint's redo lsn instead of the
beginning of WAL history. The dump must include uncommitted versions too:
a transaction can write before the checkpoint and commit after it, and its
commit record alone carries no row data.

Explicit little-endian byte layout, the same way on-disk structures are
marshaled elsewhere in this codebase.
*/
package version

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/transaction/txid"
)

const storeMagic uint32 = 0x70707658 // "ppvX"

// binWriter/binReader latch the first error so the happy path stays flat
type binWriter struct {
	w       io.Writer
	err     error
	scratch [8]byte
}

func (b *binWriter) u32(v uint32) {
	if b.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(b.scratch[:4], v)
	_, b.err = b.w.Write(b.scratch[:4])
}

func (b *binWriter) u64(v uint64) {
	if b.err != nil {
		return
	}
	binary.LittleEndian.PutUint64(b.scratch[:8], v)
	_, b.err = b.w.Write(b.scratch[:8])
}

func (b *binWriter) bytes(p []byte) {
	b.u32(uint32(len(p)))
	if b.err != nil {
		return
	}
	_, b.err = b.w.Write(p)
}

type binReader struct {
	r       io.Reader
	err     error
	scratch [8]byte
}

func (b *binReader) u32() uint32 {
	if b.err != nil {
		return 0
	}
	if _, b.err = io.ReadFull(b.r, b.scratch[:4]); b.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b.scratch[:4])
}

func (b *binReader) u64() uint64 {
	if b.err != nil {
		return 0
	}
	if _, b.err = io.ReadFull(b.r, b.scratch[:8]); b.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b.scratch[:8])
}

func (b *binReader) bytes() []byte {
	n := b.u32()
	if b.err != nil {
		return nil
	}
	p := make([]byte, n)
	if _, b.err = io.ReadFull(b.r, p); b.err != nil {
		return nil
	}
	return p
}

// Serialize dumps the whole store as of now. the dump is built under the
// store mutex, so relative to the wal stream it is a sharp cut: it reflects
// exactly the changes whose records were appended before it. records after
// it re-apply cleanly by the idempotence guard. the actual write to w
// happens after the mutex is released.
func (s *Store) Serialize(w io.Writer) error {
	var buf bytes.Buffer
	s.mu.Lock()
	err := s.serializeLocked(&buf)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return errors.Wrap(err, "write store dump")
}

func (s *Store) serializeLocked(w io.Writer) error {
	bw := &binWriter{w: w}
	bw.u32(storeMagic)
	bw.u32(uint32(s.index.Len()))

	s.index.Scan(func(item keyItem) bool {
		// chain handles newest-first, serialized oldest-first so
		// deserialization can rebuild by prepending
		var hs []Handle
		for h := item.head; h != InvalidHandle; h = s.arena.get(h).nextHandle() {
			hs = append(hs, h)
		}
		bw.u32(uint32(item.rel))
		bw.bytes([]byte(item.key))
		bw.u64(item.lastLsn)
		bw.u32(uint32(len(hs)))
		for i := len(hs) - 1; i >= 0; i-- {
			sl := s.arena.get(hs[i])
			xmin, cmin, xmax, cmax := sl.header()
			bw.u64(uint64(xmin))
			bw.u32(cmin)
			bw.u64(uint64(xmax))
			bw.u32(cmax)
			bw.bytes(sl.payload)
		}
		return bw.err == nil
	})
	return errors.Wrap(bw.err, "serialize store failed")
}

// Deserialize loads a dump produced by Serialize into an empty store
func (s *Store) Deserialize(r io.Reader) error {
	br := &binReader{r: r}
	magic := br.u32()
	if br.err != nil {
		return errors.Wrap(br.err, "read magic failed")
	}
	if magic != storeMagic {
		return errors.Errorf("bad store magic: %#x", magic)
	}
	nitems := br.u32()
	for i := uint32(0); i < nitems; i++ {
		rel := common.Relation(br.u32())
		key := common.Key(br.bytes())
		lastLsn := br.u64()
		nvers := br.u32()
		if br.err != nil {
			return errors.Wrap(br.err, "read key header failed")
		}
		s.mu.Lock()
		for v := uint32(0); v < nvers; v++ {
			xmin := txid.TxID(br.u64())
			cmin := br.u32()
			xmax := txid.TxID(br.u64())
			cmax := br.u32()
			payload := br.bytes()
			if br.err != nil {
				s.mu.Unlock()
				return errors.Wrap(br.err, "read version failed")
			}
			s.prependLocked(rel, key, payload, xmin, cmin, 0)
			if xmax.IsValid() {
				item, _ := s.index.Get(keyItem{rel: rel, key: string(key)})
				sl := s.arena.get(item.head)
				sl.cmax.Store(cmax)
				sl.xmax.Store(uint64(xmax))
			}
		}
		if item, ok := s.index.Get(keyItem{rel: rel, key: string(key)}); ok {
			item.lastLsn = lastLsn
			s.index.Set(item)
		}
		s.mu.Unlock()
	}
	return nil
}
