package clog

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"
)

/*
Checkpoint dump format for clog.

Replay from the checkpoint's redo point rebuilds the status of every
transaction with records after it, but transactions fully completed before
the redo point never get replayed. their status has to travel with the
checkpoint, so the checkpoint dumps the clog pages wholesale:

	| magic u32 | page count u32 | { page id u64 | page bytes } ... |
*/

const clogMagic uint32 = 0x7070434c

// Serialize writes every clog page to w
func (m *Manager) Serialize(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hdr []byte
	hdr = binary.LittleEndian.AppendUint32(hdr, clogMagic)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(m.pages)))
	if _, err := w.Write(hdr); err != nil {
		return errors.Wrap(err, "write clog dump header")
	}

	ids := make([]pageID, 0, len(m.pages))
	for id := range m.pages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		var idb []byte
		idb = binary.LittleEndian.AppendUint64(idb, uint64(id))
		if _, err := w.Write(idb); err != nil {
			return errors.Wrap(err, "write clog page id")
		}
		if _, err := w.Write(m.pages[id][:]); err != nil {
			return errors.Wrap(err, "write clog page")
		}
	}
	return nil
}

// Deserialize replaces the manager's contents with a dump written by
// Serialize
func (m *Manager) Deserialize(r io.Reader) error {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return errors.Wrap(err, "read clog dump header")
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != clogMagic {
		return errors.New("clog dump magic mismatch")
	}
	n := binary.LittleEndian.Uint32(hdr[4:8])

	pages := make(map[pageID]*[pageSize]byte, n)
	idb := make([]byte, 8)
	for i := uint32(0); i < n; i++ {
		if _, err := io.ReadFull(r, idb); err != nil {
			return errors.Wrap(err, "read clog page id")
		}
		p := new([pageSize]byte)
		if _, err := io.ReadFull(r, p[:]); err != nil {
			return errors.Wrap(err, "read clog page")
		}
		pages[pageID(binary.LittleEndian.Uint64(idb))] = p
	}

	m.mu.Lock()
	m.pages = pages
	m.mu.Unlock()
	return nil
}
