/*
Replication slots.

A slot is the primary's durable memory of one consumer: how far back in the
WAL the consumer may still need to read (restart_lsn) and how far it has
confirmed durable receipt (confirmed_flush_lsn). WAL recycling and, with
hot_standby_feedback, the MVCC gc horizon are clamped by the slots, so a
disconnected standby can catch up after any pause instead of being thrown
away.

Slots are persisted to a toml file next to the WAL so they survive a primary
restart, rewritten atomically on every change. the update rate is feedback
messages, not commits, so the rewrite cost does not sit on any hot path.
see https://github.com/postgres/postgres/blob/master/src/backend/replication/slot.c
*/
package replication

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/HayatoShiba/pptxn/wal"
)

var (
	// ErrSlotExists is returned by CreateSlot for a duplicate name
	ErrSlotExists = errors.New("replication slot already exists")
	// ErrSlotNotFound is returned when the named slot does not exist
	ErrSlotNotFound = errors.New("replication slot does not exist")
)

// SlotKind distinguishes physical from logical slots
type SlotKind string

const (
	SlotPhysical SlotKind = "physical"
	SlotLogical  SlotKind = "logical"
)

// Slot is the state of one replication slot
type Slot struct {
	Name string   `toml:"name"`
	Kind SlotKind `toml:"kind"`
	// RestartLsn is the oldest wal position the consumer may still request.
	// wal segments at or above it must be retained.
	RestartLsn wal.Lsn `toml:"restart_lsn"`
	// ConfirmedFlushLsn is the newest position the consumer has confirmed
	// durable
	ConfirmedFlushLsn wal.Lsn `toml:"confirmed_flush_lsn"`
}

const slotFileName = "slots.toml"

type slotFile struct {
	Slots []Slot `toml:"slot"`
}

// SlotManager owns every slot of the primary
type SlotManager struct {
	dir string

	mu    sync.Mutex
	slots map[string]*Slot
}

// NewSlotManager loads the slot state under dir, creating an empty set for a
// fresh data directory
func NewSlotManager(dir string) (*SlotManager, error) {
	m := &SlotManager{dir: dir, slots: make(map[string]*Slot)}
	b, err := os.ReadFile(filepath.Join(dir, slotFileName))
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read slot file")
	}
	var f slotFile
	if err := toml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "parse slot file")
	}
	for i := range f.Slots {
		s := f.Slots[i]
		m.slots[s.Name] = &s
	}
	return m, nil
}

// persistLocked rewrites the slot file. caller holds mu.
func (m *SlotManager) persistLocked() error {
	var f slotFile
	for _, s := range m.slots {
		f.Slots = append(f.Slots, *s)
	}
	sort.Slice(f.Slots, func(i, j int) bool { return f.Slots[i].Name < f.Slots[j].Name })

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return errors.Wrap(err, "encode slot file")
	}
	tmp := filepath.Join(m.dir, slotFileName+".tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return errors.Wrap(err, "write slot file")
	}
	if err := os.Rename(tmp, filepath.Join(m.dir, slotFileName)); err != nil {
		return errors.Wrap(err, "rename slot file")
	}
	return nil
}

// CreateSlot creates a slot whose restart position is the current end of the
// durable wal, so the consumer starts from now
func (m *SlotManager) CreateSlot(name string, kind SlotKind, restart wal.Lsn) (Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[name]; ok {
		return Slot{}, errors.Wrap(ErrSlotExists, name)
	}
	s := &Slot{Name: name, Kind: kind, RestartLsn: restart, ConfirmedFlushLsn: restart}
	m.slots[name] = s
	if err := m.persistLocked(); err != nil {
		delete(m.slots, name)
		return Slot{}, err
	}
	return *s, nil
}

// DropSlot removes the slot, releasing the wal it retained
func (m *SlotManager) DropSlot(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[name]; !ok {
		return errors.Wrap(ErrSlotNotFound, name)
	}
	delete(m.slots, name)
	return m.persistLocked()
}

// GetSlot returns a copy of the named slot
func (m *SlotManager) GetSlot(name string) (Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[name]
	if !ok {
		return Slot{}, false
	}
	return *s, true
}

// Advance records consumer progress. restart and confirmed only ever move
// forward; a stale feedback message is ignored.
func (m *SlotManager) Advance(name string, restart, confirmed wal.Lsn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[name]
	if !ok {
		return errors.Wrap(ErrSlotNotFound, name)
	}
	changed := false
	if restart > s.RestartLsn {
		s.RestartLsn = restart
		changed = true
	}
	if confirmed > s.ConfirmedFlushLsn {
		s.ConfirmedFlushLsn = confirmed
		changed = true
	}
	if !changed {
		return nil
	}
	return m.persistLocked()
}

// MinRestartLsn returns the oldest restart position across every slot. wal
// recycling must not remove segments at or above it. ok=false means no slot
// exists and nothing is retained.
func (m *SlotManager) MinRestartLsn() (wal.Lsn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var min wal.Lsn
	found := false
	for _, s := range m.slots {
		if !found || s.RestartLsn < min {
			min = s.RestartLsn
			found = true
		}
	}
	return min, found
}

// Slots returns a copy of every slot, sorted by name. introspection only.
func (m *SlotManager) Slots() []Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Slot, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
