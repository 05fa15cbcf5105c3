/*
Serializable Snapshot Isolation bookkeeping.

Snapshot isolation alone admits anomalies (write skew: two transactions each
read a predicate and write a value the other's read depended on). SSI closes
the gap optimistically: reads of serializable transactions take SIREAD marks
(never blocking anybody), writes check those marks, and every read-write
antidependency between concurrent transactions is recorded as an edge
reader -rw-> writer. A transaction with both an incoming and an outgoing rw
edge is a pivot of a dangerous structure, and dangerous structures are
exactly where non-serializable executions can arise (Cahill et al.,
"Serializable Isolation for Snapshot Databases").

The check here is the pivot rule with the first-committer refinement: a
committing pivot fails once one of its out-edge neighbors has committed.
That still aborts some harmless histories, which is acceptable; postgres
takes the same approach, with more pruning.

Only serializable transactions are registered; lower isolation levels pay
nothing.
*/
package ssi

import (
	"sync"

	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/transaction/txid"
)

// txnState is the per-transaction conflict bookkeeping
type txnState struct {
	id txid.TxID
	// rw edges pointing at this transaction (someone read what it overwrote),
	// keyed by the reader
	in map[txid.TxID]struct{}
	// rw edges leaving this transaction (it read what someone overwrote),
	// keyed by the writer
	out map[txid.TxID]struct{}

	// logical interval for the concurrency test
	beginSeq uint64
	endSeq   uint64 // 0 while active

	reads  []common.ResourceID
	writes []common.ResourceID
}

func (t *txnState) active() bool {
	return t.endSeq == 0
}

// Manager tracks SIREAD marks and rw-antidependencies
type Manager struct {
	mu   sync.Mutex
	seq  uint64
	txns map[txid.TxID]*txnState
	// SIREAD: resource -> serializable transactions that read it
	readers map[common.ResourceID]map[txid.TxID]struct{}
	// resource -> serializable transactions that wrote it
	writers map[common.ResourceID]map[txid.TxID]struct{}
}

// NewManager initializes the SSI manager
func NewManager() *Manager {
	return &Manager{
		txns:    make(map[txid.TxID]*txnState),
		readers: make(map[common.ResourceID]map[txid.TxID]struct{}),
		writers: make(map[common.ResourceID]map[txid.TxID]struct{}),
	}
}

// Register enrolls a serializable transaction
func (m *Manager) Register(id txid.TxID) {
	m.mu.Lock()
	m.seq++
	m.txns[id] = &txnState{
		id:       id,
		in:       make(map[txid.TxID]struct{}),
		out:      make(map[txid.TxID]struct{}),
		beginSeq: m.seq,
	}
	m.mu.Unlock()
}

// concurrent checks interval overlap. a transaction is concurrent with
// another when neither finished before the other began.
func concurrent(a, b *txnState) bool {
	if a.endSeq != 0 && a.endSeq < b.beginSeq {
		return false
	}
	if b.endSeq != 0 && b.endSeq < a.beginSeq {
		return false
	}
	return true
}

// flagConflict records the edge reader -rw-> writer. caller holds m.mu.
func (m *Manager) flagConflict(reader, writer *txnState) {
	reader.out[writer.id] = struct{}{}
	writer.in[reader.id] = struct{}{}
}

// OnRead records a SIREAD mark and the rw edges the read creates against
// concurrent writers of the same resource
func (m *Manager) OnRead(id txid.TxID, res common.ResourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return
	}
	rs, ok := m.readers[res]
	if !ok {
		rs = make(map[txid.TxID]struct{})
		m.readers[res] = rs
	}
	if _, seen := rs[id]; !seen {
		rs[id] = struct{}{}
		t.reads = append(t.reads, res)
	}
	for wid := range m.writers[res] {
		if wid == id {
			continue
		}
		w, ok := m.txns[wid]
		if !ok || !concurrent(t, w) {
			continue
		}
		// our snapshot read returns the old version while w wrote a newer one
		m.flagConflict(t, w)
	}
}

// OnWrite records the write and the rw edges against concurrent readers
func (m *Manager) OnWrite(id txid.TxID, res common.ResourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return
	}
	ws, ok := m.writers[res]
	if !ok {
		ws = make(map[txid.TxID]struct{})
		m.writers[res] = ws
	}
	if _, seen := ws[id]; !seen {
		ws[id] = struct{}{}
		t.writes = append(t.writes, res)
	}
	for rid := range m.readers[res] {
		if rid == id {
			continue
		}
		r, ok := m.txns[rid]
		if !ok || !concurrent(t, r) {
			continue
		}
		m.flagConflict(r, t)
	}
}

// IsDangerous reports whether the transaction is a pivot that must not
// commit. see PreCommit for the check committers actually use.
func (m *Manager) IsDangerous(id txid.TxID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return false
	}
	return m.dangerousLocked(t)
}

// dangerousLocked is the commit-time check: a pivot (in and out rw edges
// with concurrent transactions) must not commit once a transaction it
// read-depends on has committed. while every neighbor is still active the
// pivot may commit; first committer wins and the check catches the rest of
// the structure at their own commits. caller holds m.mu.
func (m *Manager) dangerousLocked(t *txnState) bool {
	if len(t.in) == 0 || len(t.out) == 0 {
		return false
	}
	for wid := range t.out {
		if w, ok := m.txns[wid]; ok && !w.active() {
			return true
		}
	}
	return false
}

// PreCommit runs the dangerous-structure check and, when the transaction may
// commit, closes its interval in the same critical section. the two must be
// atomic: of two pivots committing concurrently, exactly one has to observe
// the other as already committed, otherwise both slip through the check.
// returns true when the transaction must abort instead.
func (m *Manager) PreCommit(id txid.TxID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return false
	}
	if m.dangerousLocked(t) {
		return true
	}
	m.seq++
	t.endSeq = m.seq
	return false
}

// OnAbort removes an aborted transaction entirely: its reads and writes
// never happened, so the rw edges it induced on others vanish with it. this
// is what lets the survivor of a write-skew pair commit after the pivot was
// aborted.
func (m *Manager) OnAbort(id txid.TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return
	}
	for other := range t.out {
		if o, ok := m.txns[other]; ok {
			delete(o.in, id)
		}
	}
	for other := range t.in {
		if o, ok := m.txns[other]; ok {
			delete(o.out, id)
		}
	}
	m.dropMarksLocked(t)
	delete(m.txns, id)
}

// OnFinish closes the transaction's interval (commit or abort) and prunes
// state that no active transaction can conflict with anymore. SIREAD marks
// of a committed transaction must survive until every transaction concurrent
// with it has finished.
func (m *Manager) OnFinish(id txid.TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return
	}
	// PreCommit may have closed the interval already
	if t.endSeq == 0 {
		m.seq++
		t.endSeq = m.seq
	}

	oldestActive := uint64(0)
	for _, s := range m.txns {
		if s.active() && (oldestActive == 0 || s.beginSeq < oldestActive) {
			oldestActive = s.beginSeq
		}
	}
	for tid, s := range m.txns {
		if s.active() {
			continue
		}
		// finished before every active transaction began: unreachable
		if oldestActive != 0 && s.endSeq >= oldestActive {
			continue
		}
		m.dropMarksLocked(s)
		delete(m.txns, tid)
	}
}

// dropMarksLocked removes the transaction's SIREAD and write marks.
// caller holds m.mu.
func (m *Manager) dropMarksLocked(t *txnState) {
	for _, res := range t.reads {
		delete(m.readers[res], t.id)
		if len(m.readers[res]) == 0 {
			delete(m.readers, res)
		}
	}
	for _, res := range t.writes {
		delete(m.writers[res], t.id)
		if len(m.writers[res]) == 0 {
			delete(m.writers, res)
		}
	}
}
