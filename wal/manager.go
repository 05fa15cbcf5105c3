/*
WAL manager.

Appending and flushing are split the way postgres splits wal insertion from
wal write/flush: Append runs under a single mutex and only reserves the lsn
range and copies the encoded record into an in-memory buffer, so the lock
hold time has no I/O in it. Flush detaches the buffer under that mutex and
does the write+fsync under a separate flush mutex, so appenders are never
blocked behind disk.

flushedLsn is the exclusive end of the durable prefix of the stream. Nothing
above it may be read back: commit acknowledgement, replication and replay all
gate on it.

see: https://github.com/postgres/postgres/blob/master/src/backend/access/transam/xlog.c
*/
package wal

import (
	"io"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/metrics"
	"github.com/HayatoShiba/pptxn/transaction/txid"
)

// SyncPolicy controls how a failed fsync is handled
type SyncPolicy int

const (
	// SyncPolicyFatal crashes the process on fsync failure. the kernel may
	// drop dirty pages after a failed fsync, so retrying can silently lose
	// the very bytes a later success appears to confirm. crash and recover
	// from WAL instead.
	SyncPolicyFatal SyncPolicy = iota
	// SyncPolicyRetry keeps the data buffered and surfaces the error to the
	// caller. the flushed lsn does not advance, so no commit is acknowledged
	// on the strength of the failed flush.
	SyncPolicyRetry
)

// ParseSyncPolicy maps the config string to a SyncPolicy
func ParseSyncPolicy(s string) (SyncPolicy, error) {
	switch s {
	case "fatal", "":
		return SyncPolicyFatal, nil
	case "retry":
		return SyncPolicyRetry, nil
	}
	return 0, errors.Errorf("unknown wal sync policy %q", s)
}

// Manager manages the write-ahead log
type Manager struct {
	segs   *segmentSet
	policy SyncPolicy
	logger *zap.Logger

	// sync flushes the segments overlapping the stream range. swapped out
	// in tests to inject fsync failures.
	sync func(lo, hi int64) error

	// mu protects the append cursor and the unflushed buffer
	mu sync.Mutex
	// insertLsn is the lsn the next record will be appended at
	insertLsn Lsn
	// lastStart is the lsn of the most recently appended record, used as
	// the next record's prev_lsn
	lastStart Lsn
	// buf holds encoded records appended but not yet flushed. bufStart is
	// the stream offset of buf[0].
	buf      []byte
	bufStart Lsn

	// flushMu serializes flush I/O, separate from mu so appends proceed
	// while a flush is in flight
	flushMu sync.Mutex

	flushedLsn *uatomic.Uint64

	cache *ristretto.Cache[uint64, *Record]
}

// NewManager opens the WAL under dir. scanStart should be the last known
// checkpoint lsn (zero for a fresh data directory); the valid end of the
// stream is found by walking records forward from there until the chain
// breaks.
func NewManager(dir string, segmentSize int64, policy SyncPolicy, scanStart Lsn, logger *zap.Logger) (*Manager, error) {
	segs, err := newSegmentSet(dir, segmentSize)
	if err != nil {
		return nil, err
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, *Record]{
		NumCounters: 1 << 14,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create wal record cache")
	}
	m := &Manager{
		segs:       segs,
		policy:     policy,
		logger:     logger,
		flushedLsn: uatomic.NewUint64(0),
		cache:      cache,
	}
	m.sync = segs.syncRange
	if err := m.findEndOfWAL(scanStart); err != nil {
		return nil, err
	}
	return m, nil
}

// findEndOfWAL walks records forward from scanStart and positions the append
// cursor after the last record whose position and checksum are intact. a
// torn tail from a crash mid-write fails the crc and is simply overwritten
// by subsequent appends.
func (m *Manager) findEndOfWAL(scanStart Lsn) error {
	_, hi, err := m.segs.bounds()
	if err != nil {
		return err
	}
	if hi == 0 {
		m.insertLsn = 0
		m.lastStart = InvalidLsn
		return nil
	}
	pos := scanStart
	last := InvalidLsn
	for {
		rec, err := m.readRecordAt(pos, Lsn(hi))
		if err != nil {
			break
		}
		last = pos
		pos += Lsn(rec.Size())
	}
	m.insertLsn = pos
	m.lastStart = last
	m.bufStart = pos
	m.flushedLsn.Store(uint64(pos))
	return nil
}

// Append encodes the record and places it in the unflushed buffer, returning
// the lsn it was assigned. no I/O happens here.
func (m *Manager) Append(id txid.TxID, kind Kind, payload []byte) (Lsn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.lastStart
	if prev == InvalidLsn {
		// first record in the stream
		prev = 0
	}
	rec := Record{
		Lsn:     m.insertLsn,
		PrevLsn: prev,
		TxID:    id,
		Kind:    kind,
		Payload: payload,
	}
	if len(m.buf) == 0 {
		m.bufStart = m.insertLsn
	}
	m.buf = rec.encode(m.buf)
	m.lastStart = m.insertLsn
	m.insertLsn += Lsn(rec.Size())
	metrics.WALAppends.Inc()
	return rec.Lsn, nil
}

// Flush makes every record appended so far durable. on return with nil
// error, FlushedLsn() covers everything Append had returned before the call.
func (m *Manager) Flush() error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	buf := m.buf
	start := m.bufStart
	end := m.insertLsn
	m.buf = nil
	m.bufStart = end
	m.mu.Unlock()

	if len(buf) == 0 {
		return nil
	}

	timer := metrics.NewWALFlushTimer()
	err := m.segs.writeAt(buf, int64(start))
	if err == nil {
		err = m.sync(int64(start), int64(end))
	}
	if err != nil {
		if m.policy == SyncPolicyFatal {
			m.logger.Fatal("wal flush failed", zap.Error(err), zap.Stringer("start", start))
		}
		// put the bytes back in front of anything appended meanwhile so a
		// later flush retries the whole range
		m.mu.Lock()
		m.buf = append(buf, m.buf...)
		m.bufStart = start
		m.mu.Unlock()
		return errors.Wrap(err, "flush wal")
	}
	timer.ObserveDuration()
	metrics.WALFlushes.Inc()
	m.flushedLsn.Store(uint64(end))
	return nil
}

// FlushedLsn returns the exclusive end of the durable prefix of the stream
func (m *Manager) FlushedLsn() Lsn {
	return Lsn(m.flushedLsn.Load())
}

// InsertLsn returns the lsn the next record will be appended at
func (m *Manager) InsertLsn() Lsn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLsn
}

// ReadRecord reads back a flushed record by lsn
func (m *Manager) ReadRecord(lsn Lsn) (*Record, error) {
	limit := m.FlushedLsn()
	if lsn >= limit {
		return nil, errors.Errorf("lsn %s has not been flushed", lsn)
	}
	if rec, ok := m.cache.Get(uint64(lsn)); ok {
		return rec, nil
	}
	rec, err := m.readRecordAt(lsn, limit)
	if err != nil {
		return nil, err
	}
	m.cache.Set(uint64(lsn), rec, int64(rec.Size()))
	return rec, nil
}

// readRecordAt reads and validates the record at lsn. limit bounds how far
// the record may extend.
func (m *Manager) readRecordAt(lsn, limit Lsn) (*Record, error) {
	if lsn+recordHeaderSize+crcSize > limit {
		return nil, io.ErrUnexpectedEOF
	}
	hdr := make([]byte, recordHeaderSize)
	if err := m.segs.readAt(hdr, int64(lsn)); err != nil {
		return nil, err
	}
	r, plen := decodeHeader(hdr)
	if r.Lsn != lsn {
		return nil, errors.Errorf("record at %s carries lsn %s", lsn, r.Lsn)
	}
	total := recordHeaderSize + int(plen) + crcSize
	if lsn+Lsn(total) > limit {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, total)
	copy(b, hdr)
	if err := m.segs.readAt(b[recordHeaderSize:], int64(lsn)+recordHeaderSize); err != nil {
		return nil, err
	}
	return decodeRecord(b)
}

// ReadRaw reads the flushed stream bytes in [start, end) without decoding.
// physical replication ships these bytes byte-identical to the standby.
func (m *Manager) ReadRaw(start, end Lsn) ([]byte, error) {
	if end > m.FlushedLsn() {
		return nil, errors.Errorf("range end %s has not been flushed", end)
	}
	if end <= start {
		return nil, nil
	}
	b := make([]byte, end-start)
	if err := m.segs.readAt(b, int64(start)); err != nil {
		return nil, errors.Wrap(err, "read wal stream")
	}
	return b, nil
}

// IngestRaw writes received stream bytes at their original position and
// fsyncs them. this is the standby's write path; a wal manager being
// ingested into must never also be appended to.
func (m *Manager) IngestRaw(start Lsn, b []byte) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	if start != Lsn(m.flushedLsn.Load()) {
		return errors.Errorf("ingest at %s but stream ends at %s", start, Lsn(m.flushedLsn.Load()))
	}
	if err := m.segs.writeAt(b, int64(start)); err != nil {
		return err
	}
	end := start + Lsn(len(b))
	if err := m.sync(int64(start), int64(end)); err != nil {
		return errors.Wrap(err, "fsync ingested wal")
	}
	m.mu.Lock()
	m.insertLsn = end
	m.bufStart = end
	m.mu.Unlock()
	m.flushedLsn.Store(uint64(end))
	return nil
}

// RemoveSegmentsBelow recycles segment files entirely below lsn. callers
// must have clamped lsn by the replication slot restart lsns and the last
// checkpoint redo lsn first.
func (m *Manager) RemoveSegmentsBelow(lsn Lsn) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	return m.segs.removeBelow(int64(lsn))
}

// Close flushes and closes the segment files
func (m *Manager) Close() error {
	if err := m.Flush(); err != nil {
		return err
	}
	m.cache.Close()
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	return m.segs.close()
}

// Reader iterates flushed records in lsn order
type Reader struct {
	m   *Manager
	pos Lsn
}

// NewReader returns a Reader starting at lsn
func (m *Manager) NewReader(lsn Lsn) *Reader {
	return &Reader{m: m, pos: lsn}
}

// Next returns the next flushed record, or io.EOF once the reader has caught
// up with the flushed end of the stream
func (r *Reader) Next() (*Record, error) {
	if r.pos >= r.m.FlushedLsn() {
		return nil, io.EOF
	}
	rec, err := r.m.ReadRecord(r.pos)
	if err != nil {
		return nil, err
	}
	r.pos += Lsn(rec.Size())
	return rec, nil
}

// Pos returns the lsn the next call to Next will read at
func (r *Reader) Pos() Lsn {
	return r.pos
}
