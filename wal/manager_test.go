package wal

import (
	"io"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/transaction/txid"
)

func TestAppendFlushRead(t *testing.T) {
	m, err := TestingNewManager()
	assert.Nil(t, err)
	defer m.Close()

	payload := EncodeRowPayload(RowPayload{
		Rel:      common.Relation(1),
		Cid:      0,
		Key:      common.Key("k1"),
		NewValue: []byte("v1"),
	})
	lsn1, err := m.Append(txid.TxID(10), KindInsert, payload)
	assert.Nil(t, err)
	lsn2, err := m.Append(txid.TxID(10), KindCommit, nil)
	assert.Nil(t, err)

	// nothing is readable before flush
	_, err = m.ReadRecord(lsn1)
	assert.NotNil(t, err)

	assert.Nil(t, m.Flush())
	assert.Equal(t, m.InsertLsn(), m.FlushedLsn())

	rec, err := m.ReadRecord(lsn1)
	assert.Nil(t, err)
	assert.Equal(t, KindInsert, rec.Kind)
	assert.Equal(t, txid.TxID(10), rec.TxID)
	got, err := DecodeRowPayload(rec.Payload)
	assert.Nil(t, err)
	assert.Equal(t, []byte("v1"), got.NewValue)

	// the stream is gapless: each record starts where the previous ended
	rec2, err := m.ReadRecord(lsn2)
	assert.Nil(t, err)
	assert.Equal(t, lsn1, rec2.PrevLsn)
	assert.Equal(t, lsn1+Lsn(rec.Size()), rec2.Lsn)
}

func TestRecordSpansSegmentBoundary(t *testing.T) {
	m, err := TestingNewManagerWithSegmentSize(64)
	assert.Nil(t, err)
	defer m.Close()

	var lsns []Lsn
	for i := 0; i < 10; i++ {
		lsn, err := m.Append(txid.TxID(3), KindInsert, make([]byte, 40))
		assert.Nil(t, err)
		lsns = append(lsns, lsn)
	}
	assert.Nil(t, m.Flush())

	for _, lsn := range lsns {
		rec, err := m.ReadRecord(lsn)
		assert.Nil(t, err)
		assert.Equal(t, 40, len(rec.Payload))
	}
}

func TestReopenFindsEndOfWAL(t *testing.T) {
	m, err := TestingNewManager()
	assert.Nil(t, err)
	dir := m.segs.dir

	lsn1, err := m.Append(txid.TxID(3), KindBegin, nil)
	assert.Nil(t, err)
	lsn2, err := m.Append(txid.TxID(3), KindCommit, nil)
	assert.Nil(t, err)
	assert.Nil(t, m.Flush())
	end := m.FlushedLsn()
	assert.Nil(t, m.Close())

	m2, err := NewManager(dir, DefaultSegmentSize, SyncPolicyRetry, 0, zap.NewNop())
	assert.Nil(t, err)
	defer m2.Close()
	assert.Equal(t, end, m2.InsertLsn())
	assert.Equal(t, end, m2.FlushedLsn())

	rec, err := m2.ReadRecord(lsn1)
	assert.Nil(t, err)
	assert.Equal(t, KindBegin, rec.Kind)

	// new appends chain onto the recovered tail
	lsn3, err := m2.Append(txid.TxID(4), KindBegin, nil)
	assert.Nil(t, err)
	assert.Nil(t, m2.Flush())
	rec3, err := m2.ReadRecord(lsn3)
	assert.Nil(t, err)
	assert.Equal(t, lsn2, rec3.PrevLsn)
}

func TestReopenDiscardsTornTail(t *testing.T) {
	m, err := TestingNewManager()
	assert.Nil(t, err)
	dir := m.segs.dir

	_, err = m.Append(txid.TxID(3), KindBegin, nil)
	assert.Nil(t, err)
	assert.Nil(t, m.Flush())
	validEnd := m.FlushedLsn()

	// a record written but torn mid-crash: flip a payload byte after flush
	lsn2, err := m.Append(txid.TxID(3), KindInsert, []byte("payload"))
	assert.Nil(t, err)
	assert.Nil(t, m.Flush())
	assert.Nil(t, m.Close())

	f, err := os.OpenFile(dir+"/"+segmentFileName(0), os.O_RDWR, 0o644)
	assert.Nil(t, err)
	_, err = f.WriteAt([]byte{0xff}, int64(lsn2)+recordHeaderSize)
	assert.Nil(t, err)
	assert.Nil(t, f.Close())

	m2, err := NewManager(dir, DefaultSegmentSize, SyncPolicyRetry, 0, zap.NewNop())
	assert.Nil(t, err)
	defer m2.Close()
	// the corrupted record and everything after it is discarded
	assert.Equal(t, validEnd, m2.InsertLsn())
}

func TestFlushRetryPolicy(t *testing.T) {
	m, err := TestingNewManager()
	assert.Nil(t, err)
	defer m.Close()

	lsn, err := m.Append(txid.TxID(3), KindBegin, nil)
	assert.Nil(t, err)

	m.sync = func(lo, hi int64) error { return errors.New("fsync: input/output error") }
	assert.NotNil(t, m.Flush())
	// the flushed lsn must not advance past a failed fsync
	assert.Equal(t, Lsn(0), m.FlushedLsn())

	m.sync = m.segs.syncRange
	assert.Nil(t, m.Flush())
	rec, err := m.ReadRecord(lsn)
	assert.Nil(t, err)
	assert.Equal(t, KindBegin, rec.Kind)
}

func TestReader(t *testing.T) {
	m, err := TestingNewManager()
	assert.Nil(t, err)
	defer m.Close()

	kinds := []Kind{KindBegin, KindInsert, KindCommit}
	for _, k := range kinds {
		_, err := m.Append(txid.TxID(3), k, nil)
		assert.Nil(t, err)
	}
	assert.Nil(t, m.Flush())

	r := m.NewReader(0)
	for _, k := range kinds {
		rec, err := r.Next()
		assert.Nil(t, err)
		assert.Equal(t, k, rec.Kind)
	}
	_, err = r.Next()
	assert.Equal(t, io.EOF, errors.Cause(err))

	// the reader picks up records flushed after it hit the end
	_, err = m.Append(txid.TxID(4), KindAbort, nil)
	assert.Nil(t, err)
	assert.Nil(t, m.Flush())
	rec, err := r.Next()
	assert.Nil(t, err)
	assert.Equal(t, KindAbort, rec.Kind)
}

func TestRemoveSegmentsBelow(t *testing.T) {
	m, err := TestingNewManagerWithSegmentSize(128)
	assert.Nil(t, err)
	defer m.Close()

	var last Lsn
	for i := 0; i < 20; i++ {
		last, err = m.Append(txid.TxID(3), KindInsert, make([]byte, 64))
		assert.Nil(t, err)
	}
	assert.Nil(t, m.Flush())

	assert.Nil(t, m.RemoveSegmentsBelow(last))
	// the record at the retention point survives
	rec, err := m.ReadRecord(last)
	assert.Nil(t, err)
	assert.Equal(t, KindInsert, rec.Kind)

	// segments below it are gone
	_, err = os.Stat(m.segs.dir + "/" + segmentFileName(0))
	assert.True(t, os.IsNotExist(err))
}

func TestControlFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "pptxn-control-")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)

	_, ok, err := ReadControlFile(dir)
	assert.Nil(t, err)
	assert.False(t, ok)

	want := ControlData{CheckpointLsn: 1234, RedoLsn: 1000}
	assert.Nil(t, WriteControlFile(dir, want))
	got, ok, err := ReadControlFile(dir)
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)

	// rewrite replaces, not appends
	want2 := ControlData{CheckpointLsn: 9999, RedoLsn: 8888}
	assert.Nil(t, WriteControlFile(dir, want2))
	got, ok, err = ReadControlFile(dir)
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, want2, got)
}

func TestRowPayloadRoundtrip(t *testing.T) {
	p := RowPayload{
		Rel:      common.Relation(7),
		Cid:      3,
		Key:      common.Key("account/1"),
		NewValue: []byte("balance=90"),
		OldValue: []byte("balance=100"),
	}
	got, err := DecodeRowPayload(EncodeRowPayload(p))
	assert.Nil(t, err)
	assert.Equal(t, p, got)

	_, err = DecodeRowPayload([]byte{1, 2})
	assert.NotNil(t, err)
}
