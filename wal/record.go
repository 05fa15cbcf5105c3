/*
WAL record wire format.

	| lsn (8) | prev_lsn (8) | txn_id (8) | kind (1) | payload_len (4) | payload | crc32 (4) |

The crc covers header and payload. lsn is the byte position of the record in
the stream and prev_lsn the position of the preceding record, so
lsn == prev_lsn + length(previous record) and the stream is gapless: any
reordering or gap is caught by the next record's crc or position check.

Row payloads carry the full new row image plus the old one on update/delete.
That is more than physical replay strictly needs, but logical decoding must
be able to reconstruct row-level change events from WAL alone (postgres
calls this wal_level=logical).
*/
package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/transaction/txid"
)

// Kind discriminates WAL records
type Kind uint8

const (
	KindBegin Kind = iota + 1
	KindInsert
	KindUpdate
	KindDelete
	KindCommit
	KindAbort
	KindCheckpoint
	// vacuum logs the keys it reclaimed so a hot standby can detect
	// conflicts with its own running queries
	KindCleanup
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "Begin"
	case KindInsert:
		return "Insert"
	case KindUpdate:
		return "Update"
	case KindDelete:
		return "Delete"
	case KindCommit:
		return "Commit"
	case KindAbort:
		return "Abort"
	case KindCheckpoint:
		return "Checkpoint"
	case KindCleanup:
		return "Cleanup"
	}
	return "Invalid"
}

const (
	// lsn + prev_lsn + txn_id + kind + payload_len
	recordHeaderSize = 8 + 8 + 8 + 1 + 4
	crcSize          = 4
)

// Record is one WAL record
type Record struct {
	Lsn     Lsn
	PrevLsn Lsn
	TxID    txid.TxID
	Kind    Kind
	Payload []byte
}

// Size returns the encoded byte length of the record
func (r *Record) Size() int {
	return RecordSize(len(r.Payload))
}

// RecordSize returns the encoded byte length of a record with a payload of
// the given length
func RecordSize(payloadLen int) int {
	return recordHeaderSize + payloadLen + crcSize
}

// encode appends the wire form of the record to dst
func (r *Record) encode(dst []byte) []byte {
	start := len(dst)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(r.Lsn))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(r.PrevLsn))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(r.TxID))
	dst = append(dst, byte(r.Kind))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Payload)))
	dst = append(dst, r.Payload...)
	crc := crc32.ChecksumIEEE(dst[start:])
	return binary.LittleEndian.AppendUint32(dst, crc)
}

// decodeHeader parses the fixed header. b must hold recordHeaderSize bytes.
func decodeHeader(b []byte) (Record, uint32) {
	var r Record
	r.Lsn = Lsn(binary.LittleEndian.Uint64(b[0:8]))
	r.PrevLsn = Lsn(binary.LittleEndian.Uint64(b[8:16]))
	r.TxID = txid.TxID(binary.LittleEndian.Uint64(b[16:24]))
	r.Kind = Kind(b[24])
	plen := binary.LittleEndian.Uint32(b[25:29])
	return r, plen
}

// decodeRecord parses and checksums a full record. b must hold exactly
// header+payload+crc bytes.
func decodeRecord(b []byte) (*Record, error) {
	r, plen := decodeHeader(b[:recordHeaderSize])
	body := b[:recordHeaderSize+int(plen)]
	want := binary.LittleEndian.Uint32(b[len(b)-crcSize:])
	if crc32.ChecksumIEEE(body) != want {
		return nil, errors.Errorf("wal record at %s: checksum mismatch", r.Lsn)
	}
	r.Payload = append([]byte(nil), body[recordHeaderSize:]...)
	return &r, nil
}

// RowPayload is the payload of Insert/Update/Delete records
type RowPayload struct {
	Rel common.Relation
	Cid uint32
	Key common.Key
	// NewValue is empty for deletes
	NewValue []byte
	// OldValue is the previous row image; empty for inserts.
	// carried for logical decoding.
	OldValue []byte
}

// EncodeRowPayload marshals a row payload
func EncodeRowPayload(p RowPayload) []byte {
	b := make([]byte, 0, 8+len(p.Key)+len(p.NewValue)+len(p.OldValue)+12)
	b = binary.LittleEndian.AppendUint32(b, uint32(p.Rel))
	b = binary.LittleEndian.AppendUint32(b, p.Cid)
	b = appendBytes(b, p.Key)
	b = appendBytes(b, p.NewValue)
	b = appendBytes(b, p.OldValue)
	return b
}

// DecodeRowPayload unmarshals a row payload
func DecodeRowPayload(b []byte) (RowPayload, error) {
	var p RowPayload
	if len(b) < 8 {
		return p, errors.New("row payload too short")
	}
	p.Rel = common.Relation(binary.LittleEndian.Uint32(b[0:4]))
	p.Cid = binary.LittleEndian.Uint32(b[4:8])
	rest := b[8:]
	var err error
	if p.Key, rest, err = takeBytes(rest); err != nil {
		return p, err
	}
	if p.NewValue, rest, err = takeBytes(rest); err != nil {
		return p, err
	}
	if p.OldValue, _, err = takeBytes(rest); err != nil {
		return p, err
	}
	return p, nil
}

// CheckpointPayload is the payload of Checkpoint records
type CheckpointPayload struct {
	// replay starts here on crash recovery
	RedoLsn Lsn
	// next transaction id at checkpoint time, so recovery never reissues ids
	NextTxID txid.TxID
}

// EncodeCheckpointPayload marshals a checkpoint payload
func EncodeCheckpointPayload(p CheckpointPayload) []byte {
	b := make([]byte, 0, 16)
	b = binary.LittleEndian.AppendUint64(b, uint64(p.RedoLsn))
	b = binary.LittleEndian.AppendUint64(b, uint64(p.NextTxID))
	return b
}

// DecodeCheckpointPayload unmarshals a checkpoint payload
func DecodeCheckpointPayload(b []byte) (CheckpointPayload, error) {
	var p CheckpointPayload
	if len(b) < 16 {
		return p, errors.New("checkpoint payload too short")
	}
	p.RedoLsn = Lsn(binary.LittleEndian.Uint64(b[0:8]))
	p.NextTxID = txid.TxID(binary.LittleEndian.Uint64(b[8:16]))
	return p, nil
}

// CleanupPayload is the payload of Cleanup records: the horizon vacuum used.
// a standby query whose snapshot is older conflicts with replaying this.
type CleanupPayload struct {
	Horizon txid.TxID
}

// EncodeCleanupPayload marshals a cleanup payload
func EncodeCleanupPayload(p CleanupPayload) []byte {
	b := make([]byte, 0, 8)
	return binary.LittleEndian.AppendUint64(b, uint64(p.Horizon))
}

// DecodeCleanupPayload unmarshals a cleanup payload
func DecodeCleanupPayload(b []byte) (CleanupPayload, error) {
	if len(b) < 8 {
		return CleanupPayload{}, errors.New("cleanup payload too short")
	}
	return CleanupPayload{Horizon: txid.TxID(binary.LittleEndian.Uint64(b[0:8]))}, nil
}

func appendBytes(b, p []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(p)))
	return append(b, p...)
}

func takeBytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, errors.New("truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	if len(b) < 4+int(n) {
		return nil, nil, errors.New("truncated byte field")
	}
	return append([]byte(nil), b[4:4+n]...), b[4+n:], nil
}
