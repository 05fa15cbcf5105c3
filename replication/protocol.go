/*
Replication wire protocol.

Framing is a one-byte message type, a four-byte little-endian payload length
and the payload. The transport is any io.ReadWriter; the embedding process
decides whether that is a tcp connection, a unix socket or an in-process
pipe.

The protocol is deliberately two independent unidirectional flows sharing
the connection: the primary pushes WalData without waiting for anything, the
standby pushes StatusUpdate on its own schedule. Nothing in wal generation
ever blocks on a standby; only synchronous-commit transactions opt into
waiting, and they wait on the sync-wait state fed by status updates, not on
the connection.
*/
package replication

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/HayatoShiba/pptxn/wal"
)

const (
	msgStartReplication byte = iota + 1
	msgWalData
	msgStatusUpdate
	msgKeepalive
)

// maxFrameSize bounds a frame so a corrupt length prefix cannot drive a
// huge allocation
const maxFrameSize = 64 << 20

// StartReplication is the standby's opening request
type StartReplication struct {
	SlotName string
	StartLsn wal.Lsn
}

// WalData carries a chunk of the physical wal byte stream
type WalData struct {
	StartLsn wal.Lsn
	Data     []byte
}

// StatusUpdate is the standby's periodic progress report
type StatusUpdate struct {
	// WriteLsn is how far the standby has written the stream
	WriteLsn wal.Lsn
	// FlushLsn is how far it has made the stream durable
	FlushLsn wal.Lsn
	// ApplyLsn is how far its replay has applied
	ApplyLsn wal.Lsn
	// FeedbackXmin is the oldest transaction the standby's queries still
	// need, zero when hot_standby_feedback is off
	FeedbackXmin txid.TxID
}

// Keepalive is sent by the primary when there is no wal to ship, so the
// standby can tell an idle primary from a dead connection
type Keepalive struct {
	// EndLsn is the current durable end of the primary's stream
	EndLsn wal.Lsn
	// ReplyRequested asks the standby for an immediate status update
	ReplyRequested bool
}

// Message is one replication protocol frame
type Message interface {
	kind() byte
	payload() []byte
}

func (StartReplication) kind() byte { return msgStartReplication }
func (WalData) kind() byte          { return msgWalData }
func (StatusUpdate) kind() byte     { return msgStatusUpdate }
func (Keepalive) kind() byte        { return msgKeepalive }

func (m StartReplication) payload() []byte {
	b := make([]byte, 0, 12+len(m.SlotName))
	b = binary.LittleEndian.AppendUint64(b, uint64(m.StartLsn))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(m.SlotName)))
	return append(b, m.SlotName...)
}

func (m WalData) payload() []byte {
	b := make([]byte, 0, 8+len(m.Data))
	b = binary.LittleEndian.AppendUint64(b, uint64(m.StartLsn))
	return append(b, m.Data...)
}

func (m StatusUpdate) payload() []byte {
	b := make([]byte, 0, 32)
	b = binary.LittleEndian.AppendUint64(b, uint64(m.WriteLsn))
	b = binary.LittleEndian.AppendUint64(b, uint64(m.FlushLsn))
	b = binary.LittleEndian.AppendUint64(b, uint64(m.ApplyLsn))
	b = binary.LittleEndian.AppendUint64(b, uint64(m.FeedbackXmin))
	return b
}

func (m Keepalive) payload() []byte {
	b := make([]byte, 0, 9)
	b = binary.LittleEndian.AppendUint64(b, uint64(m.EndLsn))
	if m.ReplyRequested {
		return append(b, 1)
	}
	return append(b, 0)
}

// WriteMessage writes one frame. callers serialize access to w themselves.
func WriteMessage(w io.Writer, m Message) error {
	p := m.payload()
	hdr := make([]byte, 0, 5)
	hdr = append(hdr, m.kind())
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(p)))
	if _, err := w.Write(hdr); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if _, err := w.Write(p); err != nil {
		return errors.Wrap(err, "write frame payload")
	}
	return nil
}

// ReadMessage reads one frame, blocking until a full frame arrives
func ReadMessage(r io.Reader) (Message, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[1:5])
	if n > maxFrameSize {
		return nil, errors.Errorf("frame of %d bytes exceeds limit", n)
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		return nil, err
	}
	switch hdr[0] {
	case msgStartReplication:
		if len(p) < 12 {
			return nil, errors.New("short start-replication frame")
		}
		nameLen := binary.LittleEndian.Uint32(p[8:12])
		if len(p) < 12+int(nameLen) {
			return nil, errors.New("short start-replication frame")
		}
		return StartReplication{
			StartLsn: wal.Lsn(binary.LittleEndian.Uint64(p[0:8])),
			SlotName: string(p[12 : 12+nameLen]),
		}, nil
	case msgWalData:
		if len(p) < 8 {
			return nil, errors.New("short wal-data frame")
		}
		return WalData{
			StartLsn: wal.Lsn(binary.LittleEndian.Uint64(p[0:8])),
			Data:     p[8:],
		}, nil
	case msgStatusUpdate:
		if len(p) < 32 {
			return nil, errors.New("short status-update frame")
		}
		return StatusUpdate{
			WriteLsn:     wal.Lsn(binary.LittleEndian.Uint64(p[0:8])),
			FlushLsn:     wal.Lsn(binary.LittleEndian.Uint64(p[8:16])),
			ApplyLsn:     wal.Lsn(binary.LittleEndian.Uint64(p[16:24])),
			FeedbackXmin: txid.TxID(binary.LittleEndian.Uint64(p[24:32])),
		}, nil
	case msgKeepalive:
		if len(p) < 9 {
			return nil, errors.New("short keepalive frame")
		}
		return Keepalive{
			EndLsn:         wal.Lsn(binary.LittleEndian.Uint64(p[0:8])),
			ReplyRequested: p[8] == 1,
		}, nil
	}
	return nil, errors.Errorf("unknown message type %d", hdr[0])
}
