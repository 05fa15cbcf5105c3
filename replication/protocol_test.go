package replication

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/HayatoShiba/pptxn/wal"
)

func TestMessageRoundtrip(t *testing.T) {
	msgs := []Message{
		StartReplication{SlotName: "standby1", StartLsn: 4096},
		WalData{StartLsn: 4096, Data: []byte("some wal bytes")},
		StatusUpdate{WriteLsn: 100, FlushLsn: 90, ApplyLsn: 80, FeedbackXmin: txid.TxID(7)},
		Keepalive{EndLsn: 200, ReplyRequested: true},
	}
	var buf bytes.Buffer
	for _, m := range msgs {
		assert.Nil(t, WriteMessage(&buf, m))
	}
	for _, want := range msgs {
		got, err := ReadMessage(&buf)
		assert.Nil(t, err)
		assert.Equal(t, want, got)
	}
}

func TestReadMessageRejectsHugeFrame(t *testing.T) {
	// type + length prefix claiming more than the frame limit
	b := []byte{msgWalData, 0xff, 0xff, 0xff, 0xff}
	_, err := ReadMessage(bytes.NewReader(b))
	assert.NotNil(t, err)
}

func TestReadMessageUnknownType(t *testing.T) {
	b := []byte{0x99, 0, 0, 0, 0}
	_, err := ReadMessage(bytes.NewReader(b))
	assert.NotNil(t, err)
}

func TestKeepaliveFlag(t *testing.T) {
	var buf bytes.Buffer
	assert.Nil(t, WriteMessage(&buf, Keepalive{EndLsn: 1, ReplyRequested: false}))
	got, err := ReadMessage(&buf)
	assert.Nil(t, err)
	assert.Equal(t, Keepalive{EndLsn: wal.Lsn(1), ReplyRequested: false}, got)
}
