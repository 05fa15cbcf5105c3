package clog

import (
	"testing"

	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/stretchr/testify/assert"
)

func TestState(t *testing.T) {
	t.Run("unknown transaction is in progress", func(t *testing.T) {
		m := NewManager()
		assert.Equal(t, StateInProgress, m.State(txid.TxID(100)))
	})
	t.Run("frozen transaction is committed", func(t *testing.T) {
		m := NewManager()
		assert.True(t, m.IsCommitted(txid.FrozenTxID))
	})
	t.Run("committed then read back", func(t *testing.T) {
		m := NewManager()
		m.SetStateCommitted(txid.TxID(10))
		assert.True(t, m.IsCommitted(txid.TxID(10)))
		assert.False(t, m.IsAborted(txid.TxID(10)))
	})
	t.Run("aborted then read back", func(t *testing.T) {
		m := NewManager()
		m.SetStateAborted(txid.TxID(11))
		assert.True(t, m.IsAborted(txid.TxID(11)))
		assert.False(t, m.IsCommitted(txid.TxID(11)))
	})
	t.Run("neighbors in the same byte do not clobber each other", func(t *testing.T) {
		m := NewManager()
		// ids 8..11 share one byte
		m.SetStateCommitted(txid.TxID(8))
		m.SetStateAborted(txid.TxID(9))
		m.SetStateCommitted(txid.TxID(10))
		assert.True(t, m.IsCommitted(txid.TxID(8)))
		assert.True(t, m.IsAborted(txid.TxID(9)))
		assert.True(t, m.IsCommitted(txid.TxID(10)))
		assert.Equal(t, StateInProgress, m.State(txid.TxID(11)))
	})
	t.Run("ids on different pages", func(t *testing.T) {
		m := NewManager()
		far := txid.TxID(clogNumPerPage*3 + 5)
		m.SetStateCommitted(far)
		assert.True(t, m.IsCommitted(far))
		assert.Equal(t, StateInProgress, m.State(far+1))
	})
}

func TestBitPacking(t *testing.T) {
	var b byte
	b = getUpdatedState(b, txid.TxID(0), StateCommitted)
	b = getUpdatedState(b, txid.TxID(1), StateAborted)
	b = getUpdatedState(b, txid.TxID(2), StateCommitted)
	assert.Equal(t, StateCommitted, getState(b, txid.TxID(0)))
	assert.Equal(t, StateAborted, getState(b, txid.TxID(1)))
	assert.Equal(t, StateCommitted, getState(b, txid.TxID(2)))
	assert.Equal(t, StateInProgress, getState(b, txid.TxID(3)))
}
