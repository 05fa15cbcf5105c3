package txid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNormal(t *testing.T) {
	assert.False(t, InvalidTxID.IsNormal())
	assert.False(t, FrozenTxID.IsNormal())
	assert.True(t, FirstTxID.IsNormal())
	assert.True(t, TxID(100).IsNormal())
}

func TestIsFollows(t *testing.T) {
	assert.True(t, TxID(10).IsFollows(TxID(9)))
	assert.False(t, TxID(9).IsFollows(TxID(10)))
	assert.False(t, TxID(9).IsFollows(TxID(9)))
}

func TestAllocateNewTxID(t *testing.T) {
	m := NewManager()
	id := m.AllocateNewTxID()
	m.ReleaseLock()
	assert.Equal(t, FirstTxID, id)

	id = m.AllocateNewTxID()
	m.ReleaseLock()
	assert.Equal(t, FirstTxID+1, id)
}

func TestAdvance(t *testing.T) {
	m := NewManager()
	m.Advance(TxID(50))
	id := m.AllocateNewTxID()
	m.ReleaseLock()
	assert.Equal(t, TxID(51), id)

	// advancing backwards is a no-op
	m.Advance(TxID(10))
	id = m.AllocateNewTxID()
	m.ReleaseLock()
	assert.Equal(t, TxID(52), id)
}
