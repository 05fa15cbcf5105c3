package snapshot

import (
	"github.com/HayatoShiba/pptxn/transaction/clog"
	"github.com/HayatoShiba/pptxn/transaction/txid"
)

// TestingNewManager initializes a manager whose in-progress set and latest
// completed id are the given ones
func TestingNewManager(xip []txid.TxID, latestCompleted txid.TxID) *Manager {
	m := NewManager(clog.NewManager())
	for _, id := range xip {
		m.inProgressTxIDs[id] = struct{}{}
	}
	m.latestCompletedTxID = latestCompleted
	return m
}

// Clog exposes the underlying clog manager for tests
func (m *Manager) Clog() *clog.Manager {
	return m.cm
}
