package lock

import (
	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/transaction/txid"
)

// Info describes one lock entry, granted or waiting.
// this is the pg_locks-style admin surface.
type Info struct {
	Resource common.ResourceID
	Mode     Mode
	TxID     txid.TxID
	Granted  bool
}

// Snapshot returns the current lock table contents
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Info
	for res, st := range m.locks {
		for _, r := range st.queue {
			out = append(out, Info{Resource: res, Mode: r.mode, TxID: r.txID, Granted: r.granted})
		}
	}
	return out
}
