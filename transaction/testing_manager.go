package transaction

import (
	"time"

	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/storage/lock"
	"github.com/HayatoShiba/pptxn/transaction/clog"
	"github.com/HayatoShiba/pptxn/transaction/snapshot"
	"github.com/HayatoShiba/pptxn/transaction/ssi"
	"github.com/HayatoShiba/pptxn/transaction/txid"
	"github.com/HayatoShiba/pptxn/wal"
)

// TestingNewManager wires a transaction manager with fresh sub-managers and
// a temp-dir wal for test
func TestingNewManager() (*Manager, error) {
	wm, err := wal.TestingNewManager()
	if err != nil {
		return nil, err
	}
	tm := txid.NewManager()
	cm := clog.NewManager()
	sm := snapshot.NewManager(cm)
	lm := lock.NewManager(50*time.Millisecond, time.Second, 0, zap.NewNop())
	return NewManager(tm, cm, sm, ssi.NewManager(), lm, wm, SyncCommitLocal, 0, zap.NewNop()), nil
}

// Clog exposes the clog manager for test assertions
func (m *Manager) Clog() *clog.Manager {
	return m.cm
}

// Snapshots exposes the snapshot manager
func (m *Manager) Snapshots() *snapshot.Manager {
	return m.sm
}

// Locks exposes the lock manager
func (m *Manager) Locks() *lock.Manager {
	return m.lm
}

// SSI exposes the ssi manager
func (m *Manager) SSI() *ssi.Manager {
	return m.ssim
}

// WAL exposes the wal manager
func (m *Manager) WAL() *wal.Manager {
	return m.wm
}
