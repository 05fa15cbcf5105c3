/*
Deadlock detection.

Waiting is the normal case, so postgres (and this manager) only pays for
graph analysis after a wait has lasted deadlock_timeout. The detector
rebuilds the waits-for graph from the wait queues (edge A -> B when A waits
on a resource B holds in an incompatible mode), and when a cycle exists it
aborts the youngest transaction of the cycle by delivering
ErrDeadlockDetected to its wait. Youngest-victim: the most recently started
transaction has done the least work to throw away.
*/
package lock

import (
	"time"

	"go.uber.org/zap"

	"github.com/HayatoShiba/pptxn/common"
	"github.com/HayatoShiba/pptxn/metrics"
	"github.com/HayatoShiba/pptxn/transaction/txid"
)

func (m *Manager) runDeadlockDetector() {
	ticker := time.NewTicker(m.deadlockTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.detectDeadlocks()
		}
	}
}

// waiterRef locates one waiting request
type waiterRef struct {
	res common.ResourceID
	req *request
}

// detectDeadlocks scans once, aborting victims until no cycle remains
func (m *Manager) detectDeadlocks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		victim, ref := m.findVictimLocked()
		if !victim.IsValid() {
			return
		}
		st := m.locks[ref.res]
		st.removeRequest(ref.req)
		ref.req.wake <- ErrDeadlockDetected
		metrics.Deadlocks.Inc()
		m.logger.Warn("deadlock detected, aborting youngest transaction in cycle",
			zap.Uint64("txid", uint64(victim)),
			zap.String("resource", string(ref.res)))
		// the victim's grants stay until its transaction aborts and calls
		// ReleaseAll; removing the wait is enough to break the cycle
	}
}

// findVictimLocked builds the waits-for graph and returns the youngest
// transaction of a cycle, or InvalidTxID when none exists. caller holds m.mu.
func (m *Manager) findVictimLocked() (txid.TxID, waiterRef) {
	edges := make(map[txid.TxID]map[txid.TxID]struct{})
	waiting := make(map[txid.TxID]waiterRef)
	for res, st := range m.locks {
		for _, w := range st.queue {
			if w.granted {
				continue
			}
			waiting[w.txID] = waiterRef{res: res, req: w}
			for _, g := range st.queue {
				if !g.granted || g.txID == w.txID || w.mode.IsCompatibleWith(g.mode) {
					continue
				}
				out, ok := edges[w.txID]
				if !ok {
					out = make(map[txid.TxID]struct{})
					edges[w.txID] = out
				}
				out[g.txID] = struct{}{}
			}
		}
	}

	// DFS. 0 = unvisited, 1 = on stack, 2 = done.
	color := make(map[txid.TxID]int)
	var stack []txid.TxID
	var cycle []txid.TxID

	var visit func(id txid.TxID) bool
	visit = func(id txid.TxID) bool {
		color[id] = 1
		stack = append(stack, id)
		for next := range edges[id] {
			switch color[next] {
			case 0:
				if visit(next) {
					return true
				}
			case 1:
				// found a cycle: the stack suffix from next onward
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == next {
						return true
					}
				}
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = 2
		return false
	}

	for id := range edges {
		if color[id] == 0 && visit(id) {
			break
		}
	}
	if len(cycle) == 0 {
		return txid.InvalidTxID, waiterRef{}
	}

	victim := txid.InvalidTxID
	for _, id := range cycle {
		if _, ok := waiting[id]; !ok {
			continue
		}
		if id.IsFollows(victim) {
			victim = id
		}
	}
	return victim, waiting[victim]
}
