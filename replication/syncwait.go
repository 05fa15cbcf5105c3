package replication

import (
	"context"
	"sync"

	"github.com/HayatoShiba/pptxn/wal"
)

/*
Synchronous-commit wait state.

Committing transactions under remote_write/remote_apply block here until
enough standbys have confirmed the commit lsn. Senders feed standby progress
in as status updates arrive; waiters are woken by a broadcast channel that is
closed and replaced on every progress change, the channel idiom for a
condition variable that also composes with context cancellation.
*/

type standbyProgress struct {
	flush wal.Lsn
	apply wal.Lsn
}

// SyncWaiter tracks standby durability progress and blocks committers until
// the required number of standbys have confirmed
type SyncWaiter struct {
	required int

	mu       sync.Mutex
	standbys map[string]standbyProgress
	// closed and replaced whenever progress advances
	changed chan struct{}
}

// NewSyncWaiter initializes the wait state. required is the number of
// synchronous standbys a commit must be confirmed by.
func NewSyncWaiter(required int) *SyncWaiter {
	return &SyncWaiter{
		required: required,
		standbys: make(map[string]standbyProgress),
		changed:  make(chan struct{}),
	}
}

// Report records a standby's progress and wakes waiters
func (w *SyncWaiter) Report(name string, flush, apply wal.Lsn) {
	w.mu.Lock()
	p := w.standbys[name]
	if flush > p.flush {
		p.flush = flush
	}
	if apply > p.apply {
		p.apply = apply
	}
	w.standbys[name] = p
	close(w.changed)
	w.changed = make(chan struct{})
	w.mu.Unlock()
}

// Remove forgets a disconnected standby. waiters are woken so they re-count;
// they keep waiting if the remaining standbys are not enough.
func (w *SyncWaiter) Remove(name string) {
	w.mu.Lock()
	delete(w.standbys, name)
	close(w.changed)
	w.changed = make(chan struct{})
	w.mu.Unlock()
}

func (w *SyncWaiter) confirmed(lsn wal.Lsn, apply bool) (bool, chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, p := range w.standbys {
		pos := p.flush
		if apply {
			pos = p.apply
		}
		if pos >= lsn {
			n++
		}
	}
	return n >= w.required, w.changed
}

// WaitForRemote blocks until the required number of standbys have flushed
// (apply=false) or applied (apply=true) the wal through lsn, or the context
// is done
func (w *SyncWaiter) WaitForRemote(ctx context.Context, lsn wal.Lsn, apply bool) error {
	for {
		ok, changed := w.confirmed(lsn, apply)
		if ok {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
