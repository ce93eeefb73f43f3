package opsm

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/brickd/pkg/metrics"
	"github.com/cuemby/brickd/pkg/types"
)

// Lock is the cluster-wide mutual-exclusion token. A single UUID field
// holds the owner; a zero holder means unlocked.
type Lock struct {
	mu   sync.Mutex
	lock types.ClusterLock
}

// TryAcquire claims the lock for holder. Claiming an already-held lock
// fails, including re-entrant claims: the machine runs one operation at a
// time and a second Begin must queue behind the first.
func (l *Lock) TryAcquire(holder types.PeerID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lock.Held() {
		return fmt.Errorf("cluster lock held by %s since %s", l.lock.Holder,
			l.lock.Claimed.Format(time.RFC3339))
	}
	l.lock = types.ClusterLock{Holder: holder, Claimed: time.Now()}
	metrics.ClusterLockHeld.Set(1)
	return nil
}

// Release clears the lock if holder owns it.
func (l *Lock) Release(holder types.PeerID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.lock.Held() {
		return nil
	}
	if l.lock.Holder != holder {
		return fmt.Errorf("cluster lock held by %s, not %s", l.lock.Holder, holder)
	}
	l.lock = types.ClusterLock{}
	metrics.ClusterLockHeld.Set(0)
	return nil
}

// Holder returns the current owner, or empty when unlocked.
func (l *Lock) Holder() types.PeerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lock.Holder
}

// HeldBy reports whether holder currently owns the lock.
func (l *Lock) HeldBy(holder types.PeerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lock.Holder == holder && l.lock.Held()
}
