package rental

import (
	"context"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// KEYED ADVISORY LOCKS
// =============================================================================

// LockManager hands out exclusive locks on string keys. Keys are always taken
// in sorted order so two commands sharing keys cannot deadlock, and every
// wait is bounded.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*keyLock)}
}

// ReservationKey serializes lifecycle commands on one reservation.
func ReservationKey(id ReservationID) string { return "reservation:" + string(id) }

// PoolKey serializes check-then-commit of allocations within one tool type.
func PoolKey(id ToolTypeID) string { return "pool:" + string(id) }

// Acquire takes every key or none. It fails with a ConcurrencyError if any key
// is still held after timeout. The returned release func is idempotent.
func (lm *LockManager) Acquire(ctx context.Context, timeout time.Duration, keys ...string) (func(), error) {
	keys = uniqueSorted(keys)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	held := make([]string, 0, len(keys))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			lm.unlock(held[i])
		}
		held = held[:0]
	}

	for _, k := range keys {
		l := lm.ref(k)
		select {
		case l.ch <- struct{}{}:
			held = append(held, k)
		case <-timer.C:
			lm.unref(k)
			releaseAll()
			return nil, &ConcurrencyError{Resource: k, Reason: "lock wait timed out after " + timeout.String()}
		case <-ctx.Done():
			lm.unref(k)
			releaseAll()
			return nil, &ConcurrencyError{Resource: k, Reason: ctx.Err().Error()}
		}
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

func (lm *LockManager) ref(k string) *keyLock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.locks[k]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		lm.locks[k] = l
	}
	l.refs++
	return l
}

func (lm *LockManager) unref(k string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if l, ok := lm.locks[k]; ok {
		l.refs--
		if l.refs == 0 {
			delete(lm.locks, k)
		}
	}
}

func (lm *LockManager) unlock(k string) {
	lm.mu.Lock()
	l := lm.locks[k]
	lm.mu.Unlock()
	if l == nil {
		return
	}
	<-l.ch
	lm.unref(k)
}

// Held reports how many keys are currently tracked. Used by tests.
func (lm *LockManager) Held() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.locks)
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
