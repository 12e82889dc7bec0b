// Package timer provides the cooperative scheduling primitives the trust
// substrate's subsystems suspend on: a reusable timed-unlock lock and a
// periodic ticker, grounded on the teacher's self-rescheduling
// agent.update() pattern (agent-tcp/agent.go).
package timer

import (
	"sync"
	"time"
)

// TimedUnlock is a boolean lock with a one-shot auto-release timer. A
// subsystem takes the lock before starting an in-flight operation (a key
// request, a TX/RX slot) and releases it either explicitly on completion or
// automatically when the timer fires, whichever comes first. Firing posts to
// Unlocked so a waiting goroutine can react; the channel is buffered 1 so a
// post never blocks the timer goroutine.
type TimedUnlock struct {
	mu       sync.Mutex
	locked   bool
	timer    *time.Timer
	Unlocked chan struct{}
}

// NewTimedUnlock returns an unlocked lock.
func NewTimedUnlock() *TimedUnlock {
	return &TimedUnlock{Unlocked: make(chan struct{}, 1)}
}

// TryLock locks and arms the auto-release timer for d. Returns false if
// already locked — the caller should fail fast rather than queue, per the
// spec's "concurrent requests must fail fast" requirement.
func (t *TimedUnlock) TryLock(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locked {
		return false
	}
	t.locked = true
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		wasLocked := t.locked
		t.locked = false
		t.mu.Unlock()
		if wasLocked {
			select {
			case t.Unlocked <- struct{}{}:
			default:
			}
		}
	})
	return true
}

// Unlock releases the lock immediately and stops the pending timer. Safe to
// call even if the timer already fired.
func (t *TimedUnlock) Unlock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.locked = false
}

// Locked reports whether the lock is currently held.
func (t *TimedUnlock) Locked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locked
}

// Periodic runs fn every interval until stop is closed, self-rescheduling
// exactly like agent-tcp/agent.go's agent.update — one timer per tick rather
// than a ticker, so fn's own duration cannot cause the next tick to queue up
// behind a slow previous one.
func Periodic(stop <-chan struct{}, interval time.Duration, fn func()) {
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			fn()
			t.Reset(interval)
		}
	}
}
