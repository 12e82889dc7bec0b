package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimedUnlockFailsFastWhileLocked(t *testing.T) {
	tl := NewTimedUnlock()
	require.True(t, tl.TryLock(time.Minute))
	assert.False(t, tl.TryLock(time.Minute))
	assert.True(t, tl.Locked())
}

func TestTimedUnlockExplicitUnlockAllowsRelock(t *testing.T) {
	tl := NewTimedUnlock()
	require.True(t, tl.TryLock(time.Minute))
	tl.Unlock()
	assert.False(t, tl.Locked())
	assert.True(t, tl.TryLock(time.Minute))
}

func TestTimedUnlockAutoReleasesAndSignals(t *testing.T) {
	tl := NewTimedUnlock()
	require.True(t, tl.TryLock(10 * time.Millisecond))

	select {
	case <-tl.Unlocked:
	case <-time.After(time.Second):
		t.Fatal("timed unlock never fired")
	}
	assert.False(t, tl.Locked())
}

func TestPeriodicStopsOnClose(t *testing.T) {
	stop := make(chan struct{})
	ticks := make(chan struct{}, 8)
	go Periodic(stop, 5*time.Millisecond, func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("periodic never ticked")
	}
	close(stop)
}
