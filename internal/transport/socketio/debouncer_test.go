package socketio

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncerCollapsesBurst(t *testing.T) {
	var fired int64
	d := NewBroadcastDebouncer(20*time.Millisecond, func() {
		atomic.AddInt64(&fired, 1)
	})
	defer d.Stop()

	for i := 0; i < 10; i++ {
		d.Trigger()
		time.Sleep(time.Millisecond)
	}

	time.Sleep(60 * time.Millisecond)
	if got := atomic.LoadInt64(&fired); got != 1 {
		t.Errorf("expected 1 broadcast for a burst, got %d", got)
	}
}

func TestDebouncerFiresAgainAfterQuietPeriod(t *testing.T) {
	var fired int64
	d := NewBroadcastDebouncer(10*time.Millisecond, func() {
		atomic.AddInt64(&fired, 1)
	})
	defer d.Stop()

	d.Trigger()
	time.Sleep(40 * time.Millisecond)
	d.Trigger()
	time.Sleep(40 * time.Millisecond)

	if got := atomic.LoadInt64(&fired); got != 2 {
		t.Errorf("expected 2 broadcasts across quiet periods, got %d", got)
	}
}

func TestDebouncerStopSuppressesPending(t *testing.T) {
	var fired int64
	d := NewBroadcastDebouncer(20*time.Millisecond, func() {
		atomic.AddInt64(&fired, 1)
	})

	d.Trigger()
	d.Stop()
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt64(&fired); got != 0 {
		t.Errorf("expected no broadcast after stop, got %d", got)
	}

	// Triggers after Stop stay suppressed.
	d.Trigger()
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt64(&fired); got != 0 {
		t.Errorf("expected no broadcast after stop, got %d", got)
	}
}
