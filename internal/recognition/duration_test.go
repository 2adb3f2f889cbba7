package recognition

import (
	"sync"
	"testing"
	"time"
)

func TestDurationTrackerStopEmitsFinalElapsed(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var ticks []time.Duration
	d := NewDurationTracker(clock.Now, time.Hour, func(e time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		ticks = append(ticks, e)
	})

	d.Start()
	clock.Advance(500 * time.Millisecond)
	if got := d.Elapsed(); got != 500*time.Millisecond {
		t.Fatalf("expected running elapsed 500ms, got %v", got)
	}
	if got := d.Stop(); got != 500*time.Millisecond {
		t.Fatalf("expected 500ms, got %v", got)
	}
	if got := d.Stop(); got != 500*time.Millisecond {
		t.Fatalf("second stop should return the frozen value, got %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(ticks) != 1 || ticks[0] != 500*time.Millisecond {
		t.Fatalf("expected one final emission, got %v", ticks)
	}
}

func TestDurationTrackerTicksWhileRunning(t *testing.T) {
	var mu sync.Mutex
	count := 0
	d := NewDurationTracker(nil, 5*time.Millisecond, func(time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})
	d.Start()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := count
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	d.Stop()
	mu.Lock()
	defer mu.Unlock()
	if count < 3 {
		t.Fatalf("expected periodic ticks, got %d", count)
	}
}

func TestDurationTrackerRestartResets(t *testing.T) {
	clock := newFakeClock()
	d := NewDurationTracker(clock.Now, time.Hour, nil)
	d.Start()
	clock.Advance(2 * time.Second)
	d.Stop()
	d.Start()
	clock.Advance(100 * time.Millisecond)
	if got := d.Stop(); got != 100*time.Millisecond {
		t.Fatalf("expected reset elapsed, got %v", got)
	}
}
