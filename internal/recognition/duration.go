package recognition

import (
	"sync"
	"time"
)

const defaultTickInterval = 100 * time.Millisecond

// DurationTracker measures how long the current capture has been running
// and reports progress on a fixed tick.
type DurationTracker struct {
	clock    func() time.Time
	interval time.Duration
	onTick   func(time.Duration)

	mu      sync.Mutex
	started time.Time
	elapsed time.Duration
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewDurationTracker(clock func() time.Time, interval time.Duration, onTick func(time.Duration)) *DurationTracker {
	if clock == nil {
		clock = time.Now
	}
	if interval <= 0 {
		interval = defaultTickInterval
	}
	return &DurationTracker{clock: clock, interval: interval, onTick: onTick}
}

// Start resets the elapsed time and begins ticking. A running tracker is
// restarted.
func (d *DurationTracker) Start() {
	d.Stop()

	d.mu.Lock()
	d.started = d.clock()
	d.elapsed = 0
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	stop, done := d.stop, d.done
	d.mu.Unlock()

	go d.tick(stop, done)
}

func (d *DurationTracker) tick(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.emit(d.Elapsed())
		}
	}
}

// Stop freezes the elapsed time and emits it one last time. Stopping an
// idle tracker returns the last measurement without emitting.
func (d *DurationTracker) Stop() time.Duration {
	d.mu.Lock()
	if !d.running {
		elapsed := d.elapsed
		d.mu.Unlock()
		return elapsed
	}
	d.running = false
	d.elapsed = d.clock().Sub(d.started)
	elapsed := d.elapsed
	stop, done := d.stop, d.done
	d.mu.Unlock()

	close(stop)
	<-done
	d.emit(elapsed)
	return elapsed
}

func (d *DurationTracker) Elapsed() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return d.clock().Sub(d.started)
	}
	return d.elapsed
}

func (d *DurationTracker) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *DurationTracker) emit(elapsed time.Duration) {
	if d.onTick != nil {
		d.onTick(elapsed)
	}
}
