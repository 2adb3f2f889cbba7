package vad

import (
	"math"
	"testing"
	"time"
)

func tone(level float32, n int) []float32 {
	frame := make([]float32, n)
	for i := range frame {
		if i%2 == 0 {
			frame[i] = level
		} else {
			frame[i] = -level
		}
	}
	return frame
}

func TestRMS(t *testing.T) {
	if got := RMS(tone(0.5, 64)); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("expected 0.5, got %v", got)
	}
	if RMS(nil) != 0 {
		t.Fatal("expected zero RMS for empty frame")
	}
}

func TestGateFinalizesOnceAfterHoldoff(t *testing.T) {
	gate := NewGate(Config{Threshold: 0.01, Holdoff: 1000 * time.Millisecond})
	base := time.Unix(0, 0)
	frameGap := 100 * time.Millisecond

	const k = 5
	var at int
	for i := 0; i < k; i++ {
		d := gate.Process(tone(0.2, 160), base.Add(time.Duration(at)*frameGap))
		at++
		if d.Finalize || !d.Speaking {
			t.Fatalf("frame %d: expected speaking without finalize, got %+v", i, d)
		}
	}

	silenceStart := base.Add(time.Duration(at) * frameGap)
	finalizedAt := -1
	for i := 0; i < 20; i++ {
		now := base.Add(time.Duration(at) * frameGap)
		at++
		d := gate.Process(tone(0.001, 160), now)
		if d.Finalize {
			if finalizedAt >= 0 {
				t.Fatalf("finalize fired twice (frames %d and %d)", finalizedAt, i)
			}
			finalizedAt = i
			if now.Sub(silenceStart) <= time.Second {
				t.Fatalf("finalize fired early at %v of silence", now.Sub(silenceStart))
			}
		} else if finalizedAt < 0 && now.Sub(silenceStart) > time.Second {
			t.Fatalf("finalize missing at %v of silence", now.Sub(silenceStart))
		}
	}
	// 1000ms hold-off, 100ms frames: the silent frame 11 frames after the
	// first silent one is the first to exceed the hold-off.
	if finalizedAt != 11 {
		t.Fatalf("expected finalize on silent frame 11, got %d", finalizedAt)
	}
	if gate.State().Phase != Idle {
		t.Fatalf("expected idle after finalize, got %s", gate.State().Phase)
	}
}

func TestGateSpeechResumesBeforeHoldoff(t *testing.T) {
	gate := NewGate(Config{Threshold: 0.01, Holdoff: 500 * time.Millisecond})
	base := time.Unix(0, 0)

	gate.Process(tone(0.2, 160), base)
	d := gate.Process(tone(0, 160), base.Add(100*time.Millisecond))
	if gate.State().Phase != TrailingSilence || !d.Speaking {
		t.Fatalf("expected trailing silence, got %s", gate.State().Phase)
	}
	gate.Process(tone(0.2, 160), base.Add(400*time.Millisecond))
	if gate.State().Phase != Speaking {
		t.Fatalf("expected speaking after resume, got %s", gate.State().Phase)
	}
	if !gate.State().SilenceStart.IsZero() {
		t.Fatal("expected silence timer cancelled")
	}
	d = gate.Process(tone(0, 160), base.Add(700*time.Millisecond))
	if d.Finalize {
		t.Fatal("finalize must count silence from the latest silent run")
	}
}

func TestGateIgnoresSilenceWhileIdle(t *testing.T) {
	gate := NewGate(Config{Threshold: 0.01, Holdoff: 10 * time.Millisecond})
	base := time.Unix(0, 0)
	for i := 0; i < 10; i++ {
		d := gate.Process(tone(0, 160), base.Add(time.Duration(i)*time.Second))
		if d.Finalize || d.Speaking {
			t.Fatalf("idle gate produced %+v", d)
		}
	}
}

func TestGateThresholdIsStrict(t *testing.T) {
	gate := NewGate(Config{Threshold: 0.25, Holdoff: time.Second})
	if d := gate.Process(tone(0.25, 16), time.Unix(0, 0)); d.Speaking {
		t.Fatal("volume equal to threshold must not count as speech")
	}
}
