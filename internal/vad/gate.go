// Package vad classifies microphone frames by RMS energy and marks
// utterance boundaries after a silence hold-off.
package vad

import (
	"math"
	"time"
)

// Phase is the gate's position within an utterance.
type Phase int

const (
	Idle Phase = iota
	Speaking
	TrailingSilence
)

func (p Phase) String() string {
	switch p {
	case Speaking:
		return "speaking"
	case TrailingSilence:
		return "trailing-silence"
	default:
		return "idle"
	}
}

// Config tunes a gate for one provider.
type Config struct {
	// Threshold is the RMS level above which a frame counts as speech.
	Threshold float64
	// Holdoff is how long trailing silence must last to close an utterance.
	Holdoff time.Duration
}

// State is the speech state owned by one adapter.
type State struct {
	Phase        Phase
	LastSpeechAt time.Time
	SilenceStart time.Time
}

// IsSpeaking reports whether the gate is inside an utterance.
func (s State) IsSpeaking() bool { return s.Phase != Idle }

// Decision is the outcome of classifying one frame.
type Decision struct {
	Volume   float64
	Speaking bool
	Finalize bool
}

// Gate is not safe for concurrent use; each adapter drives its own.
type Gate struct {
	cfg   Config
	state State
}

func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// Process classifies frame as observed at now and advances the state machine.
func (g *Gate) Process(frame []float32, now time.Time) Decision {
	volume := RMS(frame)
	loud := volume > g.cfg.Threshold

	switch g.state.Phase {
	case Idle:
		if loud {
			g.state.Phase = Speaking
			g.state.LastSpeechAt = now
		}
	case Speaking:
		if loud {
			g.state.LastSpeechAt = now
		} else {
			g.state.Phase = TrailingSilence
			g.state.SilenceStart = now
		}
	case TrailingSilence:
		if loud {
			g.state.Phase = Speaking
			g.state.LastSpeechAt = now
			g.state.SilenceStart = time.Time{}
		} else if now.Sub(g.state.SilenceStart) > g.cfg.Holdoff {
			g.Reset()
			return Decision{Volume: volume, Finalize: true}
		}
	}

	return Decision{Volume: volume, Speaking: g.state.Phase != Idle}
}

// State returns a copy of the current speech state.
func (g *Gate) State() State { return g.state }

// Reset returns the gate to Idle.
func (g *Gate) Reset() { g.state = State{} }

// RMS returns sqrt(mean(s^2)) of frame.
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}
