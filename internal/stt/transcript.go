package stt

import (
	"strings"
	"sync"
)

// Transcript accumulates finalized segments for one capture session.
type Transcript struct {
	mu       sync.Mutex
	segments []string
}

// Append adds a finalized segment and returns the updated transcript.
func (t *Transcript) Append(text string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if text = strings.TrimSpace(text); text != "" {
		t.segments = append(t.segments, text)
	}
	return t.textLocked()
}

// Text returns the finalized segments joined by single spaces.
func (t *Transcript) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.textLocked()
}

// WithInterim renders the transcript followed by a not yet final segment.
func (t *Transcript) WithInterim(interim string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	base := t.textLocked()
	interim = strings.TrimSpace(interim)
	if interim == "" {
		return base
	}
	if base == "" {
		return interim
	}
	return base + " " + interim
}

// Reset clears the transcript for a new capture session.
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.segments = nil
}

func (t *Transcript) textLocked() string {
	return strings.TrimSpace(strings.Join(t.segments, " "))
}
