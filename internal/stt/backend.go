// Package stt implements the speech-to-text backend adapters: native
// streaming, buffered batch uploads and realtime streaming. All of them
// share the Adapter lifecycle and report results through a Listener.
package stt

import (
	"context"
	"fmt"
)

// Selection names one of the six backend variants.
type Selection string

const (
	Native             Selection = "native"
	AssemblyAI         Selection = "assemblyai"
	AssemblyAINano     Selection = "assemblyai-nano"
	Whisper            Selection = "whisper"
	Google             Selection = "google"
	AssemblyAIRealtime Selection = "assemblyai-realtime"
)

// Selections lists every backend in display order.
var Selections = []Selection{Native, AssemblyAI, AssemblyAINano, Whisper, Google, AssemblyAIRealtime}

// ParseSelection validates a backend identifier.
func ParseSelection(name string) (Selection, error) {
	for _, s := range Selections {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownBackend, name)
}

func (s Selection) String() string { return string(s) }

// Buffered reports whether the backend uploads VAD-delimited utterances.
func (s Selection) Buffered() bool {
	switch s {
	case AssemblyAI, AssemblyAINano, Whisper, Google:
		return true
	}
	return false
}

// Segment is one recognition result. Final segments are appended to the
// session transcript; interim ones are shown but may still change.
type Segment struct {
	Text  string
	Final bool
}

// Listener receives adapter output. Callbacks other than OnError run on
// the adapter's own goroutines and must not call back into Stop.
type Listener interface {
	OnSegment(Segment)
	// OnTranscriptionError reports a failed utterance; the adapter keeps listening.
	OnTranscriptionError(error)
	// OnError reports a failure after which the adapter has stopped itself.
	OnError(error)
}

// Adapter is the lifecycle shared by every backend.
type Adapter interface {
	// Start acquires the microphone and returns once capture is active.
	Start(ctx context.Context) error
	// Stop finalizes any in-flight utterance and releases every resource.
	// Calling it on a stopped adapter is a no-op.
	Stop() error
	IsListening() bool
}

// LanguageUpdater is implemented by adapters that can switch language
// without being rebuilt.
type LanguageUpdater interface {
	SetLanguage(code string)
}
