package stt

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-consult/internal/audio"
)

var (
	// ErrPermission means microphone access was refused.
	ErrPermission = errors.New("microphone permission denied")
	// ErrUnsupported means a capability the backend needs is absent.
	ErrUnsupported = errors.New("capability not supported")
	// ErrBackend is a provider-side failure: auth, connection or protocol.
	ErrBackend = errors.New("backend failure")
	// ErrTranscriptionRequest is a single utterance upload or decode failure.
	// Buffered adapters recover from it locally.
	ErrTranscriptionRequest = errors.New("transcription request failed")
	// ErrUnknownBackend is returned for a selection name outside the known set.
	ErrUnknownBackend = errors.New("unknown stt backend")
)

// captureError maps microphone acquisition failures onto the STT taxonomy.
func captureError(err error) error {
	switch {
	case errors.Is(err, audio.ErrNoDevice):
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	case errors.Is(err, audio.ErrDenied):
		return fmt.Errorf("%w: %w", ErrPermission, err)
	case errors.Is(err, ErrPermission), errors.Is(err, ErrUnsupported):
		return err
	default:
		return fmt.Errorf("%w: open microphone: %w", ErrPermission, err)
	}
}

func backendError(op string, err error) error {
	if errors.Is(err, ErrBackend) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrBackend, op, err)
}
