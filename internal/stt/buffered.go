package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-consult/internal/audio"
	"github.com/loqalabs/loqa-consult/internal/vad"
)

// Tuning is the per-provider VolumeGate and buffer configuration.
type Tuning struct {
	NoiseThreshold float64
	SilenceHoldoff time.Duration
	MaxBuffer      time.Duration
}

// MaxFrames converts MaxBuffer into a frame count for the given format.
func (t Tuning) MaxFrames(format audio.Format) int {
	if format.SampleRate <= 0 || format.BufferSize <= 0 {
		return 1
	}
	frame := time.Duration(format.BufferSize) * time.Second / time.Duration(format.SampleRate)
	n := int((t.MaxBuffer + frame - 1) / frame)
	if n < 1 {
		n = 1
	}
	return n
}

// BufferedOptions configures a BufferedAdapter.
type BufferedOptions struct {
	Source         audio.Source
	Format         audio.Format
	Driver         Driver
	Tuning         Tuning
	Language       string
	RequestTimeout time.Duration
	StopTimeout    time.Duration
	Listener       Listener
	Logger         *slog.Logger
	Clock          func() time.Time
}

// BufferedAdapter gates microphone audio into utterances and uploads each
// one as a WAV file to a batch transcription provider.
type BufferedAdapter struct {
	lifecycle
	opts      BufferedOptions
	maxFrames int

	langMu   sync.RWMutex
	language string
}

const uploadQueueDepth = 4

func NewBufferedAdapter(opts BufferedOptions) *BufferedAdapter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	logger := opts.Logger.With(slog.String("backend", opts.Driver.Name()))
	opts.Logger = logger
	return &BufferedAdapter{
		lifecycle: lifecycle{drain: opts.StopTimeout, logger: logger},
		opts:      opts,
		maxFrames: opts.Tuning.MaxFrames(opts.Format),
		language:  opts.Language,
	}
}

func (a *BufferedAdapter) SetLanguage(code string) {
	a.langMu.Lock()
	a.language = code
	a.langMu.Unlock()
}

func (a *BufferedAdapter) currentLanguage() string {
	a.langMu.RLock()
	defer a.langMu.RUnlock()
	return a.language
}

func (a *BufferedAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return nil
	}

	// Capture outlives the caller's context; Stop ends it.
	stream, err := a.opts.Source.Open(context.WithoutCancel(ctx), a.opts.Format)
	if err != nil {
		return captureError(err)
	}

	s := newSession()
	s.closeInput = stream.Close
	uploads := make(chan []float32, uploadQueueDepth)
	s.goroutine(func() { a.capture(s, stream, uploads) })
	s.goroutine(func() { a.upload(s, uploads) })
	a.activate(s)
	a.opts.Logger.Info("buffered capture started",
		slog.Float64("noise_threshold", a.opts.Tuning.NoiseThreshold),
		slog.Duration("silence_holdoff", a.opts.Tuning.SilenceHoldoff),
		slog.Int("max_frames", a.maxFrames),
	)
	return nil
}

// capture runs the VolumeGate over the stream. Time advances with the
// audio itself so holdoffs are measured in captured samples.
func (a *BufferedAdapter) capture(s *session, stream audio.Stream, uploads chan<- []float32) {
	defer close(uploads)

	gate := vad.NewGate(vad.Config{
		Threshold: a.opts.Tuning.NoiseThreshold,
		Holdoff:   a.opts.Tuning.SilenceHoldoff,
	})
	var buf audio.FrameBuffer
	origin := a.opts.Clock()
	var captured int64

	for frame := range stream.Frames() {
		now := origin.Add(time.Duration(captured) * time.Second / time.Duration(a.opts.Format.SampleRate))
		captured += int64(len(frame))

		decision := gate.Process(frame, now)
		if decision.Speaking {
			buf.Append(frame)
		}
		switch {
		case decision.Finalize:
			a.dispatch(s, buf.Drain(), uploads)
		case buf.Len() > a.maxFrames:
			a.opts.Logger.Debug("buffer limit reached, finalizing", slog.Int("frames", buf.Len()))
			gate.Reset()
			a.dispatch(s, buf.Drain(), uploads)
		}
	}

	if samples := buf.Drain(); len(samples) > 0 {
		a.dispatch(s, samples, uploads)
	}
	if err := stream.Err(); err != nil {
		a.fail(s, backendError("capture", err), a.opts.Listener)
	}
}

func (a *BufferedAdapter) dispatch(s *session, samples []float32, uploads chan<- []float32) {
	if len(samples) < a.opts.Format.SampleRate/10 {
		a.opts.Logger.Debug("dropping utterance shorter than 100ms", slog.Int("samples", len(samples)))
		return
	}
	select {
	case uploads <- samples:
	case <-s.ctx.Done():
	}
}

// upload sends utterances one at a time, in capture order.
func (a *BufferedAdapter) upload(s *session, uploads <-chan []float32) {
	for samples := range uploads {
		if s.ctx.Err() != nil {
			continue
		}
		text, err := a.transcribe(s.ctx, samples)
		if err != nil {
			if s.ctx.Err() != nil {
				a.opts.Logger.Debug("dropping utterance after stop", slogError(err))
				continue
			}
			a.opts.Logger.Warn("utterance transcription failed", slogError(err))
			a.opts.Listener.OnTranscriptionError(err)
			continue
		}
		if text == "" || s.ctx.Err() != nil {
			continue
		}
		a.opts.Listener.OnSegment(Segment{Text: text, Final: true})
	}
}

func (a *BufferedAdapter) transcribe(ctx context.Context, samples []float32) (string, error) {
	wav, err := audio.EncodeWAV(samples, a.opts.Format.SampleRate)
	if err != nil {
		return "", fmt.Errorf("%w: encode wav: %w", ErrTranscriptionRequest, err)
	}
	ctx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()

	text, err := a.opts.Driver.Transcribe(ctx, Request{
		WAV:        wav,
		Language:   a.currentLanguage(),
		SampleRate: a.opts.Format.SampleRate,
	})
	if err != nil {
		if errors.Is(err, ErrTranscriptionRequest) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s: %w", ErrTranscriptionRequest, a.opts.Driver.Name(), err)
	}
	return strings.TrimSpace(text), nil
}
