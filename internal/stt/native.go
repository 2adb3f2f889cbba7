package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-consult/internal/audio"
)

// NativeEngine is a platform recognizer that consumes a live PCM stream
// and produces interim and final results on its own.
type NativeEngine interface {
	// Available reports ErrUnsupported when the engine cannot run here.
	Available() error
	Open(ctx context.Context, params NativeParams) (NativeSession, error)
}

type NativeParams struct {
	Language   string
	SampleRate int
}

// NativeSession is one running recognition stream.
type NativeSession interface {
	Write(pcm []byte) error
	// CloseWrite signals end of audio; the engine flushes its last result
	// and closes Results.
	CloseWrite() error
	Results() <-chan Segment
	Err() error
	Close() error
}

type NativeOptions struct {
	Source      audio.Source
	Format      audio.Format
	Engine      NativeEngine
	Language    string
	StopTimeout time.Duration
	Listener    Listener
	Logger      *slog.Logger
}

// NativeAdapter streams microphone audio into a NativeEngine.
type NativeAdapter struct {
	lifecycle
	opts NativeOptions

	langMu   sync.RWMutex
	language string
}

func NewNativeAdapter(opts NativeOptions) *NativeAdapter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With(slog.String("backend", string(Native)))
	opts.Logger = logger
	return &NativeAdapter{
		lifecycle: lifecycle{drain: opts.StopTimeout, logger: logger},
		opts:      opts,
		language:  opts.Language,
	}
}

// SetLanguage applies to the next Start.
func (a *NativeAdapter) SetLanguage(code string) {
	a.langMu.Lock()
	a.language = code
	a.langMu.Unlock()
}

func (a *NativeAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return nil
	}
	if a.opts.Engine == nil {
		return fmt.Errorf("%w: no native recognizer configured", ErrUnsupported)
	}
	if err := a.opts.Engine.Available(); err != nil {
		if errors.Is(err, ErrUnsupported) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}

	stream, err := a.opts.Source.Open(context.WithoutCancel(ctx), a.opts.Format)
	if err != nil {
		return captureError(err)
	}

	a.langMu.RLock()
	lang := a.language
	a.langMu.RUnlock()

	s := newSession()
	engine, err := a.opts.Engine.Open(s.ctx, NativeParams{Language: lang, SampleRate: a.opts.Format.SampleRate})
	if err != nil {
		s.cancel()
		if closeErr := stream.Close(); closeErr != nil {
			a.opts.Logger.Warn("release microphone", slogError(closeErr))
		}
		return backendError("open native recognizer", err)
	}

	s.closeInput = stream.Close
	s.release = engine.Close
	s.goroutine(func() { a.pump(s, stream, engine) })
	s.goroutine(func() { a.results(s, engine) })
	a.activate(s)
	a.opts.Logger.Info("native recognition started", slog.String("language", lang))
	return nil
}

func (a *NativeAdapter) pump(s *session, stream audio.Stream, engine NativeSession) {
	defer func() {
		if err := engine.CloseWrite(); err != nil {
			a.opts.Logger.Debug("close recognizer input", slogError(err))
		}
	}()
	for frame := range stream.Frames() {
		if err := engine.Write(audio.FloatToPCM16(frame)); err != nil {
			a.fail(s, backendError("write audio", err), a.opts.Listener)
			return
		}
	}
	if err := stream.Err(); err != nil {
		a.fail(s, backendError("capture", err), a.opts.Listener)
	}
}

func (a *NativeAdapter) results(s *session, engine NativeSession) {
	for seg := range engine.Results() {
		if s.ctx.Err() != nil {
			continue
		}
		a.opts.Listener.OnSegment(seg)
	}
	if s.stopping.Load() {
		return
	}
	err := engine.Err()
	if err == nil {
		err = errors.New("recognizer exited")
	}
	a.fail(s, backendError("native recognizer", err), a.opts.Listener)
}
