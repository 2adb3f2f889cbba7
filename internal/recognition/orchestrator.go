// Package recognition owns the live speech-to-text session: it keeps
// exactly one backend adapter, falls back to native recognition when a
// backend cannot start, and accumulates the transcript across utterances.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-consult/internal/stt"
)

// Factory builds an adapter for a backend selection.
type Factory interface {
	New(sel stt.Selection, language string, listener stt.Listener) (stt.Adapter, error)
}

// Update is emitted for every recognition result.
type Update struct {
	Backend stt.Selection
	// Transcript holds the finalized segments only.
	Transcript string
	// Display is the transcript followed by the current interim segment.
	Display string
	Segment stt.Segment
}

// Events are the orchestrator's outbound callbacks. All are optional.
type Events struct {
	OnTranscript         func(Update)
	OnTranscriptionError func(stt.Selection, error)
	// OnStopped fires when the adapter stopped on its own after a runtime
	// failure. Explicit Stop, ChangeAPI and the like do not trigger it.
	OnStopped  func(stt.Selection, error)
	OnDuration func(time.Duration)
}

// StartResult describes which backend actually started.
type StartResult struct {
	Requested stt.Selection
	Active    stt.Selection
	FellBack  bool
	// Cause is the requested backend's start failure when FellBack is set.
	Cause error
}

// StartError reports that neither the requested backend nor the native
// fallback could start.
type StartError struct {
	Requested stt.Selection
	Err       error
	Fallback  error
}

func (e *StartError) Error() string {
	if e.Fallback == nil {
		return fmt.Sprintf("start %s: %v", e.Requested, e.Err)
	}
	return fmt.Sprintf("start %s: %v; native fallback: %v", e.Requested, e.Err, e.Fallback)
}

func (e *StartError) Unwrap() []error {
	if e.Fallback == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Fallback}
}

type Options struct {
	Factory   Factory
	Selection stt.Selection
	Language  string
	// Fallback enables the one-shot native fallback on start failure.
	Fallback     bool
	Events       Events
	Logger       *slog.Logger
	Clock        func() time.Time
	TickInterval time.Duration
}

type Orchestrator struct {
	factory  Factory
	fallback bool
	events   Events
	logger   *slog.Logger
	duration *DurationTracker

	transcript stt.Transcript

	// opMu serializes lifecycle operations; mu guards the fields below
	// for readers that must not wait on a slow Start.
	opMu       sync.Mutex
	mu         sync.RWMutex
	selection  stt.Selection
	active     stt.Selection
	language   string
	adapter    stt.Adapter
	generation uint64
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Selection == "" {
		opts.Selection = stt.Native
	}
	o := &Orchestrator{
		factory:   opts.Factory,
		fallback:  opts.Fallback,
		events:    opts.Events,
		logger:    opts.Logger.With(slog.String("component", "recognition")),
		selection: opts.Selection,
		active:    opts.Selection,
		language:  opts.Language,
	}
	o.duration = NewDurationTracker(opts.Clock, opts.TickInterval, func(d time.Duration) {
		if o.events.OnDuration != nil {
			o.events.OnDuration(d)
		}
	})
	return o
}

// Start begins listening on the selected backend. A non-native backend
// that fails to start with a permission, unsupported or backend error is
// replaced by native recognition once; the result reports the fallback
// and its cause without an error.
func (o *Orchestrator) Start(ctx context.Context) (StartResult, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.RLock()
	adapter, sel, active := o.adapter, o.selection, o.active
	o.mu.RUnlock()

	if adapter != nil && adapter.IsListening() {
		return StartResult{Requested: sel, Active: active, FellBack: active != sel}, nil
	}

	var err error
	if adapter == nil || active != sel {
		adapter, err = o.install(sel)
	}
	if err == nil {
		err = adapter.Start(ctx)
	}
	if err == nil {
		o.duration.Start()
		result := StartResult{Requested: sel, Active: sel}
		o.logger.Info("recognition started", slog.String("backend", result.String()))
		return result, nil
	}
	return o.fallbackFrom(ctx, sel, err)
}

func (o *Orchestrator) fallbackFrom(ctx context.Context, sel stt.Selection, cause error) (StartResult, error) {
	if sel == stt.Native || !o.fallback || !fallbackEligible(ctx, cause) {
		return StartResult{}, &StartError{Requested: sel, Err: cause}
	}
	o.logger.Warn("backend failed to start, falling back to native",
		slog.String("backend", string(sel)), slogError(cause))

	native, err := o.install(stt.Native)
	if err == nil {
		err = native.Start(ctx)
	}
	if err != nil {
		o.logger.Error("native fallback failed", slogError(err))
		return StartResult{}, &StartError{Requested: sel, Err: cause, Fallback: err}
	}
	o.duration.Start()
	result := StartResult{Requested: sel, Active: stt.Native, FellBack: true, Cause: cause}
	o.logger.Info("recognition started", slog.String("backend", result.String()))
	return result, nil
}

// fallbackEligible reports whether a start failure is a backend problem
// native recognition can cover. A caller that gave up is not retried.
func fallbackEligible(ctx context.Context, cause error) bool {
	if ctx.Err() != nil || errors.Is(cause, context.Canceled) {
		return false
	}
	return errors.Is(cause, stt.ErrPermission) ||
		errors.Is(cause, stt.ErrUnsupported) ||
		errors.Is(cause, stt.ErrBackend)
}

// install stops the current adapter and replaces it with a fresh one for
// sel. Callers hold opMu.
func (o *Orchestrator) install(sel stt.Selection) (stt.Adapter, error) {
	o.mu.RLock()
	old, language, next := o.adapter, o.language, o.generation+1
	o.mu.RUnlock()

	if old != nil {
		if err := old.Stop(); err != nil {
			o.logger.Warn("stop previous adapter", slogError(err))
		}
	}

	adapter, err := o.factory.New(sel, language, &adapterListener{o: o, generation: next, backend: sel})

	o.mu.Lock()
	defer o.mu.Unlock()
	o.generation = next
	if err != nil {
		o.adapter = nil
		return nil, fmt.Errorf("build %s adapter: %w", sel, err)
	}
	o.adapter = adapter
	o.active = sel
	return adapter, nil
}

// Stop ends capture. The in-flight utterance is finalized before it
// returns. Stopping an idle orchestrator is a no-op.
func (o *Orchestrator) Stop() error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.stopLocked()
}

func (o *Orchestrator) stopLocked() error {
	o.mu.RLock()
	adapter := o.adapter
	o.mu.RUnlock()

	var err error
	if adapter != nil {
		err = adapter.Stop()
	}
	if o.duration.Running() {
		elapsed := o.duration.Stop()
		o.logger.Info("recognition stopped", slog.Duration("elapsed", elapsed))
	}
	return err
}

func (o *Orchestrator) IsListening() bool {
	o.mu.RLock()
	adapter := o.adapter
	o.mu.RUnlock()
	return adapter != nil && adapter.IsListening()
}

// ChangeAPI tears the current adapter down completely, microphone
// included, and installs one for sel. It does not start listening.
func (o *Orchestrator) ChangeAPI(sel stt.Selection) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if err := o.stopLocked(); err != nil {
		o.logger.Warn("stop before backend change", slogError(err))
	}
	o.mu.Lock()
	previous := o.selection
	o.selection = sel
	o.mu.Unlock()

	if _, err := o.install(sel); err != nil {
		return err
	}
	o.logger.Info("backend changed", slog.String("from", string(previous)), slog.String("to", string(sel)))
	return nil
}

// UpdateLanguage stops a listening adapter and applies code to it, or to
// a rebuilt adapter when the backend cannot switch in place. The caller
// restarts listening.
func (o *Orchestrator) UpdateLanguage(code string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if err := o.stopLocked(); err != nil {
		o.logger.Warn("stop before language change", slogError(err))
	}
	o.mu.Lock()
	o.language = code
	adapter, active := o.adapter, o.active
	o.mu.Unlock()

	if adapter == nil {
		return nil
	}
	if updater, ok := adapter.(stt.LanguageUpdater); ok {
		updater.SetLanguage(code)
		return nil
	}
	_, err := o.install(active)
	return err
}

// ForceFinalize stops the active adapter so its buffered utterance is
// transcribed now. Listening does not resume.
func (o *Orchestrator) ForceFinalize() error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	if !o.IsListening() {
		return nil
	}
	return o.stopLocked()
}

// API reports the requested backend, even while a fallback is running.
func (o *Orchestrator) API() stt.Selection {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.selection
}

// Active reports the backend whose adapter is installed.
func (o *Orchestrator) Active() stt.Selection {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active
}

func (o *Orchestrator) Language() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.language
}

func (o *Orchestrator) Duration() time.Duration { return o.duration.Elapsed() }

func (o *Orchestrator) Transcript() string { return o.transcript.Text() }

// ResetTranscript clears the accumulated text for a new capture session.
func (o *Orchestrator) ResetTranscript() { o.transcript.Reset() }

func (o *Orchestrator) current(generation uint64) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.generation == generation
}

// handleFailure runs on the adapter's failure goroutine, after the
// adapter has released its resources.
func (o *Orchestrator) handleFailure(generation uint64, backend stt.Selection, err error) {
	o.opMu.Lock()
	if !o.current(generation) {
		o.opMu.Unlock()
		o.logger.Debug("ignoring failure from replaced adapter", slogError(err))
		return
	}
	if o.duration.Running() {
		o.duration.Stop()
	}
	o.opMu.Unlock()

	o.logger.Error("recognition stopped unexpectedly", slog.String("backend", string(backend)), slogError(err))
	if o.events.OnStopped != nil {
		o.events.OnStopped(backend, err)
	}
}

type adapterListener struct {
	o          *Orchestrator
	generation uint64
	backend    stt.Selection
}

func (l *adapterListener) OnSegment(seg stt.Segment) {
	if !l.o.current(l.generation) {
		return
	}
	update := Update{Backend: l.backend, Segment: seg}
	if seg.Final {
		update.Transcript = l.o.transcript.Append(seg.Text)
		update.Display = update.Transcript
	} else {
		update.Transcript = l.o.transcript.Text()
		update.Display = l.o.transcript.WithInterim(seg.Text)
	}
	if l.o.events.OnTranscript != nil {
		l.o.events.OnTranscript(update)
	}
}

func (l *adapterListener) OnTranscriptionError(err error) {
	if !l.o.current(l.generation) {
		return
	}
	if l.o.events.OnTranscriptionError != nil {
		l.o.events.OnTranscriptionError(l.backend, err)
	}
}

func (l *adapterListener) OnError(err error) {
	l.o.handleFailure(l.generation, l.backend, err)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
