package recognition

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-consult/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// micTracker counts concurrently held microphone handles.
type micTracker struct {
	mu     sync.Mutex
	active int
	max    int
}

func (m *micTracker) acquire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active++
	if m.active > m.max {
		m.max = m.active
	}
}

func (m *micTracker) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active--
}

func (m *micTracker) peak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.max
}

type fakeAdapter struct {
	sel      stt.Selection
	language string
	listener stt.Listener
	mic      *micTracker
	startErr error

	mu        sync.Mutex
	listening bool
	starts    int
	stops     int
}

func (a *fakeAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return a.startErr
	}
	if a.listening {
		return nil
	}
	a.mic.acquire()
	a.listening = true
	a.starts++
	return nil
}

func (a *fakeAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listening {
		a.mic.release()
		a.listening = false
		a.stops++
	}
	return nil
}

func (a *fakeAdapter) IsListening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listening
}

func (a *fakeAdapter) emit(seg stt.Segment) { a.listener.OnSegment(seg) }

// crash mimics an adapter that stops itself and reports the failure from
// its own goroutine.
func (a *fakeAdapter) crash(err error) {
	a.mu.Lock()
	if a.listening {
		a.mic.release()
		a.listening = false
	}
	a.mu.Unlock()
	go a.listener.OnError(err)
}

type updatableAdapter struct {
	*fakeAdapter
	langMu sync.Mutex
	langs  []string
}

func (a *updatableAdapter) SetLanguage(code string) {
	a.langMu.Lock()
	defer a.langMu.Unlock()
	a.langs = append(a.langs, code)
}

type fakeFactory struct {
	mic       *micTracker
	startErrs map[stt.Selection]error

	mu    sync.Mutex
	built []*fakeAdapter
	upd   []*updatableAdapter
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{mic: &micTracker{}, startErrs: map[stt.Selection]error{}}
}

func (f *fakeFactory) New(sel stt.Selection, language string, listener stt.Listener) (stt.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &fakeAdapter{sel: sel, language: language, listener: listener, mic: f.mic, startErr: f.startErrs[sel]}
	f.built = append(f.built, a)
	if sel == stt.AssemblyAIRealtime {
		return a, nil
	}
	u := &updatableAdapter{fakeAdapter: a}
	f.upd = append(f.upd, u)
	return u, nil
}

func (f *fakeFactory) last() *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[len(f.built)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestOrchestrator(f *fakeFactory, sel stt.Selection, events Events) *Orchestrator {
	return NewOrchestrator(Options{
		Factory:      f,
		Selection:    sel,
		Language:     "en-US",
		Fallback:     true,
		Events:       events,
		Logger:       newLogger(),
		TickInterval: time.Hour,
	})
}
