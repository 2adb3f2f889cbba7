package stt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// session holds the goroutines and resources of one listening period.
type session struct {
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopping atomic.Bool

	// closeInput ends capture so workers can drain; release frees whatever
	// is left once workers are done or the drain timed out.
	closeInput func() error
	release    func() error
}

func newSession() *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{ctx: ctx, cancel: cancel}
}

func (s *session) goroutine(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// shutdown lets workers finish for up to drain, then cancels whatever is
// still in flight. Resources are released even when a step fails.
func (s *session) shutdown(drain time.Duration) error {
	s.stopping.Store(true)
	var errs []error
	if s.closeInput != nil {
		if err := s.closeInput(); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if drain > 0 {
		select {
		case <-done:
		case <-time.After(drain):
		}
	}
	s.cancel()
	if s.release != nil {
		if err := s.release(); err != nil {
			errs = append(errs, err)
		}
	}
	<-done
	return errors.Join(errs...)
}

// lifecycle serializes Start and Stop for one adapter and tracks its
// current session.
type lifecycle struct {
	mu        sync.Mutex
	current   *session
	listening atomic.Bool
	drain     time.Duration
	logger    *slog.Logger
}

func (l *lifecycle) IsListening() bool { return l.listening.Load() }

// activate must be called with l.mu held.
func (l *lifecycle) activate(s *session) {
	l.current = s
	l.listening.Store(true)
}

func (l *lifecycle) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.current
	if s == nil {
		return nil
	}
	l.current = nil
	l.listening.Store(false)
	return s.shutdown(l.drain)
}

// fail tears the session down from one of its own workers and reports err
// once teardown is complete. It is a no-op if the session already ended.
func (l *lifecycle) fail(s *session, err error, listener Listener) {
	if s.stopping.Load() {
		return
	}
	go func() {
		l.mu.Lock()
		if l.current != s {
			l.mu.Unlock()
			l.logger.Debug("ignoring failure of finished session", slogError(err))
			return
		}
		l.current = nil
		l.listening.Store(false)
		if shutdownErr := s.shutdown(l.drain); shutdownErr != nil {
			l.logger.Warn("teardown after failure", slogError(shutdownErr))
		}
		l.mu.Unlock()
		l.logger.Error("backend stopped unexpectedly", slogError(err))
		listener.OnError(err)
	}()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
