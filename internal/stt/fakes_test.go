package stt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-consult/internal/audio"
)

type fakeSource struct {
	mu      sync.Mutex
	openErr error
	streams []*fakeStream
	active  int
	maxOpen int
}

func (s *fakeSource) Open(ctx context.Context, format audio.Format) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	st := &fakeStream{frames: make(chan []float32, 1024), source: s}
	s.streams = append(s.streams, st)
	s.active++
	if s.active > s.maxOpen {
		s.maxOpen = s.active
	}
	return st, nil
}

func (s *fakeSource) last() *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

func (s *fakeSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

type fakeStream struct {
	source *fakeSource
	frames chan []float32

	mu     sync.Mutex
	closed bool
	err    error
}

func (f *fakeStream) push(frames ...[]float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, fr := range frames {
		f.frames <- fr
	}
}

// breakDevice simulates the device disappearing mid-capture.
func (f *fakeStream) breakDevice(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	_ = f.Close()
}

func (f *fakeStream) Frames() <-chan []float32 { return f.frames }

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.frames)
	f.mu.Unlock()

	f.source.mu.Lock()
	f.source.active--
	f.source.mu.Unlock()
	return nil
}

type recordingListener struct {
	mu       sync.Mutex
	segments []Segment
	failures []error
	errs     []error
}

func (l *recordingListener) OnSegment(seg Segment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.segments = append(l.segments, seg)
}

func (l *recordingListener) OnTranscriptionError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, err)
}

func (l *recordingListener) OnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recordingListener) snapshot() ([]Segment, []error, []error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Segment(nil), l.segments...), append([]error(nil), l.failures...), append([]error(nil), l.errs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const (
	testRate      = 16000
	testFrameSize = 1600 // 100ms
)

var testFormat = audio.Format{SampleRate: testRate, BufferSize: testFrameSize}

func constantFrame(v float32) []float32 {
	f := make([]float32, testFrameSize)
	for i := range f {
		f[i] = v
	}
	return f
}

func loud(n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = constantFrame(0.2)
	}
	return out
}

func silent(n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = constantFrame(0)
	}
	return out
}

var errDeviceGone = errors.New("device unplugged")
