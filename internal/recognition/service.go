package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-consult/internal/bus"
	"github.com/loqalabs/loqa-consult/internal/config"
	"github.com/loqalabs/loqa-consult/internal/eventstore"
	"github.com/loqalabs/loqa-consult/internal/llm"
	"github.com/loqalabs/loqa-consult/internal/protocol"
	"github.com/loqalabs/loqa-consult/internal/stt"
)

var (
	// ErrEmptyTranscript is returned by Consult when nothing was recognized yet.
	ErrEmptyTranscript = errors.New("transcript is empty")
	ErrNoChatBackend   = errors.New("no chat backend configured")
)

// FeedMessage is pushed to live subscribers such as the websocket feed.
type FeedMessage struct {
	Type       string `json:"type"` // transcript, duration, status, error
	SessionID  string `json:"session_id,omitempty"`
	Backend    string `json:"backend,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Display    string `json:"display,omitempty"`
	Final      bool   `json:"final,omitempty"`
	ElapsedMS  int64  `json:"elapsed_ms,omitempty"`
	Event      string `json:"event,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Status is a point-in-time view of the recognition session.
type Status struct {
	SessionID  string `json:"session_id"`
	API        string `json:"api"`
	Active     string `json:"active"`
	Language   string `json:"language"`
	Listening  bool   `json:"listening"`
	DurationMS int64  `json:"duration_ms"`
	Transcript string `json:"transcript"`
}

type ServiceOptions struct {
	Config    config.Config
	Factory   Factory
	Bus       *bus.Client
	Store     *eventstore.Store
	Generator llm.Generator
	Metrics   *Metrics
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Service wraps the Orchestrator with capture-session identity, bus
// publication, the session journal and the live feed.
type Service struct {
	cfg       config.Config
	bus       *bus.Client
	store     *eventstore.Store
	generator llm.Generator
	metrics   *Metrics
	logger    *slog.Logger
	orch      *Orchestrator

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	sessionID string

	subsMu  sync.Mutex
	subs    map[int]chan FeedMessage
	nextSub int
}

func NewService(parent context.Context, opts ServiceOptions) (*Service, error) {
	sel, err := stt.ParseSelection(opts.Config.STT.Backend)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:       opts.Config,
		bus:       opts.Bus,
		store:     opts.Store,
		generator: opts.Generator,
		metrics:   opts.Metrics,
		logger:    logger.With(slog.String("component", "recognition-service")),
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[int]chan FeedMessage),
	}
	s.orch = NewOrchestrator(Options{
		Factory:   opts.Factory,
		Selection: sel,
		Language:  opts.Config.STT.Language,
		Fallback:  opts.Config.STT.Fallback,
		Logger:    logger,
		Clock:     opts.Clock,
		Events: Events{
			OnTranscript:         s.handleTranscript,
			OnTranscriptionError: s.handleTranscriptionError,
			OnStopped:            s.handleStopped,
			OnDuration:           s.handleDuration,
		},
	})
	s.metrics.observeListening(s.orch.IsListening)
	return s, nil
}

func (s *Service) Orchestrator() *Orchestrator { return s.orch }

// Start begins listening. A fresh start, or the first one, opens a new
// capture session with an empty transcript; otherwise the transcript keeps
// accumulating.
func (s *Service) Start(ctx context.Context, fresh bool) (StartResult, error) {
	sessionID := s.SessionID()
	if fresh || sessionID == "" {
		sessionID = uuid.NewString()
		s.orch.ResetTranscript()
		s.mu.Lock()
		s.sessionID = sessionID
		s.mu.Unlock()
		if err := s.store.BeginSession(ctx, sessionID, string(s.orch.API()), s.orch.Language()); err != nil {
			s.logger.Warn("journal session", slogError(err))
		}
	}

	result, err := s.orch.Start(ctx)
	if err != nil {
		s.journal(protocol.EventFailed, map[string]string{"error": err.Error()})
		s.publishStatus(protocol.EventFailed, err)
		return result, err
	}
	if result.FellBack {
		s.metrics.fallback(ctx, result.Requested)
		s.journal(protocol.EventFellBack, map[string]string{
			"requested": string(result.Requested),
			"cause":     result.Cause.Error(),
		})
		s.publishStatus(protocol.EventFellBack, result.Cause)
		return result, nil
	}
	s.journal(protocol.EventStarted, nil)
	s.publishStatus(protocol.EventStarted, nil)
	return result, nil
}

func (s *Service) Stop() error {
	err := s.orch.Stop()
	s.journal(protocol.EventStopped, map[string]int64{"elapsed_ms": s.orch.Duration().Milliseconds()})
	s.publishStatus(protocol.EventStopped, err)
	return err
}

func (s *Service) ForceFinalize() error {
	err := s.orch.ForceFinalize()
	s.journal(protocol.EventFinalized, nil)
	s.publishStatus(protocol.EventFinalized, err)
	return err
}

func (s *Service) ChangeAPI(name string) error {
	sel, err := stt.ParseSelection(name)
	if err != nil {
		return err
	}
	previous := s.orch.API()
	if err := s.orch.ChangeAPI(sel); err != nil {
		s.publishStatus(protocol.EventBackendChanged, err)
		return err
	}
	s.journal(protocol.EventBackendChanged, map[string]string{"from": string(previous), "to": string(sel)})
	s.publishStatus(protocol.EventBackendChanged, nil)
	return nil
}

func (s *Service) UpdateLanguage(code string) error {
	if code == "" {
		return errors.New("language must not be empty")
	}
	err := s.orch.UpdateLanguage(code)
	s.journal(protocol.EventLanguageChanged, map[string]string{"language": code})
	s.publishStatus(protocol.EventLanguageChanged, err)
	return err
}

// Reset clears the transcript; the next Start opens a new session.
func (s *Service) Reset() {
	s.orch.ResetTranscript()
	s.journal(protocol.EventReset, nil)
	s.mu.Lock()
	s.sessionID = ""
	s.mu.Unlock()
	s.publishStatus(protocol.EventReset, nil)
}

func (s *Service) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

func (s *Service) Status() Status {
	return Status{
		SessionID:  s.SessionID(),
		API:        string(s.orch.API()),
		Active:     string(s.orch.Active()),
		Language:   s.orch.Language(),
		Listening:  s.orch.IsListening(),
		DurationMS: s.orch.Duration().Milliseconds(),
		Transcript: s.orch.Transcript(),
	}
}

// Consult sends the accumulated transcript to the chat backend. prompt
// overrides the configured consultation framing when set.
func (s *Service) Consult(ctx context.Context, prompt string, consumer func(llm.Chunk) error) error {
	if s.generator == nil {
		return ErrNoChatBackend
	}
	text := s.orch.Transcript()
	if text == "" {
		return ErrEmptyTranscript
	}
	req := llm.OptionsFromConfig(s.cfg.LLM)
	req.SessionID = s.SessionID()
	req.Prompt = text
	if prompt != "" {
		req.System = prompt
	}
	return s.generator.Generate(ctx, req, consumer)
}

// Subscribe registers a live feed. Slow subscribers miss messages rather
// than stall recognition.
func (s *Service) Subscribe(buffer int) (<-chan FeedMessage, func()) {
	ch := make(chan FeedMessage, buffer)
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

func (s *Service) broadcast(msg FeedMessage) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- msg:
		default:
			s.logger.Debug("dropping feed message for slow subscriber", slog.Int("subscriber", id))
		}
	}
}

// Close stops capture and detaches every subscriber.
func (s *Service) Close() {
	if err := s.orch.Stop(); err != nil {
		s.logger.Warn("stop recognition on close", slogError(err))
	}
	s.cancel()
	s.subsMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subsMu.Unlock()
}

func (s *Service) Healthy() bool {
	return s.ctx.Err() == nil
}

func (s *Service) handleTranscript(u Update) {
	sessionID := s.SessionID()
	if u.Segment.Final {
		s.metrics.utterance(s.ctx, u.Backend)
	}
	s.broadcast(FeedMessage{
		Type:       "transcript",
		SessionID:  sessionID,
		Backend:    string(u.Backend),
		Transcript: u.Transcript,
		Display:    u.Display,
		Final:      u.Segment.Final,
	})
	if s.bus == nil {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if u.Segment.Final {
		subject = protocol.SubjectTranscriptFinal
	}
	if err := s.bus.PublishJSON(subject, protocol.Transcript{
		SessionID: sessionID,
		Backend:   string(u.Backend),
		Segment:   u.Segment.Text,
		Text:      u.Transcript,
		Partial:   !u.Segment.Final,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("publish transcript", slogError(err))
	}
}

func (s *Service) handleTranscriptionError(backend stt.Selection, err error) {
	s.metrics.failure(s.ctx, backend)
	s.broadcast(FeedMessage{Type: "error", SessionID: s.SessionID(), Backend: string(backend), Error: err.Error()})
}

func (s *Service) handleStopped(backend stt.Selection, err error) {
	s.journal(protocol.EventFailed, map[string]string{"backend": string(backend), "error": err.Error()})
	s.publishStatus(protocol.EventFailed, err)
}

func (s *Service) handleDuration(d time.Duration) {
	s.broadcast(FeedMessage{Type: "duration", SessionID: s.SessionID(), ElapsedMS: d.Milliseconds()})
}

// journal records a lifecycle event. Payloads never carry transcript text.
func (s *Service) journal(event string, details any) {
	sessionID := s.SessionID()
	if sessionID == "" {
		return
	}
	var payload []byte
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			s.logger.Warn("encode journal payload", slogError(err))
		}
		payload = data
	}
	if err := s.store.AppendEvent(s.ctx, eventstore.Event{
		SessionID: sessionID,
		Backend:   string(s.orch.Active()),
		Type:      event,
		Payload:   payload,
	}); err != nil {
		s.logger.Warn("journal event", slog.String("event", event), slogError(err))
	}
}

func (s *Service) publishStatus(event string, cause error) {
	status := protocol.RecognitionStatus{
		SessionID: s.SessionID(),
		Event:     event,
		Requested: string(s.orch.API()),
		Active:    string(s.orch.Active()),
		Language:  s.orch.Language(),
		Listening: s.orch.IsListening(),
		FellBack:  s.orch.Active() != s.orch.API(),
		ElapsedMS: s.orch.Duration().Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		status.Error = cause.Error()
	}
	s.broadcast(FeedMessage{
		Type:      "status",
		SessionID: status.SessionID,
		Backend:   status.Active,
		Event:     event,
		ElapsedMS: status.ElapsedMS,
		Error:     status.Error,
	})
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishJSON(protocol.SubjectRecognitionStatus, status); err != nil {
		s.logger.Warn("publish status", slogError(err))
	}
}

// String renders a StartResult for logs and API responses.
func (r StartResult) String() string {
	if r.FellBack {
		return fmt.Sprintf("%s (fell back from %s: %v)", r.Active, r.Requested, r.Cause)
	}
	return string(r.Active)
}
