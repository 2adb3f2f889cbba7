package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-consult/internal/bus"
	"github.com/loqalabs/loqa-consult/internal/config"
	"github.com/loqalabs/loqa-consult/internal/protocol"
)

const requestTimeout = 60 * time.Second

// Service answers llm.request messages on the bus. Chunks are published
// on llm.response.partial and llm.response.final; a request that carries
// a reply subject also receives the final chunk there.
type Service struct {
	cfg       config.LLMConfig
	bus       *bus.Client
	generator Generator
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ready     bool
	logger    *slog.Logger
}

func NewService(parent context.Context, cfg config.LLMConfig, busClient *bus.Client, generator Generator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "llm-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled || s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectLLMRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe llm requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.bus == nil || s.ready
}

// Generate runs a consultation against the configured generator, applying
// the configured defaults to fields the caller left empty.
func (s *Service) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	defaults := OptionsFromConfig(s.cfg)
	if req.System == "" {
		req.System = defaults.System
	}
	req.MaxTokens = coalesceInt(req.MaxTokens, defaults.MaxTokens)
	if req.Temperature == 0 {
		req.Temperature = defaults.Temperature
	}
	return s.generator.Generate(ctx, req, consumer)
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.LLMRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode llm request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()

		start := time.Now()
		err := s.Generate(ctx, Request{
			SessionID:   req.SessionID,
			Prompt:      req.Text,
			System:      req.Prompt,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			TraceID:     req.TraceID,
		}, func(chunk Chunk) error {
			return s.publishChunk(chunk, msg.Reply)
		})
		if err != nil {
			s.logger.Warn("llm generation failed", slog.String("session_id", req.SessionID), slogError(err))
			s.publishFailure(req, msg.Reply, err)
			return
		}
		s.logger.Info("llm generation complete",
			slog.String("session_id", req.SessionID),
			slog.Duration("latency", time.Since(start)))
	}()
}

func (s *Service) publishChunk(chunk Chunk, reply string) error {
	if chunk.Partial && chunk.Content == "" {
		return nil
	}
	msg := protocol.LLMResponse{
		SessionID:        chunk.SessionID,
		Content:          chunk.Content,
		Partial:          chunk.Partial,
		TraceID:          chunk.TraceID,
		PromptTokens:     chunk.PromptTokens,
		CompletionTokens: chunk.CompletionTokens,
		LatencyMS:        chunk.Latency.Milliseconds(),
		Timestamp:        time.Now().UTC(),
	}
	subject := protocol.SubjectLLMResponsePartial
	if !chunk.Partial {
		subject = protocol.SubjectLLMResponseFinal
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.logger.Warn("failed to publish llm chunk", slogError(err))
		return err
	}
	if !chunk.Partial && reply != "" {
		return s.bus.PublishJSON(reply, msg)
	}
	return nil
}

func (s *Service) publishFailure(req protocol.LLMRequest, reply string, cause error) {
	msg := protocol.LLMResponse{
		SessionID: req.SessionID,
		TraceID:   req.TraceID,
		Error:     cause.Error(),
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectLLMResponseFinal, msg); err != nil {
		s.logger.Warn("failed to publish llm failure", slogError(err))
	}
	if reply != "" {
		_ = s.bus.PublishJSON(reply, msg)
	}
}

func coalesceInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
