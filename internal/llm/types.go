// Package llm forwards consultation transcripts to a chat-completion
// backend and streams the answer back in chunks.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-consult/internal/config"
)

// Request is one consultation prompt. Prompt carries the transcript and
// System the assistant framing.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk is a piece of streamed model output. The last chunk of a
// response has Partial unset.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator is a pluggable chat backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig fills a request with the configured defaults.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{
		System:      cfg.Prompt,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}

// NewGenerator selects the backend named by cfg.Mode.
func NewGenerator(cfg config.LLMConfig, client *http.Client) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "proxy":
		return NewProxyGenerator(cfg.Endpoint, cfg.Stream, client), nil
	case "openai":
		return NewOpenAIGenerator(cfg, client), nil
	}
	return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
}
