package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type mockGenerator struct {
	delay time.Duration
}

// NewMockGenerator answers with a canned acknowledgement, one word per
// chunk, so the streaming path can be exercised offline.
func NewMockGenerator() Generator { return &mockGenerator{delay: 5 * time.Millisecond} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	start := time.Now()
	words := len(strings.Fields(req.Prompt))
	reply := strings.Fields(fmt.Sprintf("[mock consultation] received %d words of transcript.", words))

	for i, word := range reply {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		content := word
		if i < len(reply)-1 {
			content += " "
		}
		if err := consumer(Chunk{
			SessionID:        req.SessionID,
			Content:          content,
			Partial:          true,
			CompletionTokens: i + 1,
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		}); err != nil {
			return err
		}
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		PromptTokens:     words,
		CompletionTokens: len(reply),
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}
