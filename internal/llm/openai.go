package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loqalabs/loqa-consult/internal/config"
)

// OpenAIGenerator calls an OpenAI compatible chat completion API directly.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
	stream bool
}

func NewOpenAIGenerator(cfg config.LLMConfig, httpClient *http.Client) *OpenAIGenerator {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		oc.BaseURL = cfg.Endpoint
	}
	if httpClient != nil {
		oc.HTTPClient = httpClient
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIGenerator{client: openai.NewClientWithConfig(oc), model: model, stream: cfg.Stream}
}

func (g *OpenAIGenerator) request(req Request) openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})
	return openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Stream:      g.stream,
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	start := time.Now()
	if !g.stream {
		resp, err := g.client.CreateChatCompletion(ctx, g.request(req))
		if err != nil {
			return fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return errors.New("chat completion returned no choices")
		}
		return consumer(Chunk{
			SessionID:        req.SessionID,
			Content:          resp.Choices[0].Message.Content,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		})
	}

	stream, err := g.client.CreateChatCompletionStream(ctx, g.request(req))
	if err != nil {
		return fmt.Errorf("chat completion stream: %w", err)
	}
	defer stream.Close()

	chunks := 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return consumer(Chunk{
				SessionID:        req.SessionID,
				CompletionTokens: chunks,
				Latency:          time.Since(start),
				TraceID:          req.TraceID,
			})
		}
		if err != nil {
			return fmt.Errorf("receive completion chunk: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		chunks++
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   resp.Choices[0].Delta.Content,
			Partial:   true,
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
}
