package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProxyGenerator talks to the chat proxy endpoint. The request body is
// {"text", "prompt", "stream"}; streamed answers arrive as server-sent
// events carrying {"content"} and end with [DONE], buffered answers as
// {"result"}.
type ProxyGenerator struct {
	endpoint string
	stream   bool
	client   *http.Client
}

type proxyRequest struct {
	Text        string  `json:"text"`
	Prompt      string  `json:"prompt,omitempty"`
	Stream      bool    `json:"stream"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type proxyEvent struct {
	Content string `json:"content"`
	Error   string `json:"error"`
}

const sseDone = "[DONE]"

func NewProxyGenerator(endpoint string, stream bool, client *http.Client) *ProxyGenerator {
	if client == nil {
		client = http.DefaultClient
	}
	return &ProxyGenerator{endpoint: endpoint, stream: stream, client: client}
}

func (g *ProxyGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	body, err := json.Marshal(proxyRequest{
		Text:        req.Prompt,
		Prompt:      req.System,
		Stream:      g.stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post chat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("chat proxy returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return g.readEvents(ctx, resp.Body, req, start, consumer)
	}

	var result struct {
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode chat response: %w", err)
	}
	if result.Error != "" {
		return fmt.Errorf("chat proxy: %s", result.Error)
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   result.Result,
		Latency:   time.Since(start),
		TraceID:   req.TraceID,
	})
}

func (g *ProxyGenerator) readEvents(ctx context.Context, body io.Reader, req Request, start time.Time, consumer func(Chunk) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	chunks := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == sseDone {
			return consumer(Chunk{
				SessionID:        req.SessionID,
				CompletionTokens: chunks,
				Latency:          time.Since(start),
				TraceID:          req.TraceID,
			})
		}
		var evt proxyEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return fmt.Errorf("decode chat event: %w", err)
		}
		if evt.Error != "" {
			return fmt.Errorf("chat proxy: %s", evt.Error)
		}
		if evt.Content == "" {
			continue
		}
		chunks++
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   evt.Content,
			Partial:   true,
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read chat stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}
