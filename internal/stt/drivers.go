package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-consult/internal/config"
)

// Request is one utterance ready for upload.
type Request struct {
	WAV        []byte
	Language   string
	SampleRate int
}

// Driver transcribes a single WAV utterance.
type Driver interface {
	Name() string
	Transcribe(ctx context.Context, req Request) (string, error)
}

// FormDriver posts the utterance as multipart form data and expects a
// JSON body carrying a text field.
type FormDriver struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
	fields   func(req Request) map[string]string
}

const maxErrorBody = 4 << 10

func NewAssemblyAIDriver(cfg config.BatchProviderConfig, client *http.Client) *FormDriver {
	return newFormDriver(string(AssemblyAI), cfg, client, func(req Request) map[string]string {
		return map[string]string{"language_code": AssemblyAILanguage(req.Language)}
	})
}

// NewAssemblyAINanoDriver targets the same endpoint with the low-cost model.
func NewAssemblyAINanoDriver(cfg config.BatchProviderConfig, client *http.Client) *FormDriver {
	model := cfg.Model
	if model == "" {
		model = "nano"
	}
	return newFormDriver(string(AssemblyAINano), cfg, client, func(req Request) map[string]string {
		return map[string]string{
			"language_code": AssemblyAILanguage(req.Language),
			"speech_model":  model,
		}
	})
}

func NewGoogleDriver(cfg config.BatchProviderConfig, client *http.Client) *FormDriver {
	return newFormDriver(string(Google), cfg, client, func(req Request) map[string]string {
		return map[string]string{
			"languageCode":    req.Language,
			"sampleRateHertz": strconv.Itoa(req.SampleRate),
			"encoding":        "LINEAR16",
		}
	})
}

func newFormDriver(name string, cfg config.BatchProviderConfig, client *http.Client, fields func(Request) map[string]string) *FormDriver {
	if client == nil {
		client = http.DefaultClient
	}
	return &FormDriver{
		name:     name,
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   client,
		fields:   fields,
	}
}

func (d *FormDriver) Name() string { return d.name }

func (d *FormDriver) Transcribe(ctx context.Context, req Request) (string, error) {
	body, contentType, err := d.encode(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	if d.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("post utterance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.Error != "" {
		return "", errors.New(result.Error)
	}
	return result.Text, nil
}

func (d *FormDriver) encode(req Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("audio", "utterance.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(req.WAV); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	for k, v := range d.fields(req) {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// AssemblyAILanguage converts a BCP-47 tag such as en-US into en_us.
func AssemblyAILanguage(code string) string {
	return strings.ToLower(strings.ReplaceAll(code, "-", "_"))
}

// BaseLanguage returns the primary subtag of a BCP-47 tag.
func BaseLanguage(code string) string {
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	return strings.ToLower(code)
}
