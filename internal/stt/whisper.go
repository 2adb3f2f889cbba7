package stt

import (
	"bytes"
	"context"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loqalabs/loqa-consult/internal/config"
)

// WhisperDriver uploads utterances to an OpenAI compatible transcription
// endpoint.
type WhisperDriver struct {
	client *openai.Client
	model  string
}

func NewWhisperDriver(cfg config.BatchProviderConfig, httpClient *http.Client) *WhisperDriver {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		oc.BaseURL = cfg.Endpoint
	}
	if httpClient != nil {
		oc.HTTPClient = httpClient
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperDriver{client: openai.NewClientWithConfig(oc), model: model}
}

func (d *WhisperDriver) Name() string { return string(Whisper) }

func (d *WhisperDriver) Transcribe(ctx context.Context, req Request) (string, error) {
	resp, err := d.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    d.model,
		Reader:   bytes.NewReader(req.WAV),
		FilePath: "utterance.wav",
		Language: BaseLanguage(req.Language),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}
