package recognition

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-consult/internal/audio"
	"github.com/loqalabs/loqa-consult/internal/config"
	"github.com/loqalabs/loqa-consult/internal/stt"
)

// AdapterFactory builds adapters from configuration. Every adapter shares
// the same microphone source, so only one may be started at a time.
type AdapterFactory struct {
	cfg     config.STTConfig
	format  audio.Format
	source  audio.Source
	engine  stt.NativeEngine
	client  *http.Client
	metrics *Metrics
	logger  *slog.Logger
}

func NewAdapterFactory(cfg config.Config, source audio.Source, engine stt.NativeEngine, metrics *Metrics, logger *slog.Logger) *AdapterFactory {
	return &AdapterFactory{
		cfg: cfg.STT,
		format: audio.Format{
			SampleRate: cfg.Capture.SampleRate,
			BufferSize: cfg.Capture.BufferSize,
			Device:     cfg.Capture.Device,
		},
		source:  source,
		engine:  engine,
		client:  &http.Client{},
		metrics: metrics,
		logger:  logger.With(slog.String("component", "stt")),
	}
}

func (f *AdapterFactory) New(sel stt.Selection, language string, listener stt.Listener) (stt.Adapter, error) {
	stopTimeout := time.Duration(f.cfg.StopTimeoutMS) * time.Millisecond

	switch sel {
	case stt.Native:
		return stt.NewNativeAdapter(stt.NativeOptions{
			Source:      f.source,
			Format:      f.format,
			Engine:      f.engine,
			Language:    language,
			StopTimeout: stopTimeout,
			Listener:    listener,
			Logger:      f.logger,
		}), nil
	case stt.AssemblyAIRealtime:
		return stt.NewRealtimeAdapter(stt.RealtimeOptions{
			Source:      f.source,
			Format:      f.format,
			Config:      f.cfg.Realtime,
			StopTimeout: stopTimeout,
			HTTPClient:  f.client,
			Listener:    listener,
			Logger:      f.logger,
		}), nil
	}
	if !sel.Buffered() {
		return nil, fmt.Errorf("%w %q", stt.ErrUnknownBackend, sel)
	}

	provider, driver, err := f.driver(sel)
	if err != nil {
		return nil, err
	}
	return stt.NewBufferedAdapter(stt.BufferedOptions{
		Source: f.source,
		Format: f.format,
		Driver: f.metrics.instrument(driver),
		Tuning: stt.Tuning{
			NoiseThreshold: provider.NoiseThreshold,
			SilenceHoldoff: time.Duration(provider.SilenceMS) * time.Millisecond,
			MaxBuffer:      time.Duration(provider.MaxBufferMS) * time.Millisecond,
		},
		Language:       language,
		RequestTimeout: time.Duration(provider.TimeoutMS) * time.Millisecond,
		StopTimeout:    stopTimeout,
		Listener:       listener,
		Logger:         f.logger,
	}), nil
}

func (f *AdapterFactory) driver(sel stt.Selection) (config.BatchProviderConfig, stt.Driver, error) {
	switch sel {
	case stt.AssemblyAI:
		return f.cfg.AssemblyAI, stt.NewAssemblyAIDriver(f.cfg.AssemblyAI, f.client), nil
	case stt.AssemblyAINano:
		return f.cfg.AssemblyAINano, stt.NewAssemblyAINanoDriver(f.cfg.AssemblyAINano, f.client), nil
	case stt.Whisper:
		return f.cfg.Whisper, stt.NewWhisperDriver(f.cfg.Whisper, f.client), nil
	case stt.Google:
		return f.cfg.Google, stt.NewGoogleDriver(f.cfg.Google, f.client), nil
	}
	return config.BatchProviderConfig{}, nil, fmt.Errorf("%w %q", stt.ErrUnknownBackend, sel)
}
