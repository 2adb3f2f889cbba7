package recognition

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/loqalabs/loqa-consult/internal/config"
	"github.com/loqalabs/loqa-consult/internal/stt"
)

type nopListener struct{}

func (nopListener) OnSegment(stt.Segment)      {}
func (nopListener) OnTranscriptionError(error) {}
func (nopListener) OnError(error)              {}

func TestAdapterFactoryBuildsEveryBackend(t *testing.T) {
	f := NewAdapterFactory(config.Default(), nil, nil, nil, newLogger())

	for _, sel := range stt.Selections {
		adapter, err := f.New(sel, "en-US", nopListener{})
		if err != nil {
			t.Fatalf("%s: %v", sel, err)
		}
		switch {
		case sel == stt.Native:
			if _, ok := adapter.(*stt.NativeAdapter); !ok {
				t.Fatalf("native: got %T", adapter)
			}
		case sel == stt.AssemblyAIRealtime:
			if _, ok := adapter.(*stt.RealtimeAdapter); !ok {
				t.Fatalf("realtime: got %T", adapter)
			}
			if _, ok := adapter.(stt.LanguageUpdater); ok {
				t.Fatal("realtime adapter must be rebuilt for a new language")
			}
		case sel.Buffered():
			if _, ok := adapter.(*stt.BufferedAdapter); !ok {
				t.Fatalf("%s: got %T", sel, adapter)
			}
		}
		if adapter.IsListening() {
			t.Fatalf("%s: new adapter must be idle", sel)
		}
	}

	if _, err := f.New("carrier-pigeon", "en-US", nopListener{}); !errors.Is(err, stt.ErrUnknownBackend) {
		t.Fatalf("expected unknown backend error, got %v", err)
	}
}

func TestNativeWithoutEngineIsUnsupported(t *testing.T) {
	f := NewAdapterFactory(config.Default(), nil, nil, nil, newLogger())
	adapter, err := f.New(stt.Native, "en-US", nopListener{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := adapter.Start(context.Background()); !errors.Is(err, stt.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestMetricsRecordUploads(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(previous)
		_ = provider.Shutdown(context.Background())
	})

	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.observeListening(func() bool { return true })

	ctx := context.Background()
	m.utterance(ctx, stt.Whisper)
	m.utterance(ctx, stt.Whisper)
	m.fallback(ctx, stt.Google)

	provider500 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer provider500.Close()
	driver := m.instrument(stt.NewGoogleDriver(config.BatchProviderConfig{Endpoint: provider500.URL}, provider500.Client()))
	if _, err := driver.Transcribe(ctx, stt.Request{WAV: []byte("RIFF"), Language: "en-US", SampleRate: 16000}); err == nil {
		t.Fatal("expected provider error")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	found := map[string]bool{}
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			found[metric.Name] = true
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				if metric.Name == "loqa.stt.utterances" && data.DataPoints[0].Value != 2 {
					t.Fatalf("expected 2 utterances, got %d", data.DataPoints[0].Value)
				}
			case metricdata.Gauge[int64]:
				if metric.Name == "loqa.stt.listening" && data.DataPoints[0].Value != 1 {
					t.Fatalf("expected listening gauge 1, got %d", data.DataPoints[0].Value)
				}
			case metricdata.Histogram[float64]:
				if metric.Name == "loqa.stt.transcription.latency" && data.DataPoints[0].Count != 1 {
					t.Fatalf("expected one latency sample, got %d", data.DataPoints[0].Count)
				}
			}
		}
	}
	for _, name := range []string{"loqa.stt.utterances", "loqa.stt.fallbacks", "loqa.stt.listening", "loqa.stt.transcription.latency"} {
		if !found[name] {
			t.Fatalf("metric %s not collected", name)
		}
	}
}

func TestNilMetricsAreInert(t *testing.T) {
	var m *Metrics
	m.utterance(context.Background(), stt.Native)
	m.observeListening(func() bool { return true })
	d := stt.NewGoogleDriver(config.BatchProviderConfig{}, nil)
	if got := m.instrument(d); got != stt.Driver(d) {
		t.Fatal("nil metrics must not wrap drivers")
	}
}
