package recognition

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-consult/internal/stt"
)

const instrumentationName = "github.com/loqalabs/loqa-consult/internal/recognition"

// Metrics holds the recognition instruments. They are registered against
// the global providers, so the runtime must install those first.
type Metrics struct {
	tracer     trace.Tracer
	utterances metric.Int64Counter
	failures   metric.Int64Counter
	fallbacks  metric.Int64Counter
	latency    metric.Float64Histogram
	listening  atomic.Pointer[func() bool]
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{tracer: otel.Tracer(instrumentationName)}

	var err error
	if m.utterances, err = meter.Int64Counter("loqa.stt.utterances",
		metric.WithDescription("Finalized transcript segments")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("loqa.stt.transcription.failures",
		metric.WithDescription("Failed utterance uploads")); err != nil {
		return nil, err
	}
	if m.fallbacks, err = meter.Int64Counter("loqa.stt.fallbacks",
		metric.WithDescription("Starts that fell back to native recognition")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("loqa.stt.transcription.latency",
		metric.WithDescription("Utterance upload round trip"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if _, err = meter.Int64ObservableGauge("loqa.stt.listening",
		metric.WithDescription("1 while the microphone is captured"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if probe := m.listening.Load(); probe != nil && (*probe)() {
				o.Observe(1)
			} else {
				o.Observe(0)
			}
			return nil
		})); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) observeListening(probe func() bool) {
	if m != nil {
		m.listening.Store(&probe)
	}
}

func backendAttr(sel stt.Selection) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("backend", string(sel)))
}

func (m *Metrics) utterance(ctx context.Context, sel stt.Selection) {
	if m != nil {
		m.utterances.Add(ctx, 1, backendAttr(sel))
	}
}

func (m *Metrics) failure(ctx context.Context, sel stt.Selection) {
	if m != nil {
		m.failures.Add(ctx, 1, backendAttr(sel))
	}
}

func (m *Metrics) fallback(ctx context.Context, sel stt.Selection) {
	if m != nil {
		m.fallbacks.Add(ctx, 1, backendAttr(sel))
	}
}

// instrument wraps a driver with a span and latency measurement per upload.
func (m *Metrics) instrument(d stt.Driver) stt.Driver {
	if m == nil {
		return d
	}
	return &instrumentedDriver{Driver: d, metrics: m}
}

type instrumentedDriver struct {
	stt.Driver
	metrics *Metrics
}

func (d *instrumentedDriver) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	ctx, span := d.metrics.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.String("provider", d.Name()),
		attribute.Int("wav_bytes", len(req.WAV)),
	))
	defer span.End()

	start := time.Now()
	text, err := d.Driver.Transcribe(ctx, req)
	d.metrics.latency.Record(ctx, float64(time.Since(start).Milliseconds()), backendAttr(stt.Selection(d.Name())))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return text, nil
}
