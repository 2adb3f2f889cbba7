package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-consult/internal/audio"
	"github.com/loqalabs/loqa-consult/internal/bus"
	"github.com/loqalabs/loqa-consult/internal/config"
	"github.com/loqalabs/loqa-consult/internal/eventstore"
	"github.com/loqalabs/loqa-consult/internal/llm"
	"github.com/loqalabs/loqa-consult/internal/natsserver"
	"github.com/loqalabs/loqa-consult/internal/recognition"
	"github.com/loqalabs/loqa-consult/internal/stt"
)

const pruneInterval = time.Hour

// Runtime boots the consultation service: telemetry, the optional
// embedded broker, the bus, the session journal, the chat bridge, the
// recognition service and the HTTP control API.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	source audio.Source
	engine stt.NativeEngine

	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     *telemetry
	embedded      *natsserver.EmbeddedServer
	bus           *bus.Client
	store         *eventstore.Store
	llm           *llm.Service
	recognition   *recognition.Service

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger, source audio.Source, engine stt.NativeEngine) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		source: source,
		engine: engine,
	}
}

// Start runs until ctx is cancelled, then shuts every component down in
// reverse boot order.
func (r *Runtime) Start(ctx context.Context) error {
	defer r.shutdown()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.boot(ctx); err != nil {
		return err
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.httpServer.Addr),
		slog.String("stt_backend", r.cfg.STT.Backend),
		slog.String("language", r.cfg.STT.Language),
	)

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return nil
}

func (r *Runtime) boot(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	busCfg := r.cfg.Bus
	r.embedded, err = natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if r.embedded != nil {
		busCfg.Servers = []string{r.embedded.ClientURL()}
	}
	if busCfg.Enabled {
		r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
		if err != nil {
			return err
		}
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.wg.Add(1)
	go r.pruneLoop(ctx)

	var generator llm.Generator
	if r.cfg.LLM.Enabled {
		backend, err := llm.NewGenerator(r.cfg.LLM, &http.Client{Timeout: 2 * time.Minute})
		if err != nil {
			return err
		}
		r.llm = llm.NewService(ctx, r.cfg.LLM, r.bus, backend, r.logger)
		if err := r.llm.Start(); err != nil {
			return err
		}
		generator = r.llm
	}

	metrics, err := recognition.NewMetrics()
	if err != nil {
		return fmt.Errorf("register stt metrics: %w", err)
	}
	factory := recognition.NewAdapterFactory(r.cfg, r.source, r.engine, metrics, r.logger)
	r.recognition, err = recognition.NewService(ctx, recognition.ServiceOptions{
		Config:    r.cfg,
		Factory:   factory,
		Bus:       r.bus,
		Store:     r.store,
		Generator: generator,
		Metrics:   metrics,
		Logger:    r.logger,
	})
	if err != nil {
		return err
	}

	handler := newAPI(r.recognition, r.store, r.Ready, r.logger).routes(tel.metrics)
	r.httpServer = r.serve(fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port), handler)
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && tel.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.metrics)
		r.metricsServer = r.serve(bind, mux)
	}
	return nil
}

func (r *Runtime) serve(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("addr", addr), slogError(err))
		}
	}()
	return srv
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("prune event store", slogError(err))
			}
		}
	}
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	if r.recognition != nil {
		r.recognition.Close()
	}
	if r.llm != nil {
		r.llm.Close()
	}
	r.wg.Wait()
	if err := r.store.Close(); err != nil {
		r.logger.Error("event store close error", slogError(err))
	}
	r.bus.Close()
	r.embedded.Shutdown()

	if r.telemetry != nil {
		if err := r.telemetry.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

// Ready reports whether every booted component is serving.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	if r.llm != nil && !r.llm.Healthy() {
		return false
	}
	return r.recognition != nil && r.recognition.Healthy()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
