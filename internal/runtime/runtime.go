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

	"github.com/loqalabs/loqa-render/internal/bus"
	"github.com/loqalabs/loqa-render/internal/capability"
	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/journal"
	"github.com/loqalabs/loqa-render/internal/llm"
	"github.com/loqalabs/loqa-render/internal/natsserver"
	"github.com/loqalabs/loqa-render/internal/pipeline"
	"github.com/loqalabs/loqa-render/internal/service"
	"github.com/loqalabs/loqa-render/internal/tts"
)

const journalPruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	version       string
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	embedded      *natsserver.EmbeddedServer
	bus           *bus.Client
	journal       *journal.Journal
	service       *service.Service
	registry      *capability.Registry
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start brings up telemetry, the bus, the journal and the render service,
// then blocks until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	// Background loops exit on ctx, so it must be cancelled before shutdown
	// waits for them.
	defer func() {
		cancel()
		r.shutdown()
	}()

	if err := r.startBus(ctx); err != nil {
		return err
	}

	r.journal, err = journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.journal.RunPruner(ctx, journalPruneInterval)
	}()

	if err := r.startService(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("metrics", r.cfg.Telemetry.PrometheusBind))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	return err
}

func (r *Runtime) startService(ctx context.Context) error {
	pipeCfg, err := pipeline.ConfigFrom(r.cfg.Pipeline)
	if err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}
	c := pipeline.NewCache(pipeCfg)
	if err := c.RegisterMetrics(); err != nil {
		r.logger.Warn("failed to register cache metrics", slog.String("error", err.Error()))
	}

	backends := service.Backends{LLM: r.cfg.LLM, TTS: r.cfg.TTS}
	if r.cfg.LLM.Enabled {
		backends.Generator, err = llm.NewGenerator(ctx, r.cfg.LLM)
		if err != nil {
			return fmt.Errorf("llm backend: %w", err)
		}
	}
	if r.cfg.TTS.Enabled {
		backends.Synthesizer, err = tts.NewSynthesizer(r.cfg.TTS, r.logger)
		if err != nil {
			return fmt.Errorf("tts backend: %w", err)
		}
	}

	r.service = service.NewService(ctx, r.cfg.Service, pipeCfg, backends, r.bus.Conn(), c, r.logger,
		pipeline.WithObserver(r.journal),
		pipeline.WithRateLimit(r.cfg.Pipeline.RequestsPerSecond, r.cfg.Pipeline.Burst),
	)
	if err := r.service.Start(); err != nil {
		return err
	}
	if !r.cfg.Service.Enabled {
		return nil
	}
	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, r.cfg.Service.SubjectPrefix, backends.Capabilities(), r.bus, r.logger)
	return err
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// shutdown releases whatever Start managed to bring up, in reverse order.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	r.bus.Close()
	r.wg.Wait()
	if err := r.journal.Close(); err != nil {
		r.logger.Error("journal close error", slog.String("error", err.Error()))
	}
	r.embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.service.Healthy() && (r.registry == nil || r.registry.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
