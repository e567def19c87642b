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

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/capability"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/history"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/node"
	"github.com/loqalabs/loqa-speech/internal/nodehost"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	telemetryStop func(context.Context) error
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	history       *history.Store
	nodes         *node.Registry
	host          *nodehost.Service
	capabilities  *capability.Registry
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = shutdownTelemetry
	r.metrics = metricHandler

	if err := r.startComponents(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.serve(r.httpServer, "http")

	if r.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runPrune(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.Bool("bus", r.cfg.Bus.Enabled),
		slog.Int("node_classes", len(r.nodes.Classes())))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	store, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	r.history = store

	adapter := speech.NewAdapter(r.cfg.Speech, r.logger)
	r.nodes = node.NewRegistry()
	if err := node.RegisterDefaults(r.nodes, adapter, store, r.logger); err != nil {
		return fmt.Errorf("register nodes: %w", err)
	}

	if path := r.cfg.Speech.ManifestPath; path != "" {
		m, err := node.LoadManifest(path)
		if err != nil {
			return fmt.Errorf("load node manifest: %w", err)
		}
		if err := node.ValidateManifest(m); err != nil {
			return fmt.Errorf("invalid node manifest: %w", err)
		}
		if err := r.nodes.Check(m); err != nil {
			return err
		}
		r.logger.Info("node manifest loaded", slog.String("name", m.Metadata.Name), slog.String("version", m.Metadata.Version))
	}

	if !r.cfg.Bus.Enabled {
		return nil
	}

	busCfg := r.cfg.Bus
	r.nats, err = natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}

	r.bus, err = bus.Connect(busCfg, r.logger)
	if err != nil {
		return err
	}

	timeout := time.Duration(r.cfg.Speech.TimeoutMS)*time.Millisecond + 5*time.Second
	r.host = nodehost.NewService(ctx, r.nodes, r.bus, timeout, r.logger)
	if err := r.host.Start(); err != nil {
		return fmt.Errorf("start node host: %w", err)
	}

	r.capabilities, err = capability.NewRegistry(ctx, r.cfg.Node, r.bus, capability.FromNodeClasses(r.nodes.Classes()), r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) runPrune(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.history.Prune(ctx); err != nil {
				r.logger.Warn("history prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	r.wg.Wait()

	if r.capabilities != nil {
		r.capabilities.Close()
	}
	if r.host != nil {
		r.host.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if err := r.history.Close(); err != nil {
		errs = append(errs, fmt.Errorf("history close: %w", err))
	}
	if r.telemetryStop != nil {
		if err := r.telemetryStop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled {
		return r.bus.Healthy() && r.host != nil && r.host.Healthy()
	}
	return true
}
