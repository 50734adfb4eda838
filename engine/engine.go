// Package engine assembles the delivery pipeline: admission control,
// generation, response caching, session management, and the websocket
// transport, wired from a single configuration.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/tokenstream/admission"
	"github.com/c360/tokenstream/config"
	"github.com/c360/tokenstream/errors"
	"github.com/c360/tokenstream/generator"
	"github.com/c360/tokenstream/health"
	"github.com/c360/tokenstream/metric"
	"github.com/c360/tokenstream/natsclient"
	"github.com/c360/tokenstream/respcache"
	"github.com/c360/tokenstream/session"
	"github.com/c360/tokenstream/transport"
)

// Engine owns every component and their start/stop order.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	registry      *metric.MetricsRegistry
	metricsServer *metric.Server

	nats      *natsclient.Client
	admission *admission.Controller
	gen       generator.Generator
	cache     *respcache.ResponseCache
	sessions  *session.Manager

	connRegistry *transport.Registry
	batcher      *transport.Batcher
	server       *transport.Server

	cancel  context.CancelFunc
	started bool
}

// Option configures the Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New validates the configuration and prepares an engine. Components
// are constructed in Start, because some depend on live connections.
func New(cfg *config.Config, options ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Engine", "New",
			"configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Engine", "New", "validate configuration")
	}

	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e, nil
}

// Start builds and starts every component. Construction order follows
// the dependency chain; the transport server comes up last so no
// client connects before the pipeline behind it is ready.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if err := e.startComponents(ctx, runCtx); err != nil {
		e.teardown(10 * time.Second)
		cancel()
		return err
	}

	e.started = true
	e.logger.Info("engine started",
		"listen", e.cfg.Transport.ListenAddr,
		"path", e.cfg.Transport.Path,
		"provider", e.cfg.Generator.Provider,
		"cache_backend", e.cfg.Cache.Backend)
	return nil
}

func (e *Engine) startComponents(ctx, runCtx context.Context) error {
	cfg := e.cfg

	e.registry = metric.NewMetricsRegistry()
	core := e.registry.CoreMetrics()

	if cfg.Metrics.Enabled {
		e.metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, e.registry)
		if err := e.metricsServer.Start(); err != nil {
			return errors.Wrap(err, "Engine", "Start", "start metrics server")
		}
	}

	var js jetstream.JetStream
	if cfg.NATS.Enabled {
		nc, err := natsclient.New(cfg.NATS, natsclient.WithLogger(e.logger))
		if err != nil {
			return errors.Wrap(err, "Engine", "Start", "create NATS client")
		}
		if err := nc.Connect(ctx); err != nil {
			return errors.WrapTransient(err, "Engine", "Start", "connect to NATS")
		}
		e.nats = nc
		core.RecordNATSStatus(true)

		if j, err := nc.JetStream(); err == nil {
			js = j
		}
	}

	adm, err := admission.New(runCtx, cfg.Admission,
		admission.WithLogger(e.logger),
		admission.WithMetrics(core),
	)
	if err != nil {
		return errors.Wrap(err, "Engine", "Start", "create admission controller")
	}
	e.admission = adm

	gen, err := generator.New(cfg.Generator)
	if err != nil {
		return errors.Wrap(err, "Engine", "Start", "create generator")
	}
	e.gen = gen

	if cfg.Cache.Enabled {
		cacheOpts := []respcache.Option{
			respcache.WithLogger(e.logger),
			respcache.WithMetrics(core),
		}

		codec, err := respcache.NewCodecFromConfig(cfg.Cache)
		if err != nil {
			return errors.Wrap(err, "Engine", "Start", "create cache codec")
		}
		if codec != nil {
			cacheOpts = append(cacheOpts, respcache.WithCodec(codec))
		}

		// A dead backend degrades the cache to memory-only rather
		// than blocking startup
		backend, err := respcache.NewBackendFromConfig(runCtx, cfg.Cache, js)
		if err != nil {
			e.logger.Warn("cache backend unavailable, running memory-only",
				"backend", cfg.Cache.Backend, "error", err)
		} else if backend != nil {
			cacheOpts = append(cacheOpts, respcache.WithBackend(backend))
		}

		rc, err := respcache.New(runCtx, cfg.Cache.MaxEntries, cfg.Cache.TTL.Std(), cacheOpts...)
		if err != nil {
			return errors.Wrap(err, "Engine", "Start", "create response cache")
		}
		e.cache = rc
	}

	e.connRegistry, err = transport.NewRegistry(runCtx, cfg.Transport.ConnectionTimeout.Std(),
		transport.WithRegistryLogger(e.logger),
		transport.WithRegistryMetrics(core),
	)
	if err != nil {
		return errors.Wrap(err, "Engine", "Start", "create connection registry")
	}

	e.server, err = transport.NewServer(cfg.Transport, e.connRegistry,
		transport.WithServerLogger(e.logger),
		transport.WithServerMetrics(core),
	)
	if err != nil {
		return errors.Wrap(err, "Engine", "Start", "create transport server")
	}

	e.batcher, err = transport.NewBatcher(cfg.Transport, e.server,
		transport.WithBatcherLogger(e.logger),
		transport.WithBatcherMetrics(core),
	)
	if err != nil {
		return errors.Wrap(err, "Engine", "Start", "create batcher")
	}

	sessionOpts := []session.Option{
		session.WithLogger(e.logger),
		session.WithMetrics(core),
	}
	if e.cache != nil {
		sessionOpts = append(sessionOpts, session.WithCache(e.cache))
	}
	if e.nats != nil {
		publisher, err := natsclient.NewEventPublisher(e.nats)
		if err != nil {
			return errors.Wrap(err, "Engine", "Start", "create event publisher")
		}
		sessionOpts = append(sessionOpts, session.WithPublisher(publisher))
	}

	e.sessions, err = session.NewManager(runCtx, cfg.Session, adm, gen, e.batcher, sessionOpts...)
	if err != nil {
		return errors.Wrap(err, "Engine", "Start", "create session manager")
	}

	e.connRegistry.AttachCanceller(e.sessions)
	e.server.AttachSessions(e.sessions)
	e.server.AttachBatcher(e.batcher)
	e.server.AttachHealth(e.buildHealthChecker().Handler())

	if err := e.server.Start(runCtx); err != nil {
		return errors.Wrap(err, "Engine", "Start", "start transport server")
	}
	return nil
}

// buildHealthChecker registers a check per wired component.
func (e *Engine) buildHealthChecker() *health.Checker {
	checker := health.NewChecker("tokenstream", 5*time.Second)

	checker.Register("sessions", func(_ context.Context) health.Status {
		return health.NewHealthy("sessions",
			fmt.Sprintf("%d active sessions", e.sessions.ActiveCount()))
	})
	checker.Register("admission", func(_ context.Context) health.Status {
		stats := e.admission.Stats()
		return health.NewHealthy("admission",
			fmt.Sprintf("%d admitted, %d rejected",
				stats.Admitted, stats.RateLimitRejected+stats.CapacityRejected))
	})

	if e.cache != nil {
		checker.Register("cache", func(_ context.Context) health.Status {
			if e.cache.Degraded() {
				return health.NewDegraded("cache", "backend unavailable, memory-only")
			}
			return health.NewHealthy("cache", "all tiers up")
		})
	}
	if e.nats != nil {
		checker.Register("nats", func(_ context.Context) health.Status {
			if !e.nats.IsHealthy() {
				return health.NewDegraded("nats", "connection "+e.nats.Status().String())
			}
			return health.NewHealthy("nats", "connected")
		})
	}

	return checker
}

// Stop shuts components down in reverse dependency order: transport
// first so no new work arrives, then sessions, then the rest.
func (e *Engine) Stop(timeout time.Duration) error {
	if !e.started {
		return nil
	}
	e.started = false

	err := e.teardown(timeout)
	if e.cancel != nil {
		e.cancel()
	}
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) teardown(timeout time.Duration) error {
	var firstErr error
	record := func(err error, component string) {
		if err != nil {
			e.logger.Warn("component shutdown error", "component", component, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if e.server != nil {
		record(e.server.Stop(timeout), "transport")
	}
	if e.sessions != nil {
		record(e.sessions.Close(), "sessions")
	}
	if e.connRegistry != nil {
		record(e.connRegistry.Close(), "registry")
	}
	if e.admission != nil {
		record(e.admission.Close(), "admission")
	}
	if e.cache != nil {
		record(e.cache.Close(), "cache")
	}
	if e.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		record(e.nats.Close(ctx), "nats")
		cancel()
	}
	if e.metricsServer != nil {
		record(e.metricsServer.Stop(), "metrics")
	}
	return firstErr
}

// Sessions exposes the session manager, mainly for tests and embedding.
func (e *Engine) Sessions() *session.Manager {
	return e.sessions
}

// Cache exposes the response cache; nil when caching is disabled.
func (e *Engine) Cache() *respcache.ResponseCache {
	return e.cache
}
