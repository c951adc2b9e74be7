// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — logger, metrics registry, optional persistent cache store
//  2. initServices  — ban manager, usage counters, router, forwarder, response cache
//  3. initGateway   — request handler, admin handlers
//
// Routes are registered when Run builds the HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/TnZzZHlp/ai-forward/internal/admin"
	"github.com/TnZzZHlp/ai-forward/internal/banmanager"
	"github.com/TnZzZHlp/ai-forward/internal/cache"
	"github.com/TnZzZHlp/ai-forward/internal/config"
	"github.com/TnZzZHlp/ai-forward/internal/forwarder"
	"github.com/TnZzZHlp/ai-forward/internal/gateway"
	gwlogger "github.com/TnZzZHlp/ai-forward/internal/logger"
	"github.com/TnZzZHlp/ai-forward/internal/metrics"
	"github.com/TnZzZHlp/ai-forward/internal/router"
	"github.com/TnZzZHlp/ai-forward/internal/usage"
	"github.com/TnZzZHlp/ai-forward/internal/version"
)

const (
	banMaxFailures    = 5
	banFailureWindow  = time.Hour
	serverReadTimeout = 60 * time.Second
	serverIdleTimeout = 120 * time.Second
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	store     *config.Store
	ban       *banmanager.Manager
	counters  *usage.Counters
	prom      *metrics.Registry
	reqLogger *gwlogger.Logger
	sqlStore  *cache.SQLStore
	respCache *cache.ResponseCache

	rtr *router.Router
	fwd *forwarder.Forwarder
	gw  *gateway.Handler
	adm *admin.Handlers

	srv *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App. Any
// resource allocated here is released by Close if a later step fails.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, buildVersion string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	if buildVersion != "" && buildVersion != "dev" {
		version.Version = buildVersion
	}

	a := &App{cfg: cfg, baseCtx: ctx, log: log, store: config.NewStore(cfg)}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

func (a *App) initInfra(ctx context.Context) error {
	reqLogger, err := gwlogger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	a.prom = metrics.New()
	a.prom.SetBuildInfo(version.Version)

	if a.cfg.Database.Driver != "" {
		store, err := cache.OpenSQLStore(a.cfg.Database.Driver, a.cfg.Database.DSN, a.log)
		if err != nil {
			return fmt.Errorf("persistent cache store: %w", err)
		}
		a.sqlStore = store
	}

	return nil
}

func (a *App) initServices(ctx context.Context) error {
	a.ban = banmanager.New(banMaxFailures, banFailureWindow)
	a.ban.SetMetrics(a.prom)
	a.counters = usage.New()
	a.rtr = router.New(a.counters)
	a.fwd = forwarder.New(a.log)

	var persistent cache.PersistentStore
	if a.sqlStore != nil {
		persistent = a.sqlStore
	}
	a.respCache = cache.New(a.cfg.CacheSize, persistent, a.log)
	a.respCache.SetMetrics(a.prom)

	if a.sqlStore != nil {
		if err := a.respCache.Warm(ctx, a.cfg.CacheSize); err != nil {
			a.log.Warn("cache_warm_failed", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (a *App) initGateway(context.Context) error {
	a.gw = gateway.New(a.store, a.rtr, a.fwd, a.respCache, a.prom, a.reqLogger, a.log)
	a.adm = admin.New(a.store, a.counters, a.prom, a.log)
	return nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)
	if a.cfg.Port == 0 {
		addr = ":8080"
	}

	a.log.Info("starting gateway",
		slog.String("version", version.Version),
		slog.String("addr", addr),
		slog.Int("providers", len(a.store.Get().Providers)),
	)

	a.srv = &fasthttp.Server{
		Handler:      a.routes(),
		ReadTimeout:  serverReadTimeout,
		IdleTimeout:  serverIdleTimeout,
		WriteTimeout: 0, // streaming responses may run for minutes
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.srv.Shutdown()
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases the request logger and the persistent cache store, in that
// order. Safe to call multiple times.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.sqlStore != nil {
		if err := a.sqlStore.Close(); err != nil {
			a.log.Error("persistent cache close error", slog.String("error", err.Error()))
		}
		a.sqlStore = nil
	}
}

