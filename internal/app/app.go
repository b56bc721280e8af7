// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStores — settings and chat history backends (Redis when configured)
//  2. initObservability — metrics registry and the async completion logger
//  3. initUpstream — LLM gateway for the selected provider
//  4. initPipeline — batch processor and the lane dispatcher
//  5. initServer — HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-batcher/internal/api"
	"github.com/nulpointcorp/llm-batcher/internal/chatstore"
	"github.com/nulpointcorp/llm-batcher/internal/config"
	"github.com/nulpointcorp/llm-batcher/internal/llm"
	"github.com/nulpointcorp/llm-batcher/internal/logger"
	"github.com/nulpointcorp/llm-batcher/internal/metrics"
	"github.com/nulpointcorp/llm-batcher/internal/queue"
	"github.com/nulpointcorp/llm-batcher/internal/settings"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	settings *settings.Store
	store    chatstore.Store

	prom        *metrics.Registry
	completions *logger.Logger

	gateway *llm.Gateway
	qm      *queue.Manager
	srv     *api.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"stores", a.initStores},
		{"observability", a.initObservability},
		{"upstream", a.initUpstream},
		{"pipeline", a.initPipeline},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting batcher",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("provider", a.cfg.Upstream.Provider),
		slog.String("model", a.cfg.Upstream.Model),
		slog.String("store_mode", a.cfg.Store.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		_ = a.srv.Shutdown()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.qm != nil {
		a.qm.Close()
		a.qm = nil
	}
	if a.completions != nil {
		if err := a.completions.Close(); err != nil {
			a.log.Error("completion logger close error", slog.String("error", err.Error()))
		}
		a.completions = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("chat store close error", slog.String("error", err.Error()))
		}
		a.store = nil
	}
}

// redactURL hides credentials in connection URLs before logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable url)"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}
