package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-batcher/internal/api"
	"github.com/nulpointcorp/llm-batcher/internal/batch"
	"github.com/nulpointcorp/llm-batcher/internal/chatstore"
	"github.com/nulpointcorp/llm-batcher/internal/config"
	"github.com/nulpointcorp/llm-batcher/internal/llm"
	"github.com/nulpointcorp/llm-batcher/internal/logger"
	"github.com/nulpointcorp/llm-batcher/internal/metrics"
	"github.com/nulpointcorp/llm-batcher/internal/queue"
	"github.com/nulpointcorp/llm-batcher/internal/settings"
	"github.com/nulpointcorp/llm-batcher/internal/upstream"
	anthropicup "github.com/nulpointcorp/llm-batcher/internal/upstream/anthropic"
	geminiup "github.com/nulpointcorp/llm-batcher/internal/upstream/gemini"
	openaiup "github.com/nulpointcorp/llm-batcher/internal/upstream/openai"
)

// initStores creates the settings store and the chat history backend.
// Redis is only required when STORE_MODE=redis.
func (a *App) initStores(ctx context.Context) error {
	a.settings = settings.New(a.cfg.DataDir, a.log)

	switch a.cfg.Store.Mode {
	case "redis":
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Store.RedisURL)))
		store, err := chatstore.NewRedisStoreFromURL(ctx, a.cfg.Store.RedisURL, a.log)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.store = store
		a.log.Info("chat history backend: redis")

	default:
		a.store = chatstore.NewFileStore(a.cfg.DataDir, a.log)
		a.log.Info("chat history backend: file", slog.String("dir", a.cfg.DataDir))
	}

	return nil
}

// initObservability creates the Prometheus registry and the async completion
// logger. ClickHouse is optional; without it completions go to slog.
func (a *App) initObservability(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var sink logger.Sink
	if a.cfg.ClickHouseURL != "" {
		a.log.Info("connecting to clickhouse", slog.String("url", redactURL(a.cfg.ClickHouseURL)))
		chSink, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouseURL)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = chSink
		a.log.Info("completion sink: clickhouse")
	}

	completions, err := logger.New(a.baseCtx, sink, a.log)
	if err != nil {
		return fmt.Errorf("completion logger: %w", err)
	}
	a.completions = completions

	return nil
}

// initUpstream builds the LLM gateway for the configured provider. The
// factory is re-invoked whenever the runtime API key changes.
func (a *App) initUpstream(_ context.Context) error {
	factory, err := upstreamFactory(a.cfg)
	if err != nil {
		return err
	}

	wireLog := llm.NewWireLog(a.cfg.LogDir, a.log)
	a.gateway = llm.New(factory, a.settings, a.cfg.UpstreamAPIKey(), llm.Options{
		WireLog: wireLog,
		Logger:  a.log,
	})

	a.log.Info("upstream ready",
		slog.String("provider", a.cfg.Upstream.Provider),
		slog.String("model", a.cfg.Upstream.Model),
	)

	return nil
}

// initPipeline wires the batch processor and starts the lane dispatcher.
func (a *App) initPipeline(_ context.Context) error {
	proc := batch.New(a.gateway, batch.Options{
		Store:       a.store,
		Completions: a.completions,
		ReqLog:      batch.NewReqLog(a.cfg.LogDir, a.log),
		Metrics:     a.prom,
		Logger:      a.log,
		Backend:     a.cfg.Upstream.Provider,
	})

	a.qm = queue.NewManager(a.baseCtx, proc, queue.Options{
		Logger:  a.log,
		Metrics: a.prom,
	})

	return nil
}

// initServer assembles the HTTP surface.
func (a *App) initServer(_ context.Context) error {
	a.srv = api.NewServer(api.Options{
		Queue:       a.qm,
		Settings:    a.settings,
		Store:       a.store,
		Metrics:     a.prom,
		Logger:      a.log,
		Version:     a.version,
		CORSOrigins: a.cfg.CORSOrigins,
	})
	return nil
}

// upstreamFactory returns the client builder for the configured provider.
func upstreamFactory(cfg *config.Config) (llm.Factory, error) {
	model := cfg.Upstream.Model
	baseURL := cfg.UpstreamBaseURL()

	switch cfg.Upstream.Provider {
	case "gemini":
		return func(ctx context.Context, apiKey string) (upstream.Client, error) {
			var opts []geminiup.Option
			if baseURL != "" {
				opts = append(opts, geminiup.WithBaseURL(baseURL))
			}
			return geminiup.New(ctx, apiKey, model, opts...)
		}, nil

	case "openai":
		return func(_ context.Context, apiKey string) (upstream.Client, error) {
			var opts []openaiup.Option
			if baseURL != "" {
				opts = append(opts, openaiup.WithBaseURL(baseURL))
			}
			return openaiup.New(apiKey, model, opts...), nil
		}, nil

	case "anthropic":
		return func(_ context.Context, apiKey string) (upstream.Client, error) {
			var opts []anthropicup.Option
			if baseURL != "" {
				opts = append(opts, anthropicup.WithBaseURL(baseURL))
			}
			return anthropicup.New(apiKey, model, opts...), nil
		}, nil
	}

	return nil, fmt.Errorf("unknown upstream provider: %s", cfg.Upstream.Provider)
}
