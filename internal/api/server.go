// Package api exposes the batcher's HTTP surface on fasthttp: the streaming
// query endpoint, chat history, runtime settings, analytics, health, and
// Prometheus metrics.
package api

import (
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-batcher/internal/chatstore"
	"github.com/nulpointcorp/llm-batcher/internal/metrics"
	"github.com/nulpointcorp/llm-batcher/internal/model"
	"github.com/nulpointcorp/llm-batcher/internal/queue"
	"github.com/nulpointcorp/llm-batcher/internal/settings"
)

// wordDelay paces the streamed words so the client renders a typing effect.
const wordDelay = 50 * time.Millisecond

// Enqueuer is the queue surface the API needs.
type Enqueuer interface {
	Enqueue(req model.GenerationRequest) *queue.Handle
	Depths() (high, medium, low int)
}

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	queue    Enqueuer
	settings *settings.Store
	store    chatstore.Store
	metrics  *metrics.Registry
	log      *slog.Logger

	version     string
	corsOrigins []string
	wordDelay   time.Duration
	waitBuffer  time.Duration

	srv *fasthttp.Server
}

// Options configures a Server. Queue and Settings are required; the rest is
// nil-safe.
type Options struct {
	Queue    Enqueuer
	Settings *settings.Store
	Store    chatstore.Store
	Metrics  *metrics.Registry
	Logger   *slog.Logger

	Version     string
	CORSOrigins []string
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "0.1.0"
	}
	return &Server{
		queue:       opts.Queue,
		settings:    opts.Settings,
		store:       opts.Store,
		metrics:     opts.Metrics,
		log:         log,
		version:     version,
		corsOrigins: opts.CORSOrigins,
		wordDelay:   wordDelay,
		waitBuffer:  queryWaitBuffer,
	}
}

// Handler returns the fully wrapped request handler. Exposed so tests can
// drive it without a listener.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/query", s.handleQuery)
	r.GET("/v1/chat", s.handleChat)
	r.GET("/v1/settings", s.handleGetSettings)
	r.PUT("/v1/settings", s.handlePutSettings)
	r.GET("/v1/analytics", s.handleAnalytics)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		s.recovery,
		requestID,
		timing,
		s.observe,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start serves on addr until the listener fails or Shutdown is called.
// Write timeout is generous: the query endpoint holds the response open for
// the whole batch wait plus streaming.
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server started by Start.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}
