// Package httpapi exposes the run supervisor over HTTP.
//
// Routes mirror the operations of service.Supervisor. Run events are
// streamed as Server-Sent Events: a catch-up snapshot first, live events
// afterwards, until the run completes or the client goes away.
package httpapi

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/CZERTAINLY/pipewatch/internal/bus"
	"github.com/CZERTAINLY/pipewatch/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DefaultKeepAlive      = 15 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// Runs is the part of service.Supervisor the handlers need.
type Runs interface {
	Pipelines() []string
	Start(ctx context.Context, pipeline string, args []string) (string, error)
	Cancel(ctx context.Context, runID string) error
	Resume(ctx context.Context, runID string) error
	Status(runID string) (service.Summary, error)
	Runs() []service.Summary
	ActiveRunID(pipeline string) (string, bool)
	ListLogFiles(ctx context.Context, runID string) ([]string, error)
	OpenLogFile(runID, name string) (*os.File, error)
	Snapshot(runID string) ([]bus.Event, error)
}

type Options struct {
	Runs Runs
	Hub  *bus.Hub
	// Metrics is served on /metrics, promhttp.Handler() when nil.
	Metrics        http.Handler
	AllowedOrigins []string
	// StartLimit is the number of run starts per minute and client IP,
	// zero disables the limit.
	StartLimit int
	// Middleware wraps the whole router, e.g. telemetry.Middleware.
	Middleware     []func(http.Handler) http.Handler
	KeepAlive      time.Duration
	RequestTimeout time.Duration
}

type api struct {
	runs      Runs
	hub       *bus.Hub
	keepAlive time.Duration
}

// Router builds the HTTP handler for opts.
func Router(opts Options) http.Handler {
	a := &api{
		runs:      opts.Runs,
		hub:       opts.Hub,
		keepAlive: opts.KeepAlive,
	}
	if a.hub == nil {
		a.hub = bus.NewHub()
	}
	if a.keepAlive <= 0 {
		a.keepAlive = DefaultKeepAlive
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	allowed := opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(opts.Middleware...)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics)

	// streaming outlives any request timeout
	r.Get("/runs/{id}/events", a.events)
	r.Method(http.MethodGet, "/runs/{id}/logs/{file}", gzhttp.GzipHandler(http.HandlerFunc(a.logFile)))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		r.Get("/pipelines", a.pipelines)
		r.Route("/pipelines/{pipeline}/runs", func(r chi.Router) {
			r.With(startLimiter(opts.StartLimit)...).Post("/", a.start)
			r.Get("/active", a.activeOf)
		})

		r.Get("/runs", a.list)
		r.Get("/runs/active", a.active)
		r.Get("/runs/{id}", a.status)
		r.Post("/runs/{id}/cancel", a.cancel)
		r.Post("/runs/{id}/resume", a.resume)
		r.Get("/runs/{id}/logs", a.logFiles)
	})

	return r
}

func startLimiter(perMinute int) []func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return nil
	}
	return []func(http.Handler) http.Handler{
		httprate.Limit(perMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByRealIP)),
	}
}
