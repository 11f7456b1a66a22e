package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CZERTAINLY/pipewatch/internal/bus"
	"github.com/CZERTAINLY/pipewatch/internal/httpapi"
	"github.com/CZERTAINLY/pipewatch/internal/log"
	"github.com/CZERTAINLY/pipewatch/internal/metrics"
	"github.com/CZERTAINLY/pipewatch/internal/model"
	"github.com/CZERTAINLY/pipewatch/internal/notify"
	"github.com/CZERTAINLY/pipewatch/internal/service"
	"github.com/CZERTAINLY/pipewatch/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName     = "pipewatch"
	shutdownTimeout = 30 * time.Second
)

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("pipewatch",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	shutdownTracing, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			slog.ErrorContext(ctx, "shutdown tracing", "error", err)
		}
	}()

	hub := bus.NewHub()
	pub, closePub, err := publisher(ctx, hub, config.Events)
	if err != nil {
		return err
	}
	defer closePub()

	supervisor, err := newSupervisor(pub, metrics.New(prometheus.DefaultRegisterer))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: config.Service.Listen,
		Handler: httpapi.Router(httpapi.Options{
			Runs:           supervisor,
			Hub:            hub,
			AllowedOrigins: config.Service.CORSOrigins,
			StartLimit:     config.Service.StartLimit,
			Middleware:     []func(http.Handler) http.Handler{telemetry.Middleware(serviceName)},
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "starting pipewatch", "addr", srv.Addr, "pipelines", supervisor.Pipelines())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		// runs end first, so event streams complete and the server can drain
		slog.InfoContext(ctx, "stopping active runs")
		if err := supervisor.Close(shutdownCtx); err != nil {
			slog.ErrorContext(ctx, "stopping runs", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(ctx, "shutdown server", "error", err)
		}
		return nil
	})
	return g.Wait()
}

func newSupervisor(pub bus.Publisher, m *metrics.Metrics) (*service.Supervisor, error) {
	supervisor, err := service.SupervisorFromConfig(config)
	if err != nil {
		return nil, err
	}
	return supervisor.
		WithPublisher(pub).
		WithNotifier(notifier(config.Notify)).
		WithMetrics(m), nil
}

// publisher forwards events to NATS in addition to hub when a broker is
// configured. The returned close func is never nil.
func publisher(ctx context.Context, hub *bus.Hub, cfg model.Events) (bus.Publisher, func(), error) {
	if cfg.NATSURL.IsZero() {
		return hub, func() {}, nil
	}
	nc, err := bus.NewNATS(cfg.NATSURL.String(), cfg.SubjectPrefix)
	if err != nil {
		return nil, func() {}, err
	}
	slog.InfoContext(ctx, "forwarding events", "nats", cfg.NATSURL.Redacted(), "prefix", cfg.SubjectPrefix)
	return bus.Multi{hub, nc}, nc.Close, nil
}

func notifier(cfg model.Notify) notify.Notifier {
	cfg = notify.FromEnv(cfg)
	if !cfg.Enabled {
		return notify.Log{Recipients: cfg.Recipients}
	}
	return notify.NewSMTP(cfg.SMTP, cfg.Recipients)
}
