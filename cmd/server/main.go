// Command server starts the Zoo Event Hub HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/fairyhunter13/zoo-event-hub/internal/adapter/httpserver"
	"github.com/fairyhunter13/zoo-event-hub/internal/adapter/observability"
	"github.com/fairyhunter13/zoo-event-hub/internal/adapter/queue/rabbitmq"
	"github.com/fairyhunter13/zoo-event-hub/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/zoo-event-hub/internal/app"
	"github.com/fairyhunter13/zoo-event-hub/internal/config"
	"github.com/fairyhunter13/zoo-event-hub/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so /metrics exposes
	// HTTP and ingestion instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	eventRepo := postgres.NewEventRepo(pool)
	ruleRepo := postgres.NewRuleRepo(pool)
	jobRepo := postgres.NewJobRepo(pool)
	circuitRepo := postgres.NewCircuitRepo(pool)

	// Broker client and publisher
	broker, err := rabbitmq.Dial(cfg.RabbitURL, rabbitmq.Topology{
		EventsExchange:   cfg.EventsExchange,
		EventsRoutingKey: cfg.EventsRoutingKey,
		EventsQueue:      cfg.EventsQueue,
		JobsExchange:     cfg.JobsExchange,
		JobsRoutingKey:   cfg.JobsRoutingKey,
		JobsQueue:        cfg.JobsQueue,
	})
	if err != nil {
		slog.Error("rabbitmq connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			slog.Error("failed to close broker client", slog.Any("error", err))
		}
	}()

	pub, err := broker.NewPublisher()
	if err != nil {
		slog.Error("publisher init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = pub.Close() }()

	// Optional YAML rules seed; idempotent by rule name.
	if cfg.SeedRulesFile != "" {
		if err := seedRulesFromYAML(ctx, ruleRepo, cfg.SeedRulesFile); err != nil {
			slog.Error("rules seed failed", slog.String("path", cfg.SeedRulesFile), slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Usecases
	ingestSvc := usecase.NewIngestService(eventRepo, pub)

	// Readiness checks
	dbCheck := func(ctx context.Context) error { return pool.Ping(ctx) }

	// HTTP server
	srv := httpserver.NewServer(cfg, ingestSvc, eventRepo, ruleRepo, jobRepo, circuitRepo, dbCheck, broker.Check)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
