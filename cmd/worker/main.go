// Command worker runs the hub's background side: the fan-out consumer, the
// job executor, the retry scanner, and the stuck-job sweeper.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/zoo-event-hub/internal/adapter/observability"
	"github.com/fairyhunter13/zoo-event-hub/internal/adapter/queue/rabbitmq"
	"github.com/fairyhunter13/zoo-event-hub/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/zoo-event-hub/internal/adapter/webhook"
	"github.com/fairyhunter13/zoo-event-hub/internal/app"
	"github.com/fairyhunter13/zoo-event-hub/internal/config"
	"github.com/fairyhunter13/zoo-event-hub/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics in the worker process and expose them on a
	// dedicated /metrics endpoint so queue and executor metrics are scraped.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.WorkerMetricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	// Database connection
	pool, err := postgres.NewPool(context.Background(), cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	eventRepo := postgres.NewEventRepo(pool)
	ruleRepo := postgres.NewRuleRepo(pool)
	jobRepo := postgres.NewJobRepo(pool)
	circuitRepo := postgres.NewCircuitRepo(pool)

	// Broker client; the publisher re-enqueues jobs from the fan-out and
	// retry paths on a channel of its own.
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

	// Usecases
	fanoutSvc := usecase.NewFanoutService(ruleRepo, jobRepo, eventRepo, pub, cfg.MaxAttemptsDefault)
	caller := webhook.NewCaller(cfg, circuitRepo)
	executorSvc := usecase.NewExecutorService(jobRepo, eventRepo, caller, cfg.RetryBackoff())
	scanner := usecase.NewRetryScanner(jobRepo, pub, cfg.RetryScanPeriod(), cfg.RetryLease(), cfg.RetryScanBatchSize)
	sweeper := app.NewStuckJobSweeper(jobRepo, cfg.StuckJobMaxAge, cfg.StuckJobSweepInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := broker.Consume(ctx, cfg.EventsQueue, "zoo-fanout", cfg.PrefetchCount, fanoutSvc.HandleEventIngested); err != nil {
			slog.Error("fan-out consumer stopped", slog.Any("error", err))
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := broker.Consume(ctx, cfg.JobsQueue, "zoo-executor", cfg.PrefetchCount, executorSvc.HandleJobExecute); err != nil {
			slog.Error("executor consumer stopped", slog.Any("error", err))
			cancel()
		}
	}()
	go scanner.Run(ctx)
	go sweeper.Run(ctx)

	slog.Info("worker started, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()
	slog.Info("worker stopped")
}
