package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/zoo-event-hub/internal/adapter/observability"
	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
)

// StuckJobSweeper returns jobs pinned in PROCESSING (a worker crashed
// between claim and record) to FAILED with an immediate next_run_at, so
// the retry scanner re-enqueues them. The sweep does not consume an
// attempt; attempts are only recorded by the executor.
type StuckJobSweeper struct {
	jobs             domain.JobStore
	maxProcessingAge time.Duration
	interval         time.Duration
}

// NewStuckJobSweeper constructs a sweeper; zero durations get defaults.
func NewStuckJobSweeper(jobs domain.JobStore, maxProcessingAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 3 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{jobs: jobs, maxProcessingAge: maxProcessingAge, interval: interval}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxProcessingAge)
	n, err := s.jobs.SweepStuck(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.swept", n))
	if n > 0 {
		observability.StuckJobsSweptTotal.Add(float64(n))
		slog.Warn("returned stuck jobs to failed", slog.Int("jobs", n))
	}
}
