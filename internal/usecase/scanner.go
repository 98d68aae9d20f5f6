package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/zoo-event-hub/internal/adapter/observability"
	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
)

// RetryScanner periodically re-enqueues FAILED jobs whose backoff has
// elapsed. The store pushes next_run_at forward by a lease window before
// the publish so concurrent scanners do not double-enqueue; the executor's
// claim clears the lease when the delivery arrives.
type RetryScanner struct {
	Jobs      domain.JobStore
	Publisher domain.Publisher
	Interval  time.Duration
	Lease     time.Duration
	BatchSize int
	now       func() time.Time
}

// NewRetryScanner constructs a RetryScanner with its dependencies.
func NewRetryScanner(jobs domain.JobStore, pub domain.Publisher, interval, lease time.Duration, batchSize int) *RetryScanner {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &RetryScanner{Jobs: jobs, Publisher: pub, Interval: interval, Lease: lease, BatchSize: batchSize, now: time.Now}
}

// Run ticks until ctx is cancelled. Scan errors are logged, never fatal.
func (s *RetryScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("retry scanner stopping")
			return
		case <-ticker.C:
			if err := s.ScanOnce(ctx); err != nil {
				slog.Error("retry scan failed", slog.Any("error", err))
			}
		}
	}
}

// ScanOnce selects one batch of due FAILED jobs and republishes them.
func (s *RetryScanner) ScanOnce(ctx context.Context) error {
	ids, err := s.Jobs.DueRetries(ctx, s.now().UTC(), s.BatchSize, s.Lease)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if err := s.Publisher.PublishJobExecute(ctx, id); err != nil {
			// The lease expires on its own; the next scan picks it up.
			slog.Error("retry publish failed", slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		observability.RetriesEnqueuedTotal.Inc()
	}
	slog.Info("retry scan enqueued", slog.Int("jobs", len(ids)))
	return nil
}
