package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fairyhunter13/zoo-event-hub/internal/adapter/observability"
	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
)

// ExecutorService consumes job.execute deliveries. Execution runs in three
// phases: claim (short transaction, FOR UPDATE SKIP LOCKED), execute
// (no transaction held), record (short transaction) — then the owning
// event's derived status is refreshed.
type ExecutorService struct {
	Jobs         domain.JobStore
	Events       domain.EventStore
	Webhooks     domain.WebhookCaller
	RetryBackoff time.Duration
	now          func() time.Time
}

// NewExecutorService constructs an ExecutorService with its dependencies.
func NewExecutorService(jobs domain.JobStore, events domain.EventStore, webhooks domain.WebhookCaller, retryBackoff time.Duration) ExecutorService {
	return ExecutorService{Jobs: jobs, Events: events, Webhooks: webhooks, RetryBackoff: retryBackoff, now: time.Now}
}

// HandleJobExecute is the jobs-channel consumer callback.
func (s ExecutorService) HandleJobExecute(ctx context.Context, body []byte) error {
	var msg domain.JobExecute
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("invalid job.execute body, dropping", slog.Any("error", err))
		return nil
	}

	job, ok, err := s.Jobs.Claim(ctx, msg.JobID)
	if err != nil {
		return err
	}
	if !ok {
		// Missing, locked by a peer, terminal, or in flight.
		return nil
	}

	startedAt := s.now().UTC()
	result, execErr := s.execute(ctx, job)
	attemptNo := job.Attempts + 1

	if execErr == nil {
		if err := s.Jobs.RecordSuccess(ctx, job.ID, attemptNo, result, startedAt); err != nil {
			return err
		}
		observability.JobsCompletedTotal.WithLabelValues(string(job.Kind)).Inc()
		slog.Info("job succeeded",
			slog.String("job_id", job.ID),
			slog.String("kind", string(job.Kind)),
			slog.Int("attempt", attemptNo))
		return s.Events.Finalize(ctx, job.EventID)
	}

	dead := attemptNo >= job.MaxAttempts
	var nextRunAt *time.Time
	if !dead {
		t := s.now().UTC().Add(s.RetryBackoff)
		nextRunAt = &t
	}
	if err := s.Jobs.RecordFailure(ctx, job.ID, attemptNo, dead, execErr.Error(), result, nextRunAt, startedAt); err != nil {
		return err
	}
	observability.JobsFailedTotal.WithLabelValues(string(job.Kind), strconv.FormatBool(dead)).Inc()
	slog.Warn("job failed",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Int("attempt", attemptNo),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Bool("dead", dead),
		slog.Any("error", execErr))
	// A DEAD job fails the owning event; Finalize is idempotent either way.
	return s.Events.Finalize(ctx, job.EventID)
}

// execute dispatches Phase B by kind. It must not hold any DB transaction.
func (s ExecutorService) execute(ctx context.Context, job domain.Job) (map[string]any, error) {
	switch job.Kind {
	case domain.KindEmail:
		to, _ := job.Payload["to"].(string)
		template, _ := job.Payload["template"].(string)
		// Only the intent is recorded; mailer integration lives elsewhere.
		slog.Info("email job executed",
			slog.String("job_id", job.ID),
			slog.String("to", to),
			slog.String("template", template))
		return map[string]any{"kind": "EMAIL", "to": to, "template": template}, nil

	case domain.KindWebhook:
		req := webhookRequestFrom(job)
		res, err := s.Webhooks.Call(ctx, req)
		if err != nil {
			var callErr *domain.WebhookCallError
			if errors.As(err, &callErr) && callErr.Status != 0 {
				return map[string]any{"kind": "WEBHOOK", "status": callErr.Status, "response": callErr.Response}, err
			}
			return nil, err
		}
		return map[string]any{"kind": "WEBHOOK", "status": res.Status, "response": res.Body}, nil

	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", domain.ErrInvalidArgument, job.Kind)
	}
}

func webhookRequestFrom(job domain.Job) domain.WebhookRequest {
	req := domain.WebhookRequest{
		Method:  "POST",
		IdemKey: fmt.Sprintf("%s:%s:%d", job.EventID, job.ID, job.Attempts+1),
	}
	if m, ok := job.Payload["method"].(string); ok && m != "" {
		req.Method = m
	}
	req.URL, _ = job.Payload["url"].(string)
	req.Body, _ = job.Payload["body"].(map[string]any)
	if hs, ok := job.Payload["headers"].(map[string]any); ok {
		req.Headers = make(map[string]string, len(hs))
		for k, v := range hs {
			if sv, ok := v.(string); ok {
				req.Headers[k] = sv
			}
		}
	}
	return req
}
