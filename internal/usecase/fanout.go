package usecase

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/fairyhunter13/zoo-event-hub/internal/adapter/observability"
	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
	"github.com/fairyhunter13/zoo-event-hub/internal/ruleengine"
)

// FanoutService consumes event.ingested and turns one event into N jobs:
// one per action of every matching rule, payloads rendered against the
// event context. Job rows commit before any job.execute publish so a job
// message always finds its row.
type FanoutService struct {
	Rules       domain.RuleStore
	Jobs        domain.JobStore
	Events      domain.EventStore
	Publisher   domain.Publisher
	MaxAttempts int
}

// NewFanoutService constructs a FanoutService with its dependencies.
func NewFanoutService(rules domain.RuleStore, jobs domain.JobStore, events domain.EventStore, pub domain.Publisher, maxAttempts int) FanoutService {
	return FanoutService{Rules: rules, Jobs: jobs, Events: events, Publisher: pub, MaxAttempts: maxAttempts}
}

// HandleEventIngested is the events-channel consumer callback.
func (s FanoutService) HandleEventIngested(ctx context.Context, body []byte) error {
	var msg domain.EventIngested
	if err := json.Unmarshal(body, &msg); err != nil {
		// Poison message; drop rather than loop on it.
		slog.Warn("invalid event.ingested body, dropping", slog.Any("error", err))
		return nil
	}

	rules, err := s.Rules.ListEnabled(ctx)
	if err != nil {
		return err
	}

	tctx := ruleengine.Context(msg)
	var newJobs []domain.NewJob
	for _, rule := range rules {
		if !ruleengine.Match(rule, msg.Source, msg.Type) {
			continue
		}
		for _, a := range rule.Actions {
			newJobs = append(newJobs, domain.NewJob{
				RuleID:   rule.ID,
				ActionID: a.ID,
				Kind:     a.Kind,
				Payload:  ruleengine.RenderConfig(a.Config, tctx),
			})
		}
	}

	ids, ok, err := s.Jobs.FanOut(ctx, msg.EventID, newJobs, s.MaxAttempts)
	if err != nil {
		return err
	}
	if !ok {
		slog.Info("event already fanned out, skipping redelivery", slog.String("event_id", msg.EventID))
		return nil
	}

	if len(ids) == 0 {
		// No matching rules: nothing will ever finalize this event, so
		// derive DONE right here.
		slog.Info("no matching rules", slog.String("event_id", msg.EventID))
		return s.Events.Finalize(ctx, msg.EventID)
	}

	for i, id := range ids {
		if err := s.Publisher.PublishJobExecute(ctx, id); err != nil {
			// The job row exists as QUEUED with no message; log loudly.
			// The retry scanner only republishes FAILED rows.
			slog.Error("job.execute publish failed",
				slog.String("event_id", msg.EventID),
				slog.String("job_id", id),
				slog.Any("error", err))
			continue
		}
		observability.JobsEnqueuedTotal.WithLabelValues(string(newJobs[i].Kind)).Inc()
	}
	slog.Info("event fanned out",
		slog.String("event_id", msg.EventID),
		slog.Int("jobs", len(ids)))
	return nil
}
