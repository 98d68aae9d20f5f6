// Package usecase contains the hub's application services: ingest, fan-out,
// job execution, and retry scanning.
package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/zoo-event-hub/internal/adapter/observability"
	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
	obsctx "github.com/fairyhunter13/zoo-event-hub/internal/observability"
)

// IngestService turns an ingest request into a durable event row and an
// event.ingested publish.
type IngestService struct {
	Events    domain.EventStore
	Publisher domain.Publisher
	now       func() time.Time
}

// NewIngestService constructs an IngestService with its dependencies.
func NewIngestService(events domain.EventStore, pub domain.Publisher) IngestService {
	return IngestService{Events: events, Publisher: pub, now: time.Now}
}

// IngestResult is the ingest response shape.
type IngestResult struct {
	EventID  string
	Existing bool
}

// Ingest persists the event and publishes event.ingested. When the
// idempotency key matches an existing event, the prior id is returned and
// nothing is published.
func (s IngestService) Ingest(ctx domain.Context, e domain.Event) (IngestResult, error) {
	if e.Source == "" || e.Type == "" {
		return IngestResult{}, fmt.Errorf("%w: source and type required", domain.ErrInvalidArgument)
	}
	if e.IdemKey != nil && *e.IdemKey != "" {
		if prior, err := s.Events.FindByIdempotencyKey(ctx, *e.IdemKey); err == nil && prior.ID != "" {
			return IngestResult{EventID: prior.ID, Existing: true}, nil
		}
	}

	now := s.now().UTC()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	e.ReceivedAt = now
	e.Status = domain.EventAccepted

	id, err := s.Events.Create(ctx, e)
	if err != nil {
		return IngestResult{}, err
	}
	observability.EventsIngestedTotal.WithLabelValues(e.Source).Inc()

	msg := domain.EventIngested{
		EventID:    id,
		Source:     e.Source,
		Type:       e.Type,
		Subject:    e.Subject,
		Payload:    e.Payload,
		OccurredAt: e.OccurredAt.UTC(),
		ReceivedAt: e.ReceivedAt.UTC(),
	}
	if err := s.Publisher.PublishEventIngested(ctx, msg); err != nil {
		// The row exists; surfacing the error lets the caller retry the
		// whole request under the same idempotency key.
		return IngestResult{}, err
	}
	obsctx.LoggerFromContext(ctx).Info("event accepted",
		slog.String("event_id", id),
		slog.String("source", e.Source),
		slog.String("type", e.Type))
	return IngestResult{EventID: id}, nil
}
