package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
)

// EventRepo persists and loads events using a minimal pgx pool.
type EventRepo struct{ Pool PgxPool }

// NewEventRepo constructs an EventRepo with the given pool.
func NewEventRepo(p PgxPool) *EventRepo { return &EventRepo{Pool: p} }

// Create inserts a new event in ACCEPTED state and returns its id.
// A duplicate idempotency key surfaces as domain.ErrConflict.
func (r *EventRepo) Create(ctx domain.Context, e domain.Event) (string, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Create")
	defer span.End()
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return "", fmt.Errorf("op=event.create: %w", err)
	}
	q := `INSERT INTO events (id, source, type, subject_kind, subject_id, payload, occurred_at, received_at, idempotency_key, status)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err = r.Pool.Exec(ctx, q, id, e.Source, e.Type, e.Subject.Kind, e.Subject.ID, payload, e.OccurredAt.UTC(), e.ReceivedAt.UTC(), e.IdemKey, domain.EventAccepted)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", fmt.Errorf("op=event.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=event.create: %w", err)
	}
	return id, nil
}

// FindByIdempotencyKey loads an event by its idempotency key.
func (r *EventRepo) FindByIdempotencyKey(ctx domain.Context, key string) (domain.Event, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.FindByIdempotencyKey")
	defer span.End()
	q := eventSelect + ` WHERE idempotency_key=$1 LIMIT 1`
	return r.scanEvent(r.Pool.QueryRow(ctx, q, key), "event.find_idem")
}

// Get loads an event by id.
func (r *EventRepo) Get(ctx domain.Context, id string) (domain.Event, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Get")
	defer span.End()
	q := eventSelect + ` WHERE id=$1`
	return r.scanEvent(r.Pool.QueryRow(ctx, q, id), "event.get")
}

// Finalize derives the event status from its child jobs in a single
// self-consistent UPDATE: any DEAD child fails the event, any non-terminal
// child leaves it unchanged, otherwise it is DONE (including zero children).
// Last committer wins with the same derivation, so the result is idempotent.
func (r *EventRepo) Finalize(ctx domain.Context, eventID string) error {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Finalize")
	defer span.End()
	q := `UPDATE events e
	      SET status = CASE
	          WHEN EXISTS (SELECT 1 FROM jobs j WHERE j.event_id=e.id AND j.status='DEAD') THEN 'FAILED'
	          WHEN EXISTS (SELECT 1 FROM jobs j WHERE j.event_id=e.id AND j.status IN ('QUEUED','PROCESSING','FAILED')) THEN e.status
	          ELSE 'DONE'
	      END
	      WHERE e.id=$1`
	if _, err := r.Pool.Exec(ctx, q, eventID); err != nil {
		return fmt.Errorf("op=event.finalize: %w", err)
	}
	return nil
}

const eventSelect = `SELECT id, source, type, subject_kind, subject_id, payload, occurred_at, received_at, idempotency_key, status FROM events`

func (r *EventRepo) scanEvent(row pgx.Row, op string) (domain.Event, error) {
	var e domain.Event
	var payload []byte
	var occurredAt, receivedAt time.Time
	if err := row.Scan(&e.ID, &e.Source, &e.Type, &e.Subject.Kind, &e.Subject.ID, &payload, &occurredAt, &receivedAt, &e.IdemKey, &e.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Event{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.Event{}, fmt.Errorf("op=%s: %w", op, err)
	}
	e.OccurredAt = occurredAt
	e.ReceivedAt = receivedAt
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return domain.Event{}, fmt.Errorf("op=%s: %w", op, err)
		}
	}
	return e, nil
}
