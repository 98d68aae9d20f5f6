package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
)

// CircuitRepo persists per-host webhook breaker state. State lives in the
// database so it survives restarts and is shared across workers.
type CircuitRepo struct{ Pool PgxPool }

// NewCircuitRepo constructs a CircuitRepo with the given pool.
func NewCircuitRepo(p PgxPool) *CircuitRepo { return &CircuitRepo{Pool: p} }

// EnsureClosed upserts a CLOSED row for the key and returns the current
// entry. An existing row is left untouched.
func (r *CircuitRepo) EnsureClosed(ctx domain.Context, key string) (domain.CircuitBreakerEntry, error) {
	tracer := otel.Tracer("repo.circuit")
	ctx, span := tracer.Start(ctx, "circuit.EnsureClosed")
	defer span.End()

	q := `INSERT INTO webhook_circuit (key, state, failure_count, updated_at)
	      VALUES ($1,$2,0,now()) ON CONFLICT (key) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, key, domain.CircuitClosed); err != nil {
		return domain.CircuitBreakerEntry{}, fmt.Errorf("op=circuit.ensure: %w", err)
	}
	entry, err := scanCircuit(r.Pool.QueryRow(ctx, circuitSelect+` WHERE key=$1`, key))
	if err != nil {
		return domain.CircuitBreakerEntry{}, fmt.Errorf("op=circuit.ensure: %w", err)
	}
	return entry, nil
}

// OnSuccess resets the breaker to CLOSED with zeroed counters.
func (r *CircuitRepo) OnSuccess(ctx domain.Context, key string) error {
	tracer := otel.Tracer("repo.circuit")
	ctx, span := tracer.Start(ctx, "circuit.OnSuccess")
	defer span.End()

	q := `UPDATE webhook_circuit
	      SET state=$2, failure_count=0, opened_at=NULL, last_failure_at=NULL, updated_at=now()
	      WHERE key=$1`
	if _, err := r.Pool.Exec(ctx, q, key, domain.CircuitClosed); err != nil {
		return fmt.Errorf("op=circuit.on_success: %w", err)
	}
	return nil
}

// OnFailure increments the failure count under a row lock and flips the
// breaker to OPEN when the count reaches the threshold.
func (r *CircuitRepo) OnFailure(ctx domain.Context, key string, threshold int) (domain.CircuitState, error) {
	tracer := otel.Tracer("repo.circuit")
	ctx, span := tracer.Start(ctx, "circuit.OnFailure")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("op=circuit.on_failure: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var count int
	if err := tx.QueryRow(ctx, `SELECT failure_count FROM webhook_circuit WHERE key=$1 FOR UPDATE`, key).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("op=circuit.on_failure: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=circuit.on_failure: %w", err)
	}
	count++
	state := domain.CircuitClosed
	if count >= threshold {
		state = domain.CircuitOpen
		_, err = tx.Exec(ctx, `UPDATE webhook_circuit SET state=$2, failure_count=$3, opened_at=now(), last_failure_at=now(), updated_at=now() WHERE key=$1`, key, state, count)
	} else {
		_, err = tx.Exec(ctx, `UPDATE webhook_circuit SET failure_count=$2, last_failure_at=now(), updated_at=now() WHERE key=$1`, key, count)
	}
	if err != nil {
		return "", fmt.Errorf("op=circuit.on_failure: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=circuit.on_failure: %w", err)
	}
	span.SetAttributes(attribute.Int("circuit.failure_count", count), attribute.String("circuit.state", string(state)))
	return state, nil
}

// List loads breaker rows newest first, optionally filtered by state.
func (r *CircuitRepo) List(ctx domain.Context, state *domain.CircuitState, limit int) ([]domain.CircuitBreakerEntry, error) {
	tracer := otel.Tracer("repo.circuit")
	ctx, span := tracer.Start(ctx, "circuit.List")
	defer span.End()

	q := circuitSelect
	args := []any{}
	if state != nil {
		q += ` WHERE state=$1`
		args = append(args, *state)
	}
	q += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT %d`, limit)
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=circuit.list: %w", err)
	}
	defer rows.Close()
	var out []domain.CircuitBreakerEntry
	for rows.Next() {
		e, err := scanCircuit(rows)
		if err != nil {
			return nil, fmt.Errorf("op=circuit.list: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=circuit.list: %w", err)
	}
	return out, nil
}

// Reset closes the breaker from the admin API; unknown keys are ErrNotFound.
func (r *CircuitRepo) Reset(ctx domain.Context, key string) error {
	tracer := otel.Tracer("repo.circuit")
	ctx, span := tracer.Start(ctx, "circuit.Reset")
	defer span.End()

	q := `UPDATE webhook_circuit
	      SET state=$2, failure_count=0, opened_at=NULL, last_failure_at=NULL, updated_at=now()
	      WHERE key=$1`
	tag, err := r.Pool.Exec(ctx, q, key, domain.CircuitClosed)
	if err != nil {
		return fmt.Errorf("op=circuit.reset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=circuit.reset: %w", domain.ErrNotFound)
	}
	return nil
}

const circuitSelect = `SELECT key, state, failure_count, opened_at, last_failure_at, updated_at FROM webhook_circuit`

func scanCircuit(row pgx.Row) (domain.CircuitBreakerEntry, error) {
	var e domain.CircuitBreakerEntry
	if err := row.Scan(&e.Key, &e.State, &e.FailureCount, &e.OpenedAt, &e.LastFailureAt, &e.UpdatedAt); err != nil {
		return domain.CircuitBreakerEntry{}, err
	}
	return e, nil
}
