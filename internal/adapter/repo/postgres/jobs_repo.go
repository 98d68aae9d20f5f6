package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
)

// JobRepo persists jobs and job attempts. All multi-statement operations
// own a transaction; job claiming relies on FOR UPDATE SKIP LOCKED so that
// multiple executors can share one queue safely.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// FanOut marks the event PROCESSING and inserts the given jobs in one
// transaction, returning the inserted ids. A redelivered event whose status
// already moved past ACCEPTED is skipped with ok=false.
func (r *JobRepo) FanOut(ctx domain.Context, eventID string, jobs []domain.NewJob, maxAttempts int) ([]string, bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FanOut")
	defer span.End()
	span.SetAttributes(attribute.Int("jobs.count", len(jobs)))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("op=job.fanout: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE events SET status=$2 WHERE id=$1 AND status=$3`, eventID, domain.EventProcessing, domain.EventAccepted)
	if err != nil {
		return nil, false, fmt.Errorf("op=job.fanout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Redelivery or unknown event; leave state untouched.
		return nil, false, tx.Commit(ctx)
	}

	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		payload, err := json.Marshal(j.Payload)
		if err != nil {
			return nil, false, fmt.Errorf("op=job.fanout: %w", err)
		}
		var id string
		q := `INSERT INTO jobs (event_id, rule_id, action_id, kind, status, attempts, max_attempts, payload, created_at, updated_at)
		      VALUES ($1,$2,$3,$4,$5,0,$6,$7,now(),now()) RETURNING id`
		if err := tx.QueryRow(ctx, q, eventID, j.RuleID, j.ActionID, j.Kind, domain.JobQueued, maxAttempts, payload).Scan(&id); err != nil {
			return nil, false, fmt.Errorf("op=job.fanout: %w", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("op=job.fanout: %w", err)
	}
	return ids, true, nil
}

// Claim locks the job row, verifies it is runnable, and marks it PROCESSING.
// ok=false means the row is missing, locked by a peer, terminal, or already
// in flight; the caller acks without work in every such case. A FAILED job is
// claimable even while next_run_at carries the scanner's lease: the only
// publisher for FAILED jobs is the scanner, so the message in hand is the one
// that lease covers. The claim clears next_run_at along with the transition.
func (r *JobRepo) Claim(ctx domain.Context, jobID string) (domain.Job, bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := jobSelect + ` WHERE id=$1 FOR UPDATE SKIP LOCKED`
	job, err := scanJob(tx.QueryRow(ctx, q, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, false, tx.Commit(ctx)
		}
		return domain.Job{}, false, fmt.Errorf("op=job.claim: %w", err)
	}
	if job.Status != domain.JobQueued && job.Status != domain.JobFailed {
		return domain.Job{}, false, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status=$2, next_run_at=NULL, updated_at=now() WHERE id=$1`, jobID, domain.JobProcessing); err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.claim: %w", err)
	}
	job.Status = domain.JobProcessing
	job.NextRunAt = nil
	return job, true, nil
}

// RecordSuccess appends the SUCCEEDED attempt row and marks the job
// SUCCEEDED in one transaction.
func (r *JobRepo) RecordSuccess(ctx domain.Context, jobID string, attemptNo int, result map[string]any, startedAt time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RecordSuccess")
	defer span.End()

	res, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("op=job.record_success: %w", err)
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.record_success: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO job_attempts (job_id, attempt_no, status, result, started_at, finished_at)
	      VALUES ($1,$2,$3,$4,$5,now())`
	if _, err := tx.Exec(ctx, q, jobID, attemptNo, domain.JobSucceeded, res, startedAt.UTC()); err != nil {
		return fmt.Errorf("op=job.record_success: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status=$2, attempts=$3, next_run_at=NULL, updated_at=now() WHERE id=$1`, jobID, domain.JobSucceeded, attemptNo); err != nil {
		return fmt.Errorf("op=job.record_success: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.record_success: %w", err)
	}
	return nil
}

// RecordFailure appends the FAILED attempt row and advances the job to
// FAILED (with next_run_at set) or DEAD in one transaction.
func (r *JobRepo) RecordFailure(ctx domain.Context, jobID string, attemptNo int, dead bool, errMsg string, result map[string]any, nextRunAt *time.Time, startedAt time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RecordFailure")
	defer span.End()
	span.SetAttributes(attribute.Bool("job.dead", dead))

	res, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("op=job.record_failure: %w", err)
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.record_failure: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO job_attempts (job_id, attempt_no, status, error, result, started_at, finished_at)
	      VALUES ($1,$2,$3,$4,$5,$6,now())`
	if _, err := tx.Exec(ctx, q, jobID, attemptNo, domain.JobFailed, errMsg, res, startedAt.UTC()); err != nil {
		return fmt.Errorf("op=job.record_failure: %w", err)
	}
	status := domain.JobFailed
	if dead {
		status = domain.JobDead
		nextRunAt = nil
	}
	var next any
	if nextRunAt != nil {
		next = nextRunAt.UTC()
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status=$2, attempts=$3, last_error=$4, next_run_at=$5, updated_at=now() WHERE id=$1`, jobID, status, attemptNo, errMsg, next); err != nil {
		return fmt.Errorf("op=job.record_failure: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.record_failure: %w", err)
	}
	return nil
}

// DueRetries selects FAILED jobs whose backoff has elapsed, pushes their
// next_run_at forward by the lease window, and returns their ids. The lease
// keeps overlapping scanner passes from enqueueing a job twice; it does not
// gate Claim, which clears it when the executor picks the job up.
func (r *JobRepo) DueRetries(ctx domain.Context, now time.Time, limit int, lease time.Duration) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DueRetries")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=job.due_retries: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT id FROM jobs
	      WHERE status=$1 AND next_run_at IS NOT NULL AND next_run_at <= $2
	      ORDER BY next_run_at ASC LIMIT $3
	      FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, q, domain.JobFailed, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.due_retries: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("op=job.due_retries: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.due_retries: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET next_run_at = $2 + $3::interval, updated_at=now() WHERE id = ANY($1) AND status=$4`,
		ids, now.UTC(), fmt.Sprintf("%d seconds", int(lease.Seconds())), domain.JobFailed); err != nil {
		return nil, fmt.Errorf("op=job.due_retries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=job.due_retries: %w", err)
	}
	span.SetAttributes(attribute.Int("jobs.due", len(ids)))
	return ids, nil
}

// SweepStuck returns jobs pinned in PROCESSING since before the cutoff back
// to FAILED with an immediate next_run_at. The failure does not consume an
// attempt; the executor records attempts only when it runs.
func (r *JobRepo) SweepStuck(ctx domain.Context, cutoff time.Time) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SweepStuck")
	defer span.End()

	q := `UPDATE jobs SET status=$1, next_run_at=now(), last_error=$2, updated_at=now()
	      WHERE status=$3 AND updated_at < $4`
	tag, err := r.Pool.Exec(ctx, q, domain.JobFailed, "returned by stuck-job sweeper", domain.JobProcessing, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=job.sweep_stuck: %w", err)
	}
	n := int(tag.RowsAffected())
	span.SetAttributes(attribute.Int("jobs.swept", n))
	return n, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	job, err := scanJob(r.Pool.QueryRow(ctx, jobSelect+` WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return job, nil
}

// ListByEvent loads all jobs owned by an event.
func (r *JobRepo) ListByEvent(ctx domain.Context, eventID string) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByEvent")
	defer span.End()
	rows, err := r.Pool.Query(ctx, jobSelect+` WHERE event_id=$1 ORDER BY created_at ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_by_event: %w", err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_by_event: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_by_event: %w", err)
	}
	return jobs, nil
}

const jobSelect = `SELECT id, event_id, rule_id, action_id, kind, status, attempts, max_attempts, payload, last_error, next_run_at, created_at, updated_at FROM jobs`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var payload []byte
	if err := row.Scan(&j.ID, &j.EventID, &j.RuleID, &j.ActionID, &j.Kind, &j.Status, &j.Attempts, &j.MaxAttempts, &payload, &j.LastError, &j.NextRunAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return domain.Job{}, err
		}
	}
	return j, nil
}
