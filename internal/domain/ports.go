package domain

import "time"

// Repositories (ports). Transactional operations own their transaction; the
// store is the only coordination point between workers.

type EventStore interface {
	Create(ctx Context, e Event) (string, error)
	FindByIdempotencyKey(ctx Context, key string) (Event, error)
	Get(ctx Context, id string) (Event, error)
	// Finalize derives the event status from its child jobs in a single
	// self-consistent UPDATE; calling it repeatedly is idempotent.
	Finalize(ctx Context, eventID string) error
}

type RuleStore interface {
	Create(ctx Context, r Rule) (string, error)
	Get(ctx Context, id string) (Rule, error)
	Update(ctx Context, r Rule, replaceActions bool) error
	List(ctx Context, enabled *bool) ([]Rule, error)
	// ListEnabled returns enabled rules with their actions sorted by
	// (rule_id, order_no).
	ListEnabled(ctx Context) ([]Rule, error)
}

type JobStore interface {
	// FanOut transitions the event to PROCESSING and inserts the given jobs
	// in one transaction, returning the new job ids. An event that is no
	// longer ACCEPTED is skipped (redelivered message) and yields ok=false.
	FanOut(ctx Context, eventID string, jobs []NewJob, maxAttempts int) (ids []string, ok bool, err error)
	// Claim locks the job row (FOR UPDATE SKIP LOCKED), verifies it is
	// runnable (QUEUED or FAILED, any retry lease notwithstanding), and marks
	// it PROCESSING with next_run_at cleared. ok=false means nothing to do.
	Claim(ctx Context, jobID string) (job Job, ok bool, err error)
	RecordSuccess(ctx Context, jobID string, attemptNo int, result map[string]any, startedAt time.Time) error
	RecordFailure(ctx Context, jobID string, attemptNo int, dead bool, errMsg string, result map[string]any, nextRunAt *time.Time, startedAt time.Time) error
	// DueRetries selects FAILED jobs whose next_run_at has elapsed and
	// pushes their next_run_at forward by the lease window so concurrent
	// scanners do not double-enqueue.
	DueRetries(ctx Context, now time.Time, limit int, lease time.Duration) ([]string, error)
	// SweepStuck returns jobs pinned in PROCESSING longer than the cutoff
	// back to FAILED with next_run_at=now so the scanner re-enqueues them.
	SweepStuck(ctx Context, cutoff time.Time) (int, error)
	Get(ctx Context, id string) (Job, error)
	ListByEvent(ctx Context, eventID string) ([]Job, error)
}

type CircuitStore interface {
	// EnsureClosed upserts a CLOSED row for the key (no-op when present)
	// and returns the current entry.
	EnsureClosed(ctx Context, key string) (CircuitBreakerEntry, error)
	// OnSuccess resets the breaker to CLOSED with zeroed counters.
	OnSuccess(ctx Context, key string) error
	// OnFailure increments the failure count and flips the breaker to OPEN
	// when the count reaches the threshold. Returns the new state.
	OnFailure(ctx Context, key string, threshold int) (CircuitState, error)
	List(ctx Context, state *CircuitState, limit int) ([]CircuitBreakerEntry, error)
	Reset(ctx Context, key string) error
}

// Publisher (port) over the broker's two logical channels.

type Publisher interface {
	PublishEventIngested(ctx Context, msg EventIngested) error
	PublishJobExecute(ctx Context, jobID string) error
}

// WebhookCaller (port); implemented by the HTTP webhook adapter.

type WebhookCaller interface {
	Call(ctx Context, req WebhookRequest) (WebhookResult, error)
}

// WebhookRequest is one outbound webhook call derived from a job payload.
type WebhookRequest struct {
	Method  string
	URL     string
	Body    map[string]any
	Headers map[string]string
	IdemKey string
}

// WebhookResult carries the response of a successful call.
type WebhookResult struct {
	Status int
	Body   string
}
