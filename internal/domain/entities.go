// Package domain defines the hub's entities, ports, and error taxonomy.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrCircuitOpen     = errors.New("circuit open")
	ErrInternal        = errors.New("internal error")
)

// Context is an alias kept so ports read uniformly.
type Context = context.Context

// EventStatus enumerates the event lifecycle.
// ACCEPTED -> PROCESSING -> {DONE, FAILED}; DONE and FAILED are sinks
// derived from child jobs.
type EventStatus string

const (
	EventAccepted   EventStatus = "ACCEPTED"
	EventProcessing EventStatus = "PROCESSING"
	EventDone       EventStatus = "DONE"
	EventFailed     EventStatus = "FAILED"
)

// Subject identifies the thing an event is about.
type Subject struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Event is an externally submitted fact to which rules react.
type Event struct {
	ID         string
	Source     string
	Type       string
	Subject    Subject
	Payload    map[string]any
	OccurredAt time.Time
	ReceivedAt time.Time
	IdemKey    *string
	Status     EventStatus
}

// ActionKind enumerates action/job kinds.
type ActionKind string

const (
	KindEmail   ActionKind = "EMAIL"
	KindWebhook ActionKind = "WEBHOOK"
)

// RuleMatch is the rule predicate; a nil field is a wildcard for that
// dimension.
type RuleMatch struct {
	Source *string
	Type   *string
}

// RuleAction is a template for one side effect; its Config is rendered into
// the job payload when the owning rule matches.
type RuleAction struct {
	ID      string
	RuleID  string
	Kind    ActionKind
	Config  map[string]any
	OrderNo int
}

// Rule is a predicate over (source, type) and an ordered list of actions.
type Rule struct {
	ID      string
	Name    string
	Enabled bool
	Match   RuleMatch
	Actions []RuleAction
}

// JobStatus enumerates the job state machine.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobSucceeded  JobStatus = "SUCCEEDED"
	JobFailed     JobStatus = "FAILED"
	JobDead       JobStatus = "DEAD"
)

// Job is a scheduled execution of one action for one event.
// Invariants: Attempts <= MaxAttempts; DEAD implies Attempts >= MaxAttempts;
// NextRunAt is nil except for FAILED with attempts remaining.
type Job struct {
	ID          string
	EventID     string
	RuleID      string
	ActionID    string
	Kind        ActionKind
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	Payload     map[string]any
	LastError   *string
	NextRunAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// JobAttempt is an append-only audit row; (JobID, AttemptNo) is unique.
type JobAttempt struct {
	JobID      string
	AttemptNo  int
	Status     JobStatus
	Error      *string
	Result     map[string]any
	StartedAt  time.Time
	FinishedAt time.Time
}

// CircuitState enumerates breaker states.
type CircuitState string

const (
	CircuitClosed CircuitState = "CLOSED"
	CircuitOpen   CircuitState = "OPEN"
)

// CircuitBreakerEntry is the persisted per-host breaker row.
// Invariants: OPEN implies OpenedAt set; CLOSED implies FailureCount=0 and
// OpenedAt nil.
type CircuitBreakerEntry struct {
	Key           string
	State         CircuitState
	FailureCount  int
	OpenedAt      *time.Time
	LastFailureAt *time.Time
	UpdatedAt     time.Time
}

// NewJob describes one job to insert during fan-out.
type NewJob struct {
	RuleID   string
	ActionID string
	Kind     ActionKind
	Payload  map[string]any
}
