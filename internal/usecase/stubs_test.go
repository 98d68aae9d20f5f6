package usecase_test

import (
	"time"

	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
)

func strp(s string) *string { return &s }

type stubEventStore struct {
	created    []domain.Event
	createID   string
	createErr  error
	byIdemKey  map[string]domain.Event
	finalized  []string
	finalizeFn func(eventID string) error
}

func (s *stubEventStore) Create(_ domain.Context, e domain.Event) (string, error) {
	s.created = append(s.created, e)
	if s.createErr != nil {
		return "", s.createErr
	}
	return s.createID, nil
}

func (s *stubEventStore) FindByIdempotencyKey(_ domain.Context, key string) (domain.Event, error) {
	if e, ok := s.byIdemKey[key]; ok {
		return e, nil
	}
	return domain.Event{}, domain.ErrNotFound
}

func (s *stubEventStore) Get(_ domain.Context, id string) (domain.Event, error) {
	return domain.Event{ID: id}, nil
}

func (s *stubEventStore) Finalize(_ domain.Context, eventID string) error {
	s.finalized = append(s.finalized, eventID)
	if s.finalizeFn != nil {
		return s.finalizeFn(eventID)
	}
	return nil
}

type stubRuleStore struct {
	enabled []domain.Rule
	err     error
}

func (s *stubRuleStore) Create(_ domain.Context, _ domain.Rule) (string, error) { return "", nil }
func (s *stubRuleStore) Get(_ domain.Context, _ string) (domain.Rule, error) {
	return domain.Rule{}, domain.ErrNotFound
}
func (s *stubRuleStore) Update(_ domain.Context, _ domain.Rule, _ bool) error { return nil }
func (s *stubRuleStore) List(_ domain.Context, _ *bool) ([]domain.Rule, error) {
	return s.enabled, s.err
}
func (s *stubRuleStore) ListEnabled(_ domain.Context) ([]domain.Rule, error) {
	return s.enabled, s.err
}

type stubJobStore struct {
	fanOutEventID string
	fanOutJobs    []domain.NewJob
	fanOutMax     int
	fanOutIDs     []string
	fanOutOK      bool
	fanOutErr     error

	claimJob domain.Job
	claimOK  bool
	claimErr error

	successes []recordedSuccess
	failures  []recordedFailure

	dueIDs   []string
	dueErr   error
	dueCalls int

	sweptCutoff time.Time
	sweptCount  int
}

type recordedSuccess struct {
	jobID     string
	attemptNo int
	result    map[string]any
}

type recordedFailure struct {
	jobID     string
	attemptNo int
	dead      bool
	errMsg    string
	result    map[string]any
	nextRunAt *time.Time
}

func (s *stubJobStore) FanOut(_ domain.Context, eventID string, jobs []domain.NewJob, maxAttempts int) ([]string, bool, error) {
	s.fanOutEventID = eventID
	s.fanOutJobs = jobs
	s.fanOutMax = maxAttempts
	return s.fanOutIDs, s.fanOutOK, s.fanOutErr
}

func (s *stubJobStore) Claim(_ domain.Context, _ string) (domain.Job, bool, error) {
	return s.claimJob, s.claimOK, s.claimErr
}

func (s *stubJobStore) RecordSuccess(_ domain.Context, jobID string, attemptNo int, result map[string]any, _ time.Time) error {
	s.successes = append(s.successes, recordedSuccess{jobID: jobID, attemptNo: attemptNo, result: result})
	return nil
}

func (s *stubJobStore) RecordFailure(_ domain.Context, jobID string, attemptNo int, dead bool, errMsg string, result map[string]any, nextRunAt *time.Time, _ time.Time) error {
	s.failures = append(s.failures, recordedFailure{jobID: jobID, attemptNo: attemptNo, dead: dead, errMsg: errMsg, result: result, nextRunAt: nextRunAt})
	return nil
}

func (s *stubJobStore) DueRetries(_ domain.Context, _ time.Time, _ int, _ time.Duration) ([]string, error) {
	s.dueCalls++
	return s.dueIDs, s.dueErr
}

func (s *stubJobStore) SweepStuck(_ domain.Context, cutoff time.Time) (int, error) {
	s.sweptCutoff = cutoff
	return s.sweptCount, nil
}

func (s *stubJobStore) Get(_ domain.Context, id string) (domain.Job, error) {
	return domain.Job{ID: id}, nil
}

func (s *stubJobStore) ListByEvent(_ domain.Context, _ string) ([]domain.Job, error) {
	return nil, nil
}

type stubPublisher struct {
	events     []domain.EventIngested
	eventErr   error
	jobIDs     []string
	jobErrFor  map[string]error
	jobErrOnce error
}

func (p *stubPublisher) PublishEventIngested(_ domain.Context, msg domain.EventIngested) error {
	if p.eventErr != nil {
		return p.eventErr
	}
	p.events = append(p.events, msg)
	return nil
}

func (p *stubPublisher) PublishJobExecute(_ domain.Context, jobID string) error {
	if err := p.jobErrFor[jobID]; err != nil {
		return err
	}
	if p.jobErrOnce != nil {
		err := p.jobErrOnce
		p.jobErrOnce = nil
		return err
	}
	p.jobIDs = append(p.jobIDs, jobID)
	return nil
}

type stubWebhookCaller struct {
	lastReq domain.WebhookRequest
	result  domain.WebhookResult
	err     error
}

func (c *stubWebhookCaller) Call(_ domain.Context, req domain.WebhookRequest) (domain.WebhookResult, error) {
	c.lastReq = req
	return c.result, c.err
}
