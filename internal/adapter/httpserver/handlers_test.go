package httpserver_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/zoo-event-hub/internal/adapter/httpserver"
	"github.com/fairyhunter13/zoo-event-hub/internal/app"
	"github.com/fairyhunter13/zoo-event-hub/internal/config"
	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
	"github.com/fairyhunter13/zoo-event-hub/internal/usecase"
)

type memEventStore struct {
	created  []domain.Event
	lastID   int
	byIdem   map[string]string
	byID     map[string]domain.Event
	finalize []string
}

func (s *memEventStore) Create(_ domain.Context, e domain.Event) (string, error) {
	s.lastID++
	id := fmt.Sprintf("ev-%d", s.lastID)
	e.ID = id
	s.created = append(s.created, e)
	if s.byID == nil {
		s.byID = map[string]domain.Event{}
	}
	s.byID[id] = e
	if e.IdemKey != nil {
		if s.byIdem == nil {
			s.byIdem = map[string]string{}
		}
		s.byIdem[*e.IdemKey] = id
	}
	return id, nil
}

func (s *memEventStore) FindByIdempotencyKey(_ domain.Context, key string) (domain.Event, error) {
	if id, ok := s.byIdem[key]; ok {
		return domain.Event{ID: id}, nil
	}
	return domain.Event{}, domain.ErrNotFound
}

func (s *memEventStore) Get(_ domain.Context, id string) (domain.Event, error) {
	if e, ok := s.byID[id]; ok {
		return e, nil
	}
	return domain.Event{}, domain.ErrNotFound
}

func (s *memEventStore) Finalize(_ domain.Context, eventID string) error {
	s.finalize = append(s.finalize, eventID)
	return nil
}

type memPublisher struct {
	events []domain.EventIngested
	err    error
}

func (p *memPublisher) PublishEventIngested(_ domain.Context, msg domain.EventIngested) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, msg)
	return nil
}

func (p *memPublisher) PublishJobExecute(_ domain.Context, _ string) error { return nil }

type memRuleStore struct {
	rules  map[string]domain.Rule
	lastID int
	err    error
}

func (s *memRuleStore) Create(_ domain.Context, r domain.Rule) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.lastID++
	id := fmt.Sprintf("r-%d", s.lastID)
	r.ID = id
	if s.rules == nil {
		s.rules = map[string]domain.Rule{}
	}
	s.rules[id] = r
	return id, nil
}

func (s *memRuleStore) Get(_ domain.Context, id string) (domain.Rule, error) {
	r, ok := s.rules[id]
	if !ok {
		return domain.Rule{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *memRuleStore) Update(_ domain.Context, r domain.Rule, _ bool) error {
	if _, ok := s.rules[r.ID]; !ok {
		return domain.ErrNotFound
	}
	s.rules[r.ID] = r
	return nil
}

func (s *memRuleStore) List(_ domain.Context, enabled *bool) ([]domain.Rule, error) {
	var out []domain.Rule
	for _, r := range s.rules {
		if enabled == nil || r.Enabled == *enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memRuleStore) ListEnabled(ctx domain.Context) ([]domain.Rule, error) {
	t := true
	return s.List(ctx, &t)
}

type memJobStore struct {
	jobs map[string]domain.Job
}

func (s *memJobStore) FanOut(_ domain.Context, _ string, _ []domain.NewJob, _ int) ([]string, bool, error) {
	return nil, false, nil
}
func (s *memJobStore) Claim(_ domain.Context, _ string) (domain.Job, bool, error) {
	return domain.Job{}, false, nil
}
func (s *memJobStore) RecordSuccess(_ domain.Context, _ string, _ int, _ map[string]any, _ time.Time) error {
	return nil
}
func (s *memJobStore) RecordFailure(_ domain.Context, _ string, _ int, _ bool, _ string, _ map[string]any, _ *time.Time, _ time.Time) error {
	return nil
}
func (s *memJobStore) DueRetries(_ domain.Context, _ time.Time, _ int, _ time.Duration) ([]string, error) {
	return nil, nil
}
func (s *memJobStore) SweepStuck(_ domain.Context, _ time.Time) (int, error) { return 0, nil }
func (s *memJobStore) Get(_ domain.Context, id string) (domain.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}
func (s *memJobStore) ListByEvent(_ domain.Context, eventID string) ([]domain.Job, error) {
	var out []domain.Job
	for _, j := range s.jobs {
		if j.EventID == eventID {
			out = append(out, j)
		}
	}
	return out, nil
}

type memCircuitStore struct {
	entries  []domain.CircuitBreakerEntry
	resetKey string
	resetErr error
}

func (s *memCircuitStore) EnsureClosed(_ domain.Context, key string) (domain.CircuitBreakerEntry, error) {
	return domain.CircuitBreakerEntry{Key: key, State: domain.CircuitClosed}, nil
}
func (s *memCircuitStore) OnSuccess(_ domain.Context, _ string) error { return nil }
func (s *memCircuitStore) OnFailure(_ domain.Context, _ string, _ int) (domain.CircuitState, error) {
	return domain.CircuitClosed, nil
}
func (s *memCircuitStore) List(_ domain.Context, state *domain.CircuitState, _ int) ([]domain.CircuitBreakerEntry, error) {
	var out []domain.CircuitBreakerEntry
	for _, e := range s.entries {
		if state == nil || e.State == *state {
			out = append(out, e)
		}
	}
	return out, nil
}
func (s *memCircuitStore) Reset(_ domain.Context, key string) error {
	s.resetKey = key
	return s.resetErr
}

type testEnv struct {
	handler  http.Handler
	events   *memEventStore
	pub      *memPublisher
	rules    *memRuleStore
	jobs     *memJobStore
	circuits *memCircuitStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		AppEnv:           "test",
		CORSAllowOrigins: "*",
		RateLimitPerMin:  1000,
	}
	events := &memEventStore{}
	pub := &memPublisher{}
	rules := &memRuleStore{}
	jobs := &memJobStore{}
	circuits := &memCircuitStore{}
	srv := httpserver.NewServer(cfg, usecase.NewIngestService(events, pub), events, rules, jobs, circuits, nil, nil)
	return &testEnv{
		handler:  app.BuildRouter(cfg, srv),
		events:   events,
		pub:      pub,
		rules:    rules,
		jobs:     jobs,
		circuits: circuits,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	} else {
		r = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngestEndpoint_Accepted(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/events", map[string]any{
		"source":  "keeper-app",
		"type":    "animal.fed",
		"subject": map[string]any{"kind": "animal", "id": "lion-42"},
		"payload": map[string]any{"food": "meat"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		EventID      string `json:"eventId"`
		Status       string `json:"status"`
		EnqueuedJobs int    `json:"enqueuedJobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ev-1", resp.EventID)
	assert.Equal(t, "ACCEPTED", resp.Status)
	assert.Equal(t, 0, resp.EnqueuedJobs)
	require.Len(t, env.pub.events, 1)
}

func TestIngestEndpoint_ValidationErrors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/events", map[string]any{
		"type":    "animal.fed",
		"subject": map[string]any{"kind": "animal", "id": "lion-42"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_ARGUMENT")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader("{not json"))
	rec2 := httptest.NewRecorder()
	env.handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestIngestEndpoint_IdempotentReplay(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	body := map[string]any{
		"source":         "keeper-app",
		"type":           "animal.fed",
		"subject":        map[string]any{"kind": "animal", "id": "lion-42"},
		"idempotencyKey": "idem-1",
	}
	rec1 := doJSON(t, env.handler, http.MethodPost, "/api/v1/events", body)
	require.Equal(t, http.StatusAccepted, rec1.Code)
	rec2 := doJSON(t, env.handler, http.MethodPost, "/api/v1/events", body)
	require.Equal(t, http.StatusAccepted, rec2.Code)

	assert.Equal(t, rec1.Body.String(), rec2.Body.String())
	assert.Len(t, env.events.created, 1)
	assert.Len(t, env.pub.events, 1)
}

func TestGetEventEndpoint_WithJobs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/events", map[string]any{
		"source":  "keeper-app",
		"type":    "animal.fed",
		"subject": map[string]any{"kind": "animal", "id": "lion-42"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	env.jobs.jobs = map[string]domain.Job{
		"j-1": {ID: "j-1", EventID: "ev-1", Kind: domain.KindEmail, Status: domain.JobSucceeded, Attempts: 1, MaxAttempts: 3},
	}
	got := doJSON(t, env.handler, http.MethodGet, "/api/v1/events/ev-1", nil)
	require.Equal(t, http.StatusOK, got.Code, got.Body.String())
	assert.Contains(t, got.Body.String(), `"eventId":"ev-1"`)
	assert.Contains(t, got.Body.String(), `"jobId":"j-1"`)
	assert.Contains(t, got.Body.String(), `"status":"SUCCEEDED"`)

	missing := doJSON(t, env.handler, http.MethodGet, "/api/v1/events/ev-nope", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestGetJobEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.jobs.jobs = map[string]domain.Job{
		"j-1": {ID: "j-1", EventID: "ev-1", Kind: domain.KindWebhook, Status: domain.JobFailed, Attempts: 2, MaxAttempts: 3},
	}
	rec := doJSON(t, env.handler, http.MethodGet, "/api/v1/jobs/j-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"FAILED"`)
	assert.Contains(t, rec.Body.String(), `"attempts":2`)

	missing := doJSON(t, env.handler, http.MethodGet, "/api/v1/jobs/j-nope", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestRulesEndpoint_CreateAndList(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/rules", map[string]any{
		"name":  "feed-alert",
		"match": map[string]any{"source": "keeper-app"},
		"actions": []map[string]any{
			{"kind": "EMAIL", "config": map[string]any{"to": "vet@zoo.example"}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"ruleId":"r-1"`)

	list := doJSON(t, env.handler, http.MethodGet, "/api/v1/rules", nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), "feed-alert")
}

func TestRulesEndpoint_CreateRejectsBadKind(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/rules", map[string]any{
		"name":    "bad",
		"actions": []map[string]any{{"kind": "CARRIER_PIGEON"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRulesEndpoint_ListEnabledFilter(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, err := env.rules.Create(nil, domain.Rule{Name: "on", Enabled: true})
	require.NoError(t, err)
	_, err = env.rules.Create(nil, domain.Rule{Name: "off", Enabled: false})
	require.NoError(t, err)

	rec := doJSON(t, env.handler, http.MethodGet, "/api/v1/rules?enabled=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"on"`)
	assert.NotContains(t, rec.Body.String(), `"name":"off"`)

	bad := doJSON(t, env.handler, http.MethodGet, "/api/v1/rules?enabled=banana", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestRulesEndpoint_Update(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	id, err := env.rules.Create(nil, domain.Rule{Name: "feed-alert", Enabled: true})
	require.NoError(t, err)

	rec := doJSON(t, env.handler, http.MethodPatch, "/api/v1/rules/"+id, map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"enabled":false`)

	got, err := env.rules.Get(nil, id)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "feed-alert", got.Name, "unset fields are untouched")
}

func TestRulesEndpoint_UpdateMissingRule(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPatch, "/api/v1/rules/r-missing", map[string]any{"enabled": false})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCircuitEndpoint_ListAndFilter(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	opened := time.Now().UTC()
	env.circuits.entries = []domain.CircuitBreakerEntry{
		{Key: "hooks.example", State: domain.CircuitOpen, FailureCount: 3, OpenedAt: &opened},
		{Key: "calm.example", State: domain.CircuitClosed},
	}

	rec := doJSON(t, env.handler, http.MethodGet, "/api/v1/admin/circuit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hooks.example")
	assert.Contains(t, rec.Body.String(), "calm.example")

	open := doJSON(t, env.handler, http.MethodGet, "/api/v1/admin/circuit?state=OPEN", nil)
	require.Equal(t, http.StatusOK, open.Code)
	assert.Contains(t, open.Body.String(), "hooks.example")
	assert.NotContains(t, open.Body.String(), "calm.example")

	bad := doJSON(t, env.handler, http.MethodGet, "/api/v1/admin/circuit?state=HALF_OPEN", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestCircuitEndpoint_Reset(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/admin/circuit/hooks.example/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hooks.example", env.circuits.resetKey)
	assert.Contains(t, rec.Body.String(), `"state":"CLOSED"`)

	env.circuits.resetErr = domain.ErrNotFound
	missing := doJSON(t, env.handler, http.MethodPost, "/api/v1/admin/circuit/nope/reset", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz_ChecksFail(t *testing.T) {
	t.Parallel()
	cfg := config.Config{CORSAllowOrigins: "*", RateLimitPerMin: 1000}
	events := &memEventStore{}
	srv := httpserver.NewServer(cfg, usecase.NewIngestService(events, &memPublisher{}), events, &memRuleStore{}, &memJobStore{}, &memCircuitStore{},
		func(_ domain.Context) error { return nil },
		func(_ domain.Context) error { return errors.New("broker down") })
	handler := app.BuildRouter(cfg, srv)

	rec := doJSON(t, handler, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"broker"`)
}
