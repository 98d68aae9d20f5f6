package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/zoo-event-hub/internal/config"
	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
	"github.com/fairyhunter13/zoo-event-hub/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Ingest      usecase.IngestService
	Events      domain.EventStore
	Rules       domain.RuleStore
	Jobs        domain.JobStore
	Circuits    domain.CircuitStore
	DBCheck     func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, ingest usecase.IngestService, events domain.EventStore, rules domain.RuleStore, jobs domain.JobStore, circuits domain.CircuitStore, dbCheck, brokerCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Ingest: ingest, Events: events, Rules: rules, Jobs: jobs, Circuits: circuits, DBCheck: dbCheck, BrokerCheck: brokerCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type subjectDTO struct {
	Kind string `json:"kind" validate:"required"`
	ID   string `json:"id" validate:"required"`
}

type ingestRequest struct {
	Source         string         `json:"source" validate:"required"`
	Type           string         `json:"type" validate:"required"`
	Subject        subjectDTO     `json:"subject" validate:"required"`
	Payload        map[string]any `json:"payload"`
	OccurredAt     *time.Time     `json:"occurredAt"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

type ingestResponse struct {
	EventID      string `json:"eventId"`
	Status       string `json:"status"`
	EnqueuedJobs int    `json:"enqueuedJobs"`
}

// IngestHandler accepts a domain event, stores it, and publishes
// event.ingested. Fan-out happens asynchronously, so enqueuedJobs is
// always 0 in the response.
func (s *Server) IngestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		e := domain.Event{
			Source:  req.Source,
			Type:    req.Type,
			Subject: domain.Subject{Kind: req.Subject.Kind, ID: req.Subject.ID},
			Payload: req.Payload,
		}
		if e.Payload == nil {
			e.Payload = map[string]any{}
		}
		if req.OccurredAt != nil {
			e.OccurredAt = req.OccurredAt.UTC()
		}
		if req.IdempotencyKey != "" {
			e.IdemKey = &req.IdempotencyKey
		}

		res, err := s.Ingest.Ingest(r.Context(), e)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, ingestResponse{EventID: res.EventID, Status: string(domain.EventAccepted), EnqueuedJobs: 0})
	}
}

// ReadyzHandler reports readiness of the database and the broker.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name string `json:"name"`
		OK   bool   `json:"ok"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := []check{}
		allOK := true
		for name, fn := range map[string]func(context.Context) error{"db": s.DBCheck, "broker": s.BrokerCheck} {
			ok := true
			if fn != nil && fn(ctx) != nil {
				ok = false
				allOK = false
			}
			checks = append(checks, check{Name: name, OK: ok})
		}
		status := http.StatusOK
		if !allOK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"checks": checks})
	}
}
