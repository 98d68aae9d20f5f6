package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
)

type circuitDTO struct {
	Key           string     `json:"key"`
	State         string     `json:"state"`
	FailureCount  int        `json:"failureCount"`
	OpenedAt      *time.Time `json:"openedAt"`
	LastFailureAt *time.Time `json:"lastFailureAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// ListCircuitHandler lists webhook circuit breakers, optionally filtered by
// state, newest first.
func (s *Server) ListCircuitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var state *domain.CircuitState
		if v := r.URL.Query().Get("state"); v != "" {
			cs := domain.CircuitState(v)
			if cs != domain.CircuitOpen && cs != domain.CircuitClosed {
				writeError(w, r, fmt.Errorf("%w: state must be OPEN or CLOSED", domain.ErrInvalidArgument), nil)
				return
			}
			state = &cs
		}
		entries, err := s.Circuits.List(r.Context(), state, 200)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]circuitDTO, 0, len(entries))
		for _, e := range entries {
			items = append(items, circuitDTO{
				Key:           e.Key,
				State:         string(e.State),
				FailureCount:  e.FailureCount,
				OpenedAt:      e.OpenedAt,
				LastFailureAt: e.LastFailureAt,
				UpdatedAt:     e.UpdatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

// ResetCircuitHandler closes a breaker from the admin API.
func (s *Server) ResetCircuitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		if err := s.Circuits.Reset(r.Context(), key); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "state": string(domain.CircuitClosed)})
	}
}
