package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
)

type jobDTO struct {
	JobID       string     `json:"jobId"`
	EventID     string     `json:"eventId"`
	RuleID      string     `json:"ruleId"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	LastError   *string    `json:"lastError"`
	NextRunAt   *time.Time `json:"nextRunAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// GetEventHandler returns an event with its derived status and child jobs.
func (s *Server) GetEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		e, err := s.Events.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		jobs, err := s.Jobs.ListByEvent(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]jobDTO, 0, len(jobs))
		for _, j := range jobs {
			items = append(items, jobToDTO(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"eventId":    e.ID,
			"source":     e.Source,
			"type":       e.Type,
			"subject":    map[string]string{"kind": e.Subject.Kind, "id": e.Subject.ID},
			"status":     string(e.Status),
			"occurredAt": e.OccurredAt,
			"receivedAt": e.ReceivedAt,
			"jobs":       items,
		})
	}
}

// GetJobHandler returns one job's execution state.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, jobToDTO(j))
	}
}

func jobToDTO(j domain.Job) jobDTO {
	return jobDTO{
		JobID:       j.ID,
		EventID:     j.EventID,
		RuleID:      j.RuleID,
		Kind:        string(j.Kind),
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		NextRunAt:   j.NextRunAt,
		UpdatedAt:   j.UpdatedAt,
	}
}
