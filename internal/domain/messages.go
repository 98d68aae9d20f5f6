package domain

import (
	"fmt"
	"time"
)

// EventIngested is the body published on the events channel. It carries the
// full event so fan-out does not need a read-back.
type EventIngested struct {
	EventID    string         `json:"eventId"`
	Source     string         `json:"source"`
	Type       string         `json:"type"`
	Subject    Subject        `json:"subject"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurredAt"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// JobExecute is the body published on the jobs channel. It carries only the
// id; the authoritative job state is always re-read from the store.
type JobExecute struct {
	JobID string `json:"jobId"`
}

// WebhookCallError is the terminal error of a webhook call. Status and
// Response are populated when an HTTP response was obtained.
type WebhookCallError struct {
	Msg      string
	Status   int
	Response string
}

func (e *WebhookCallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("webhook call failed: HTTP %d", e.Status)
	}
	return "webhook call failed: " + e.Msg
}
