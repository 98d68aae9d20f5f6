package usecase_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
	"github.com/fairyhunter13/zoo-event-hub/internal/usecase"
)

func execBody(t *testing.T, jobID string) []byte {
	t.Helper()
	b, err := json.Marshal(domain.JobExecute{JobID: jobID})
	require.NoError(t, err)
	return b
}

func TestExecutor_EmailSuccess(t *testing.T) {
	t.Parallel()
	jobs := &stubJobStore{
		claimOK: true,
		claimJob: domain.Job{
			ID: "j-1", EventID: "ev-1", Kind: domain.KindEmail,
			Attempts: 0, MaxAttempts: 3,
			Payload: map[string]any{"to": "vet@zoo.example", "template": "feed-alert"},
		},
	}
	events := &stubEventStore{}
	svc := usecase.NewExecutorService(jobs, events, &stubWebhookCaller{}, 5*time.Second)

	require.NoError(t, svc.HandleJobExecute(context.Background(), execBody(t, "j-1")))

	require.Len(t, jobs.successes, 1)
	assert.Equal(t, "j-1", jobs.successes[0].jobID)
	assert.Equal(t, 1, jobs.successes[0].attemptNo)
	assert.Equal(t, "vet@zoo.example", jobs.successes[0].result["to"])
	assert.Equal(t, []string{"ev-1"}, events.finalized)
}

func TestExecutor_WebhookSuccess(t *testing.T) {
	t.Parallel()
	caller := &stubWebhookCaller{result: domain.WebhookResult{Status: 200, Body: `{"ok":true}`}}
	jobs := &stubJobStore{
		claimOK: true,
		claimJob: domain.Job{
			ID: "j-1", EventID: "ev-1", Kind: domain.KindWebhook,
			Attempts: 0, MaxAttempts: 3,
			Payload: map[string]any{
				"url":     "https://hooks.example/feed",
				"method":  "PUT",
				"body":    map[string]any{"animal": "lion-42"},
				"headers": map[string]any{"X-Custom": "v"},
			},
		},
	}
	events := &stubEventStore{}
	svc := usecase.NewExecutorService(jobs, events, caller, 5*time.Second)

	require.NoError(t, svc.HandleJobExecute(context.Background(), execBody(t, "j-1")))

	assert.Equal(t, "PUT", caller.lastReq.Method)
	assert.Equal(t, "https://hooks.example/feed", caller.lastReq.URL)
	assert.Equal(t, map[string]any{"animal": "lion-42"}, caller.lastReq.Body)
	assert.Equal(t, "v", caller.lastReq.Headers["X-Custom"])
	assert.Equal(t, "ev-1:j-1:1", caller.lastReq.IdemKey)

	require.Len(t, jobs.successes, 1)
	assert.Equal(t, 200, jobs.successes[0].result["status"])
	assert.Equal(t, []string{"ev-1"}, events.finalized)
}

func TestExecutor_FailureSchedulesRetry(t *testing.T) {
	t.Parallel()
	caller := &stubWebhookCaller{err: &domain.WebhookCallError{Status: 500, Response: "boom"}}
	jobs := &stubJobStore{
		claimOK: true,
		claimJob: domain.Job{
			ID: "j-1", EventID: "ev-1", Kind: domain.KindWebhook,
			Attempts: 0, MaxAttempts: 3,
			Payload: map[string]any{"url": "https://hooks.example/feed"},
		},
	}
	events := &stubEventStore{}
	svc := usecase.NewExecutorService(jobs, events, caller, 5*time.Second)

	require.NoError(t, svc.HandleJobExecute(context.Background(), execBody(t, "j-1")))

	require.Len(t, jobs.failures, 1)
	f := jobs.failures[0]
	assert.Equal(t, 1, f.attemptNo)
	assert.False(t, f.dead)
	require.NotNil(t, f.nextRunAt)
	assert.Equal(t, 500, f.result["status"])
	assert.Equal(t, []string{"ev-1"}, events.finalized)
}

func TestExecutor_FinalAttemptGoesDead(t *testing.T) {
	t.Parallel()
	caller := &stubWebhookCaller{err: &domain.WebhookCallError{Msg: "connect refused"}}
	jobs := &stubJobStore{
		claimOK: true,
		claimJob: domain.Job{
			ID: "j-1", EventID: "ev-1", Kind: domain.KindWebhook,
			Attempts: 2, MaxAttempts: 3,
			Payload: map[string]any{"url": "https://hooks.example/feed"},
		},
	}
	events := &stubEventStore{}
	svc := usecase.NewExecutorService(jobs, events, caller, 5*time.Second)

	require.NoError(t, svc.HandleJobExecute(context.Background(), execBody(t, "j-1")))

	require.Len(t, jobs.failures, 1)
	f := jobs.failures[0]
	assert.Equal(t, 3, f.attemptNo)
	assert.True(t, f.dead)
	assert.Nil(t, f.nextRunAt, "a dead job never runs again")
	assert.Equal(t, []string{"ev-1"}, events.finalized, "dead job refreshes the owning event")
}

func TestExecutor_UnknownKindFails(t *testing.T) {
	t.Parallel()
	jobs := &stubJobStore{
		claimOK:  true,
		claimJob: domain.Job{ID: "j-1", EventID: "ev-1", Kind: "CARRIER_PIGEON", Attempts: 0, MaxAttempts: 3},
	}
	svc := usecase.NewExecutorService(jobs, &stubEventStore{}, &stubWebhookCaller{}, 5*time.Second)

	require.NoError(t, svc.HandleJobExecute(context.Background(), execBody(t, "j-1")))
	require.Len(t, jobs.failures, 1)
	assert.Contains(t, jobs.failures[0].errMsg, "unknown job kind")
}

func TestExecutor_UnclaimableJobAcked(t *testing.T) {
	t.Parallel()
	jobs := &stubJobStore{claimOK: false}
	events := &stubEventStore{}
	svc := usecase.NewExecutorService(jobs, events, &stubWebhookCaller{}, 5*time.Second)

	require.NoError(t, svc.HandleJobExecute(context.Background(), execBody(t, "j-gone")))
	assert.Empty(t, jobs.successes)
	assert.Empty(t, jobs.failures)
	assert.Empty(t, events.finalized)
}

func TestExecutor_PoisonBodyDropped(t *testing.T) {
	t.Parallel()
	jobs := &stubJobStore{}
	svc := usecase.NewExecutorService(jobs, &stubEventStore{}, &stubWebhookCaller{}, 5*time.Second)
	require.NoError(t, svc.HandleJobExecute(context.Background(), []byte("{")))
	assert.Empty(t, jobs.successes)
}
