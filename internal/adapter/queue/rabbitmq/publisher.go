package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
	"github.com/fairyhunter13/zoo-event-hub/internal/observability"
)

// Publisher publishes persistent JSON messages on the hub's two channels.
// It owns a dedicated AMQP channel and implements domain.Publisher.
type Publisher struct {
	ch       *amqp.Channel
	topology Topology
}

// NewPublisher opens a dedicated channel for publishing.
func (c *Client) NewPublisher() (*Publisher, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("op=broker.publisher: %w", err)
	}
	return &Publisher{ch: ch, topology: c.topology}, nil
}

// PublishEventIngested publishes the full event on the events channel.
func (p *Publisher) PublishEventIngested(ctx domain.Context, msg domain.EventIngested) error {
	if err := p.publish(ctx, p.topology.EventsExchange, p.topology.EventsRoutingKey, msg); err != nil {
		return fmt.Errorf("op=broker.publish_event: %w", err)
	}
	slog.Debug("published event.ingested", slog.String("event_id", msg.EventID))
	return nil
}

// PublishJobExecute publishes {jobId} on the jobs channel; the executor
// re-reads the authoritative job state from the store.
func (p *Publisher) PublishJobExecute(ctx domain.Context, jobID string) error {
	if err := p.publish(ctx, p.topology.JobsExchange, p.topology.JobsRoutingKey, domain.JobExecute{JobID: jobID}); err != nil {
		return fmt.Errorf("op=broker.publish_job: %w", err)
	}
	slog.Debug("published job.execute", slog.String("job_id", jobID))
	return nil
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: observability.RequestIDFromContext(ctx),
		Body:          body,
	})
}

// Close closes the publisher's channel.
func (p *Publisher) Close() error { return p.ch.Close() }
