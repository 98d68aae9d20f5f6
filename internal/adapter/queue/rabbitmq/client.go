// Package rabbitmq provides the broker client for the hub's two logical
// channels: events (topic exchange, one routing key) and jobs (direct
// exchange, one routing key). Queues are durable, messages persistent,
// acks manual, and consumer prefetch bounded.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names the exchanges, routing keys, and queues of both channels.
type Topology struct {
	EventsExchange   string
	EventsRoutingKey string
	EventsQueue      string
	JobsExchange     string
	JobsRoutingKey   string
	JobsQueue        string
}

// Client owns the broker connection. Publishers and consumers each run on
// their own channel.
type Client struct {
	conn     *amqp.Connection
	topology Topology
}

// Dial connects to the broker, retrying for up to 30 seconds, and declares
// the hub topology. Declarations are idempotent.
func Dial(url string, topology Topology) (*Client, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < 6; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		slog.Warn("rabbitmq connect failed, retrying in 5s",
			slog.Int("attempt", i+1),
			slog.Any("error", err))
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("op=broker.dial: %w", err)
	}

	c := &Client{conn: conn, topology: topology}
	if err := c.declareTopology(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) declareTopology() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("op=broker.topology: %w", err)
	}
	defer func() { _ = ch.Close() }()

	t := c.topology
	if err := ch.ExchangeDeclare(t.EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=broker.topology: events exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(t.JobsExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=broker.topology: jobs exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(t.EventsQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=broker.topology: events queue: %w", err)
	}
	if err := ch.QueueBind(t.EventsQueue, t.EventsRoutingKey, t.EventsExchange, false, nil); err != nil {
		return fmt.Errorf("op=broker.topology: events bind: %w", err)
	}
	if _, err := ch.QueueDeclare(t.JobsQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=broker.topology: jobs queue: %w", err)
	}
	if err := ch.QueueBind(t.JobsQueue, t.JobsRoutingKey, t.JobsExchange, false, nil); err != nil {
		return fmt.Errorf("op=broker.topology: jobs bind: %w", err)
	}
	return nil
}

// Check reports broker connection health for readiness probes.
func (c *Client) Check(_ context.Context) error {
	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("op=broker.check: connection closed")
	}
	return nil
}

// Close closes the broker connection; channels owned by publishers and
// consumers close with it.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
