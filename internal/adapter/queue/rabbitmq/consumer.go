package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler processes one delivery body. A nil return acks the message; an
// error nacks it without requeue. Recovery of failed work happens through
// the database retry path, never through broker redelivery, so a consumer
// error can not cause a redelivery storm.
type Handler func(ctx context.Context, body []byte) error

// Consume opens a dedicated channel on the named queue with the given QoS
// prefetch and processes deliveries until ctx is cancelled. Deliveries are
// handled concurrently; the broker prefetch bounds in-flight work.
func (c *Client) Consume(ctx context.Context, queue, tag string, prefetch int, handler Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("op=broker.consume: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("op=broker.consume: %w", err)
	}
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("op=broker.consume: %w", err)
	}

	slog.Info("consumer started", slog.String("queue", queue), slog.Int("prefetch", prefetch))

	var wg sync.WaitGroup
	defer func() {
		// Drain: let in-flight callbacks finish, then close the channel.
		wg.Wait()
		_ = ch.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("consumer stopping", slog.String("queue", queue))
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("op=broker.consume: delivery channel closed for %s", queue)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := handler(ctx, d.Body); err != nil {
					slog.Error("delivery handler failed",
						slog.String("queue", queue),
						slog.Any("error", err))
					_ = d.Nack(false, false)
					return
				}
				_ = d.Ack(false)
			}()
		}
	}
}
