// Package broker is the RabbitMQ adapter: durable queue declarations,
// persistent publishes with confirms, and manual-ack consumption with a
// prefetch window. The broker carries routing messages only; the event
// store stays the source of truth.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/llmbatch/llmbatch/pkg/config"
)

// Queue names. Both are durable and bound to the default exchange.
const (
	QueueBatchJobs = "batch_jobs"
	QueueTasks     = "tasks"
)

// Client owns the process-wide broker connection. Channels are derived per
// publisher/consumer and recreated after errors; the connection itself is
// redialed lazily.
type Client struct {
	cfg config.BrokerConfig

	mu   sync.Mutex
	conn *amqp.Connection
}

// Connect dials the broker, retrying with the configured delay until the
// context is cancelled.
func Connect(ctx context.Context, cfg config.BrokerConfig) (*Client, error) {
	c := &Client{cfg: cfg}
	for {
		conn, err := amqp.Dial(cfg.URL())
		if err == nil {
			c.conn = conn
			slog.Info("Connected to broker", "host", cfg.Host, "port", cfg.Port)
			return c, nil
		}

		slog.Error("Failed to connect to broker, retrying",
			"host", cfg.Host, "error", err, "delay", cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("broker connect cancelled: %w", ctx.Err())
		case <-time.After(cfg.ReconnectDelay):
		}
	}
}

// channel returns a fresh channel, redialing the connection if it has
// dropped since the last use.
func (c *Client) channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp.Dial(c.cfg.URL())
		if err != nil {
			return nil, fmt.Errorf("broker redial failed: %w", err)
		}
		c.conn = conn
		slog.Info("Reconnected to broker", "host", c.cfg.Host)
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open broker channel: %w", err)
	}
	return ch, nil
}

// DeclareQueues declares the given queues as durable.
func (c *Client) DeclareQueues(queues ...string) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	for _, q := range queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q, err)
		}
	}
	return nil
}

// Health verifies the connection by opening and closing a channel.
func (c *Client) Health(_ context.Context) error {
	ch, err := c.channel()
	if err != nil {
		return fmt.Errorf("broker unhealthy: %w", err)
	}
	return ch.Close()
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
