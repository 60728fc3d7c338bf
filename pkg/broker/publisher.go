package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes persistent messages to the default exchange and waits
// for broker confirms. Safe for concurrent use; publishes are serialized on
// the underlying channel.
type Publisher struct {
	client         *Client
	confirmTimeout time.Duration

	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher opens a confirm-mode channel for publishing.
func NewPublisher(client *Client) (*Publisher, error) {
	p := &Publisher{client: client, confirmTimeout: client.cfg.PublishConfirmTimeout}
	if err := p.reopen(); err != nil {
		return nil, err
	}
	return p, nil
}

// reopen replaces the channel. Caller must hold p.mu or be the constructor.
func (p *Publisher) reopen() error {
	ch, err := p.client.channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to put channel in confirm mode: %w", err)
	}
	p.ch = ch
	return nil
}

// Publish sends one persistent message to a queue and blocks until the
// broker confirms it, bounded by the confirm timeout.
func (p *Publisher) Publish(ctx context.Context, queue string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publishLocked(ctx, queue, body)
}

func (p *Publisher) publishLocked(ctx context.Context, queue string, body []byte) error {
	if p.ch == nil || p.ch.IsClosed() {
		if err := p.reopen(); err != nil {
			return err
		}
	}

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("publish confirm to %s timed out: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected publish to %s", queue)
	}
	return nil
}

// PublishJSON marshals v and publishes it.
func (p *Publisher) PublishJSON(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", queue, err)
	}
	return p.Publish(ctx, queue, body)
}

// PublishBulk publishes a slice of messages in order, confirming each. An
// error leaves later messages unpublished; callers treat the whole bulk as
// failed and requeue upstream.
func (p *Publisher) PublishBulk(ctx context.Context, queue string, bodies [][]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, body := range bodies {
		if err := p.publishLocked(ctx, queue, body); err != nil {
			return fmt.Errorf("bulk publish failed at message %d/%d: %w", i+1, len(bodies), err)
		}
	}
	return nil
}

// Close releases the publishing channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		return nil
	}
	return p.ch.Close()
}
