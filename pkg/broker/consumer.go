package broker

import (
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// acknowledger is the subset of amqp.Channel the ack loop needs. Narrowed
// for tests.
type acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
}

type ackOp struct {
	tag     uint64
	ack     bool
	requeue bool
}

// Consumer reads deliveries from one queue with a bounded prefetch window.
// Worker goroutines never touch the AMQP channel directly: Ack and Nack
// enqueue operations that a single channel-owning goroutine applies, since
// amqp channels are not safe for concurrent writers.
type Consumer struct {
	ch         *amqp.Channel
	tag        string
	deliveries <-chan amqp.Delivery
	notify     chan *amqp.Error

	ops    chan ackOp
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// Consume starts consuming from a queue with manual acks. prefetch bounds
// the number of unacked deliveries in flight.
func (c *Client) Consume(queue string, prefetch int) (*Consumer, error) {
	ch, err := c.channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set prefetch on %s: %w", queue, err)
	}

	tag := fmt.Sprintf("llmbatch-%s", queue)
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to consume from %s: %w", queue, err)
	}

	cons := &Consumer{
		ch:         ch,
		tag:        tag,
		deliveries: deliveries,
		notify:     ch.NotifyClose(make(chan *amqp.Error, 1)),
		ops:        make(chan ackOp, prefetch*2+1),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}
	go cons.ackLoop(ch)
	return cons, nil
}

// Deliveries is the channel of incoming messages. It closes when the broker
// channel drops; callers re-Consume to recover.
func (c *Consumer) Deliveries() <-chan amqp.Delivery {
	return c.deliveries
}

// Closed is signalled when the broker channel drops or Close is called.
func (c *Consumer) Closed() <-chan struct{} {
	return c.closed
}

// Ack marks a delivery done. Safe to call from any goroutine.
func (c *Consumer) Ack(tag uint64) {
	c.submit(ackOp{tag: tag, ack: true})
}

// Nack returns a delivery to the queue for redelivery.
func (c *Consumer) Nack(tag uint64, requeue bool) {
	c.submit(ackOp{tag: tag, requeue: requeue})
}

func (c *Consumer) submit(op ackOp) {
	select {
	case c.ops <- op:
	case <-c.done:
		// Channel is gone; the unacked delivery will be redelivered.
	}
}

func (c *Consumer) ackLoop(ack acknowledger) {
	defer close(c.closed)
	for {
		select {
		case op := <-c.ops:
			var err error
			if op.ack {
				err = ack.Ack(op.tag, false)
			} else {
				err = ack.Nack(op.tag, false, op.requeue)
			}
			if err != nil {
				slog.Error("Failed to acknowledge delivery", "tag", op.tag, "error", err)
			}
		case amqpErr := <-c.notify:
			if amqpErr != nil {
				slog.Warn("Broker channel closed", "tag", c.tag, "error", amqpErr)
			}
			return
		case <-c.done:
			// Drain pending acks before shutting the channel down.
			for {
				select {
				case op := <-c.ops:
					if op.ack {
						_ = ack.Ack(op.tag, false)
					} else {
						_ = ack.Nack(op.tag, false, op.requeue)
					}
				default:
					return
				}
			}
		}
	}
}

// Close cancels the consumer, drains pending acks and closes the channel.
func (c *Consumer) Close() {
	c.once.Do(func() {
		_ = c.ch.Cancel(c.tag, false)
		close(c.done)
		<-c.closed
		_ = c.ch.Close()
	})
}
