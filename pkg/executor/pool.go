package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/llmbatch/llmbatch/pkg/broker"
	"github.com/llmbatch/llmbatch/pkg/config"
	"github.com/llmbatch/llmbatch/pkg/models"
)

// Pool consumes the tasks queue and runs up to MaxParallelTasks tasks
// concurrently. Broker prefetch equals the pool size, so unstarted work
// stays queued for other instances.
type Pool struct {
	client   *broker.Client
	executor *Executor
	cfg      config.ExecutorConfig
	delay    time.Duration

	sem chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

// NewPool builds the execution worker pool.
func NewPool(client *broker.Client, executor *Executor, cfg config.ExecutorConfig, reconnectDelay time.Duration) *Pool {
	return &Pool{
		client:   client,
		executor: executor,
		cfg:      cfg,
		delay:    reconnectDelay,
		sem:      make(chan struct{}, cfg.MaxParallelTasks),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the consume loop.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.run()
	slog.Info("Execution pool started",
		"queue", broker.QueueTasks, "max_parallel", p.cfg.MaxParallelTasks)
}

// Stop stops accepting deliveries and waits for in-flight tasks, bounded by
// the graceful shutdown timeout. Tasks still running past the deadline stay
// unacked and will be redelivered.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Execution pool drained")
	case <-time.After(p.cfg.GracefulShutdownTimeout):
		slog.Warn("Execution pool shutdown timed out, abandoning in-flight tasks",
			"timeout", p.cfg.GracefulShutdownTimeout)
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		cons, err := p.client.Consume(broker.QueueTasks, p.cfg.MaxParallelTasks)
		if err != nil {
			slog.Error("Failed to consume tasks, retrying", "error", err, "delay", p.delay)
			select {
			case <-p.stopCh:
				return
			case <-time.After(p.delay):
			}
			continue
		}

		p.consume(cons)
		cons.Close()
	}
}

func (p *Pool) consume(cons *broker.Consumer) {
	for {
		select {
		case <-p.stopCh:
			return
		case d, ok := <-cons.Deliveries():
			if !ok {
				slog.Warn("Task stream closed, reconnecting")
				return
			}
			select {
			case p.sem <- struct{}{}:
			case <-p.stopCh:
				// Unclaimed delivery stays unacked and is redelivered.
				return
			}
			p.inflight.Add(1)
			go func(d amqp.Delivery) {
				defer func() {
					<-p.sem
					p.inflight.Done()
				}()
				p.handle(cons, d)
			}(d)
		}
	}
}

func (p *Pool) handle(cons *broker.Consumer, d amqp.Delivery) {
	var msg models.TaskMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		slog.Error("Dropping malformed task message", "error", err)
		cons.Nack(d.DeliveryTag, false)
		return
	}

	switch p.executor.Execute(context.Background(), &msg, d.Redelivered) {
	case outcomeAck:
		cons.Ack(d.DeliveryTag)
	case outcomeDrop:
		cons.Nack(d.DeliveryTag, false)
	case outcomeRequeue:
		cons.Nack(d.DeliveryTag, true)
	}
}
