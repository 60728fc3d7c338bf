package broker

import (
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedOp struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (f *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, recordedOp{tag: tag, ack: true})
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, _, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, recordedOp{tag: tag, requeue: requeue})
	return nil
}

func (f *fakeAcknowledger) snapshot() []recordedOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedOp(nil), f.ops...)
}

func newTestConsumer(buffer int) (*Consumer, *fakeAcknowledger) {
	ack := &fakeAcknowledger{}
	c := &Consumer{
		notify: make(chan *amqp.Error, 1),
		ops:    make(chan ackOp, buffer),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go c.ackLoop(ack)
	return c, ack
}

func TestAckLoopSerializesConcurrentAcks(t *testing.T) {
	c, ack := newTestConsumer(64)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(tag uint64) {
			defer wg.Done()
			if tag%2 == 0 {
				c.Ack(tag)
			} else {
				c.Nack(tag, true)
			}
		}(uint64(i))
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(ack.snapshot()) == 20
	}, time.Second, 5*time.Millisecond)

	acked, requeued := 0, 0
	for _, op := range ack.snapshot() {
		if op.ack {
			acked++
		} else {
			requeued++
			assert.True(t, op.requeue)
		}
	}
	assert.Equal(t, 10, acked)
	assert.Equal(t, 10, requeued)

	close(c.done)
	<-c.closed
}

func TestAckLoopDrainsOnShutdown(t *testing.T) {
	ack := &fakeAcknowledger{}
	c := &Consumer{
		notify: make(chan *amqp.Error, 1),
		ops:    make(chan ackOp, 8),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}

	// Queue acks before the loop starts, then shut down immediately. The
	// drain path must still apply them.
	c.ops <- ackOp{tag: 1, ack: true}
	c.ops <- ackOp{tag: 2, ack: true}
	close(c.done)

	go c.ackLoop(ack)
	<-c.closed

	assert.Len(t, ack.snapshot(), 2)
}

func TestAckLoopStopsOnChannelClose(t *testing.T) {
	c, _ := newTestConsumer(8)

	c.notify <- &amqp.Error{Code: 320, Reason: "connection closed"}

	select {
	case <-c.Closed():
	case <-time.After(time.Second):
		t.Fatal("ack loop did not stop on channel close")
	}

	// Submissions after close do not block.
	done := make(chan struct{})
	go func() {
		close(c.done)
		c.Ack(99)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submit blocked after shutdown")
	}
}
