// Package broker provides the durable work queue between the ingress service
// and the processors.
//
// A Broker publishes persistent messages to a named queue and hands them to
// consumers one delivery at a time. Every Delivery must be settled exactly
// once with Ack (remove from the queue) or Nack (requeue or discard).
// Consumers never receive more than prefetch unsettled deliveries.
package broker

import (
	"context"
	"sync/atomic"

	"github.com/coffersTech/logflow/internal/errors"
)

// DefaultQueue is the queue shared by ingress and processors.
const DefaultQueue = "logs"

// Publisher is the ingress-side half of a broker.
type Publisher interface {
	// Enqueue persists payload on queue. It returns once the broker has
	// written the message to stable storage.
	Enqueue(ctx context.Context, queue string, payload []byte) error
}

// Consumer is the processor-side half of a broker.
type Consumer interface {
	// Consume streams deliveries from queue until ctx is done, at which
	// point the channel is closed. At most prefetch deliveries are
	// outstanding at any time.
	Consume(ctx context.Context, queue string, prefetch int) (<-chan *Delivery, error)
	Ack(d *Delivery) error
	Nack(d *Delivery, requeue bool) error
}

// Broker is a connected queue client usable from both sides.
type Broker interface {
	Publisher
	Consumer
	Close() error
}

// Delivery is one message handed to a consumer.
type Delivery struct {
	Payload []byte
	// Tag identifies the delivery within the queue.
	Tag uint64
	// Attempt counts deliveries of this message, starting at 1.
	Attempt int

	ack     func() error
	nack    func(requeue bool) error
	settled atomic.Bool
	done    chan struct{}
}

func newDelivery(payload []byte, tag uint64, attempt int, ack func() error, nack func(bool) error) *Delivery {
	return &Delivery{
		Payload: payload,
		Tag:     tag,
		Attempt: attempt,
		ack:     ack,
		nack:    nack,
		done:    make(chan struct{}),
	}
}

// Redelivered reports whether the message was delivered before.
func (d *Delivery) Redelivered() bool {
	return d.Attempt > 1
}

// Done is closed once the delivery has been acked or nacked.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

func (d *Delivery) settle(fn func() error) error {
	if !d.settled.CompareAndSwap(false, true) {
		return errors.ErrDeliveryAlreadyDone
	}
	defer close(d.done)
	return fn()
}

func ackDelivery(d *Delivery) error {
	return d.settle(d.ack)
}

func nackDelivery(d *Delivery, requeue bool) error {
	return d.settle(func() error { return d.nack(requeue) })
}
