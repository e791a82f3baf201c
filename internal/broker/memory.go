package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/coffersTech/logflow/internal/errors"
)

// Memory is an in-process broker with the same delivery semantics as the
// JetStream broker: FIFO order, requeued messages go back to the head of
// the queue, and consumers hold at most prefetch unsettled deliveries.
// Nothing survives the process.
type Memory struct {
	mu      sync.Mutex
	queues  map[string]*memQueue
	nextTag uint64
	closed  bool
}

type memQueue struct {
	items  []*memMessage
	signal chan struct{}
}

type memMessage struct {
	payload    []byte
	tag        uint64
	deliveries int
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{queues: make(map[string]*memQueue)}
}

func (m *Memory) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{signal: make(chan struct{}, 1)}
		m.queues[name] = q
	}
	return q
}

func (q *memQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Enqueue appends a copy of payload to queue.
func (m *Memory) Enqueue(_ context.Context, queue string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.WrapTransient(errors.ErrNotConnected, "Memory", "Enqueue", "publish")
	}

	m.nextTag++
	q := m.queue(queue)
	q.items = append(q.items, &memMessage{
		payload: append([]byte(nil), payload...),
		tag:     m.nextTag,
	})
	q.wake()
	return nil
}

// Len returns the number of messages waiting on queue, excluding
// deliveries that are outstanding.
func (m *Memory) Len(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[queue]; ok {
		return len(q.items)
	}
	return 0
}

// Consume streams deliveries from queue until ctx is done.
func (m *Memory) Consume(ctx context.Context, queue string, prefetch int) (<-chan *Delivery, error) {
	if prefetch < 1 {
		return nil, errors.WrapInvalid(fmt.Errorf("prefetch must be positive, got %d", prefetch), "Memory", "Consume", "validate prefetch")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Memory", "Consume", "start consumer")
	}
	q := m.queue(queue)
	m.mu.Unlock()

	out := make(chan *Delivery)
	slots := make(chan struct{}, prefetch)

	go func() {
		defer close(out)
		for {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}

			msg, ok := m.dequeue(ctx, q)
			if !ok {
				return
			}

			d := newDelivery(msg.payload, msg.tag, msg.deliveries,
				func() error {
					<-slots
					return nil
				},
				func(requeue bool) error {
					if requeue {
						m.requeue(q, msg)
					}
					<-slots
					return nil
				})

			select {
			case out <- d:
			case <-ctx.Done():
				msg.deliveries--
				m.requeue(q, msg)
				return
			}
		}
	}()

	return out, nil
}

func (m *Memory) dequeue(ctx context.Context, q *memQueue) (*memMessage, bool) {
	for {
		m.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			msg.deliveries++
			if len(q.items) > 0 {
				q.wake()
			}
			m.mu.Unlock()
			return msg, true
		}
		m.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (m *Memory) requeue(q *memQueue, msg *memMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.items = append([]*memMessage{msg}, q.items...)
	q.wake()
}

// Ack removes the delivered message for good.
func (m *Memory) Ack(d *Delivery) error {
	return ackDelivery(d)
}

// Nack settles the delivery; with requeue the message goes back to the
// head of its queue, otherwise it is discarded.
func (m *Memory) Nack(d *Delivery, requeue bool) error {
	return nackDelivery(d, requeue)
}

// Close rejects further publishes and consumers. Running consumers stop
// with their contexts.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
