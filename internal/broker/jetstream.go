package broker

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/coffersTech/logflow/internal/errors"
	"github.com/coffersTech/logflow/internal/pkg/retry"
)

// JetStream is a Broker backed by NATS JetStream.
//
// Each queue is a file-backed work-queue stream whose only subject is the
// queue name, so a message lives on disk until a consumer acks it.
// Consumers share one durable pull consumer per queue and every process
// fetches at most prefetch messages, fetching again only after all of them
// were settled.
type JetStream struct {
	url    string
	opts   jsOptions
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	mu     sync.Mutex
	queues map[string]jetstream.Stream
}

type jsOptions struct {
	name            string
	queues          []string
	consumerName    string
	ackWait         time.Duration
	fetchWait       time.Duration
	connectAttempts int
	connectDelay    time.Duration
	logger          *slog.Logger
}

// JetStreamOption configures a JetStream broker.
type JetStreamOption func(*jsOptions)

// WithClientName sets the connection name reported to the server.
func WithClientName(name string) JetStreamOption {
	return func(o *jsOptions) { o.name = name }
}

// WithQueues declares queues as part of connection establishment, so a
// failure to declare them is retried like a failure to connect.
func WithQueues(queues ...string) JetStreamOption {
	return func(o *jsOptions) { o.queues = append(o.queues, queues...) }
}

// WithConsumerName sets the durable consumer name shared by processors.
func WithConsumerName(name string) JetStreamOption {
	return func(o *jsOptions) { o.consumerName = name }
}

// WithAckWait sets how long the server waits for a settlement before it
// redelivers a message.
func WithAckWait(d time.Duration) JetStreamOption {
	return func(o *jsOptions) { o.ackWait = d }
}

// WithFetchWait bounds a single fetch request.
func WithFetchWait(d time.Duration) JetStreamOption {
	return func(o *jsOptions) { o.fetchWait = d }
}

// WithConnectRetry sets the bounded connection retry policy.
func WithConnectRetry(attempts int, delay time.Duration) JetStreamOption {
	return func(o *jsOptions) {
		o.connectAttempts = attempts
		o.connectDelay = delay
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) JetStreamOption {
	return func(o *jsOptions) { o.logger = logger }
}

// DialJetStream connects to the NATS server at url and declares the
// configured queues, retrying with a fixed delay. Running out of attempts
// is a fatal error.
func DialJetStream(ctx context.Context, url string, opts ...JetStreamOption) (*JetStream, error) {
	o := jsOptions{
		name:            "logflow",
		consumerName:    DefaultQueue + "-processor",
		ackWait:         30 * time.Second,
		fetchWait:       5 * time.Second,
		connectAttempts: 10,
		connectDelay:    5 * time.Second,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	b := &JetStream{
		url:    url,
		opts:   o,
		logger: o.logger.With("component", "broker", "url", url),
		queues: make(map[string]jetstream.Stream),
	}

	cfg := retry.Fixed(o.connectAttempts, o.connectDelay)
	cfg.OnRetry = func(attempt int, err error) {
		b.logger.Warn("Broker connection attempt failed", "attempt", attempt, "max_attempts", o.connectAttempts, "error", err)
	}

	err := retry.Do(ctx, cfg, func() error {
		return b.connect(ctx)
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "JetStream", "Dial", "connect to broker")
	}

	b.logger.Info("Connected to broker", "queues", o.queues)
	return b, nil
}

func (b *JetStream) connect(ctx context.Context) error {
	for _, q := range b.opts.queues {
		if err := validateQueue(q); err != nil {
			return err
		}
	}

	conn, err := nats.Connect(b.url,
		nats.Name(b.opts.name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("Broker disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			b.logger.Info("Broker reconnected")
		}),
	)
	if err != nil {
		return errors.WrapTransient(err, "JetStream", "connect", "dial")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapTransient(err, "JetStream", "connect", "open jetstream context")
	}

	b.conn = conn
	b.js = js

	for _, q := range b.opts.queues {
		if _, err := b.ensureQueue(ctx, q); err != nil {
			conn.Close()
			b.conn, b.js = nil, nil
			return err
		}
	}
	return nil
}

// validateQueue rejects names that are not a single NATS subject token.
// Such a name never becomes valid, so connecting is not retried over it.
func validateQueue(queue string) error {
	if queue == "" || strings.ContainsAny(queue, " .*>") {
		return retry.NonRetryable(errors.WrapInvalid(fmt.Errorf("%w: queue name %q", errors.ErrInvalidData, queue), "JetStream", "validateQueue", "validate queue name"))
	}
	return nil
}

// ensureQueue declares the durable stream backing queue once per process.
func (b *JetStream) ensureQueue(ctx context.Context, queue string) (jetstream.Stream, error) {
	if err := validateQueue(queue); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if stream, ok := b.queues[queue]; ok {
		return stream, nil
	}
	if b.js == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "JetStream", "ensureQueue", "declare queue")
	}

	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      queue,
		Subjects:  []string{queue},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStream", "ensureQueue", "declare queue "+queue)
	}

	b.queues[queue] = stream
	return stream, nil
}

// Enqueue publishes payload to queue and waits for the server to confirm
// it was stored.
func (b *JetStream) Enqueue(ctx context.Context, queue string, payload []byte) error {
	if _, err := b.ensureQueue(ctx, queue); err != nil {
		return err
	}

	if _, err := b.js.Publish(ctx, queue, payload); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrBrokerUnavailable, err), "JetStream", "Enqueue", "publish")
	}
	return nil
}

// Consume binds to the durable consumer of queue and streams deliveries.
func (b *JetStream) Consume(ctx context.Context, queue string, prefetch int) (<-chan *Delivery, error) {
	if prefetch < 1 {
		return nil, errors.WrapInvalid(fmt.Errorf("prefetch must be positive, got %d", prefetch), "JetStream", "Consume", "validate prefetch")
	}
	if _, err := b.ensureQueue(ctx, queue); err != nil {
		return nil, err
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, queue, jetstream.ConsumerConfig{
		Durable:       b.opts.consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.opts.ackWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: queue,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStream", "Consume", "create consumer")
	}

	out := make(chan *Delivery)
	go b.fetchLoop(ctx, consumer, prefetch, out)
	return out, nil
}

func (b *JetStream) fetchLoop(ctx context.Context, consumer jetstream.Consumer, prefetch int, out chan<- *Delivery) {
	defer close(out)

	for ctx.Err() == nil {
		batch, err := consumer.Fetch(prefetch, jetstream.FetchMaxWait(b.opts.fetchWait))
		if err != nil {
			b.logger.Warn("Fetch failed", "error", err)
			if !sleepCtx(ctx, b.opts.fetchWait) {
				return
			}
			continue
		}

		var pending []*Delivery
		for msg := range batch.Messages() {
			d := newMsgDelivery(msg)
			select {
			case out <- d:
				pending = append(pending, d)
			case <-ctx.Done():
				// let the server hand it to someone else right away
				b.releaseUnsent(msg)
			}
		}
		if err := batch.Error(); err != nil && !stderrors.Is(err, nats.ErrTimeout) && !stderrors.Is(err, context.DeadlineExceeded) {
			b.logger.Debug("Fetch ended with error", "error", err)
		}

		for _, d := range pending {
			select {
			case <-d.Done():
			case <-ctx.Done():
				return
			}
		}
	}
}

// releaseUnsent requeues a fetched message that was never handed out.
// On failure the server redelivers it once AckWait expires.
func (b *JetStream) releaseUnsent(msg interface{ Nak() error }) {
	if err := msg.Nak(); err != nil {
		b.logger.Warn("Nak of undelivered message failed, redelivery waits for ack timeout", "error", err)
	}
}

func newMsgDelivery(msg jetstream.Msg) *Delivery {
	var tag uint64
	attempt := 1
	if md, err := msg.Metadata(); err == nil {
		tag = md.Sequence.Stream
		attempt = int(md.NumDelivered)
	}

	return newDelivery(msg.Data(), tag, attempt,
		msg.Ack,
		func(requeue bool) error {
			if requeue {
				return msg.Nak()
			}
			return msg.Term()
		})
}

// Ack removes the message from the stream.
func (b *JetStream) Ack(d *Delivery) error {
	return ackDelivery(d)
}

// Nack asks for immediate redelivery, or terminates the message when
// requeue is false.
func (b *JetStream) Nack(d *Delivery, requeue bool) error {
	return nackDelivery(d, requeue)
}

// Close drains the connection.
func (b *JetStream) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Drain()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
