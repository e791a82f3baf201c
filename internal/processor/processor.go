// Package processor consumes enriched entries from the queue, classifies
// them and forwards them to storage. A delivery is acked only once storage
// has confirmed the record; every failure requeues it.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coffersTech/logflow/internal/broker"
	"github.com/coffersTech/logflow/internal/errors"
	"github.com/coffersTech/logflow/internal/metric"
	"github.com/coffersTech/logflow/internal/model"
)

// AutoID asks ResolveID to generate a processor id.
const AutoID = "auto"

// ResolveID returns id unchanged, or a generated "processor-<8 hex>" id
// when id is empty or AutoID.
func ResolveID(id string) string {
	if id != "" && id != AutoID {
		return id
	}
	return "processor-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Outcome of handling one delivery.
type Outcome string

const (
	Acked    Outcome = "acked"
	Requeued Outcome = "requeued"
	Dropped  Outcome = "dropped"
)

// Processor runs the consume loop of one processing worker.
type Processor struct {
	consumer broker.Consumer
	store    Store

	id            string
	queue         string
	prefetch      int
	maxDeliveries int

	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithID sets the processor id stamped on every entry.
func WithID(id string) Option {
	return func(p *Processor) { p.id = ResolveID(id) }
}

// WithQueue overrides the consumed queue.
func WithQueue(queue string) Option {
	return func(p *Processor) { p.queue = queue }
}

// WithPrefetch sets how many deliveries may be outstanding.
func WithPrefetch(n int) Option {
	return func(p *Processor) { p.prefetch = n }
}

// WithMaxDeliveries discards a failing delivery once it has been attempted
// n times. Zero requeues forever.
func WithMaxDeliveries(n int) Option {
	return func(p *Processor) { p.maxDeliveries = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithMetrics enables metric updates.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithClock replaces time.Now for processed_at stamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New creates a processor reading from consumer and writing to store.
func New(consumer broker.Consumer, store Store, opts ...Option) *Processor {
	p := &Processor{
		consumer: consumer,
		store:    store,
		id:       "processor-1",
		queue:    broker.DefaultQueue,
		prefetch: 1,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID returns the processor id.
func (p *Processor) ID() string {
	return p.id
}

// Run consumes until ctx is cancelled. A delivery being handled when ctx
// ends is still settled before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	deliveries, err := p.consumer.Consume(ctx, p.queue, p.prefetch)
	if err != nil {
		return errors.Wrap(err, "Processor", "Run", "start consumer")
	}

	p.logger.Info("Processor waiting for messages", "id", p.id, "queue", p.queue, "prefetch", p.prefetch)

	for d := range deliveries {
		p.Handle(context.WithoutCancel(ctx), d)
	}

	p.logger.Info("Processor stopped", "id", p.id)
	return nil
}

// Handle decodes, classifies and forwards one delivery, then settles it.
func (p *Processor) Handle(ctx context.Context, d *broker.Delivery) Outcome {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
		}
	}()

	entry, err := decodeEntry(d.Payload)
	if err != nil {
		return p.fail(d, "", err)
	}

	processed := model.Process(entry, p.id, p.now())

	if err := p.store.CreateLog(ctx, processed); err != nil {
		if p.metrics != nil {
			p.metrics.ForwardFailures.Inc()
		}
		return p.fail(d, entry.Timestamp, err)
	}

	if err := p.consumer.Ack(d); err != nil {
		// The record is stored; the broker will redeliver and storage
		// will see a duplicate.
		p.logger.Error("Ack failed", "log_id", entry.Timestamp, "tag", d.Tag, "error", err)
		return p.settled(Requeued)
	}

	p.logger.Debug("Log processed", "log_id", entry.Timestamp, "priority", processed.Priority, "attempt", d.Attempt)
	return p.settled(Acked)
}

// decodeEntry accepts only a JSON object; null, arrays and scalars would
// otherwise decode into a blank entry.
func decodeEntry(payload []byte) (model.LogEntry, error) {
	var entry model.LogEntry
	if trimmed := bytes.TrimSpace(payload); len(trimmed) == 0 || trimmed[0] != '{' {
		return entry, errors.WrapInvalid(fmt.Errorf("%w: payload is not a JSON object", errors.ErrInvalidData), "Processor", "decodeEntry", "decode entry")
	}
	if err := json.Unmarshal(payload, &entry); err != nil {
		return entry, errors.WrapInvalid(err, "Processor", "decodeEntry", "decode entry")
	}
	return entry, nil
}

// fail nacks d. It is requeued unless the delivery cap has been reached.
func (p *Processor) fail(d *broker.Delivery, logID string, cause error) Outcome {
	if p.maxDeliveries > 0 && d.Attempt >= p.maxDeliveries {
		if err := p.consumer.Nack(d, false); err != nil {
			p.logger.Error("Nack failed", "log_id", logID, "tag", d.Tag, "error", err)
		}
		p.logger.Error("Dropping message after repeated failures",
			"log_id", logID, "tag", d.Tag, "attempt", d.Attempt, "error", cause)
		return p.settled(Dropped)
	}

	if err := p.consumer.Nack(d, true); err != nil {
		p.logger.Error("Nack failed", "log_id", logID, "tag", d.Tag, "error", err)
	}
	p.logger.Warn("Processing failed, message requeued",
		"log_id", logID, "tag", d.Tag, "attempt", d.Attempt, "class", errors.Classify(cause), "error", cause)
	return p.settled(Requeued)
}

func (p *Processor) settled(o Outcome) Outcome {
	if p.metrics != nil {
		p.metrics.Deliveries.WithLabelValues(string(o)).Inc()
	}
	return o
}
