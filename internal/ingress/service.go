// Package ingress accepts raw log submissions, stamps them and publishes
// them to the durable queue.
package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coffersTech/logflow/internal/broker"
	"github.com/coffersTech/logflow/internal/errors"
	"github.com/coffersTech/logflow/internal/metric"
	"github.com/coffersTech/logflow/internal/model"
)

// Service enriches submissions and enqueues them. It holds one publisher
// for its whole lifetime.
type Service struct {
	publisher broker.Publisher
	queue     string
	clock     *Clock

	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithQueue overrides the queue entries are published to.
func WithQueue(queue string) Option {
	return func(s *Service) { s.queue = queue }
}

// WithClock replaces the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.clock = NewClock(now) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics enables metric updates.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a service publishing through pub.
func New(pub broker.Publisher, opts ...Option) *Service {
	s := &Service{
		publisher: pub,
		queue:     broker.DefaultQueue,
		clock:     NewClock(nil),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitLog enriches raw with a fresh timestamp and publishes it. The
// returned entry's Timestamp is its id.
func (s *Service) SubmitLog(ctx context.Context, raw model.RawLog) (model.LogEntry, error) {
	entry := model.Enrich(raw, s.clock.Next())

	if err := s.publish(ctx, entry); err != nil {
		s.count("single", "failed")
		return model.LogEntry{}, errors.WrapTransient(err, "Service", "SubmitLog", "publish entry")
	}

	s.count("single", "queued")
	s.logger.Debug("Log queued", "log_id", entry.Timestamp, "service", entry.Service, "level", entry.Level)
	return entry, nil
}

// SubmitLogBatch publishes every submission in order and returns how many
// were queued. Publishing stops at the first failure; entries published
// before it stay queued.
func (s *Service) SubmitLogBatch(ctx context.Context, raws []model.RawLog) (int, error) {
	for i, raw := range raws {
		entry := model.Enrich(raw, s.clock.Next())
		if err := s.publish(ctx, entry); err != nil {
			s.count("batch", "failed")
			s.logger.Error("Batch publish aborted", "queued", i, "total", len(raws), "error", err)
			return i, errors.WrapTransient(err, "Service", "SubmitLogBatch", "publish entry")
		}
	}

	s.count("batch", "queued")
	s.logger.Debug("Batch queued", "count", len(raws))
	return len(raws), nil
}

func (s *Service) publish(ctx context.Context, entry model.LogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.publisher.Enqueue(ctx, s.queue, payload); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Published.Inc()
	}
	return nil
}

func (s *Service) count(kind, outcome string) {
	if s.metrics != nil {
		s.metrics.Submissions.WithLabelValues(kind, outcome).Inc()
	}
}

// RecordInvalid counts a submission rejected before reaching the service.
func (s *Service) RecordInvalid(kind string) {
	s.count(kind, "invalid")
}
