// Package engine is the storage tier: an ordered in-memory index of stored
// records backed by one JSON file per record on disk.
package engine

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coffersTech/logflow/internal/errors"
	"github.com/coffersTech/logflow/internal/metric"
	"github.com/coffersTech/logflow/internal/model"
	"github.com/coffersTech/logflow/internal/storage"
)

// DefaultQueryLimit is used when a query does not set a positive limit.
const DefaultQueryLimit = 100

// Query filters QueryLogs. Empty fields match everything.
type Query struct {
	Level   string // case-insensitive
	Service string // exact
	Limit   int
}

// Store owns the in-memory index. Every access goes through its lock; the
// slice itself never leaves the package.
type Store struct {
	mu   sync.RWMutex
	logs []model.StoredLog

	writer    *storage.RecordWriter
	retention time.Duration

	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics enables metric updates.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetention sets how long record files are kept by the cleaner.
// Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// Open creates a store persisting into dir. The index starts empty; call
// Recover to load existing files.
func Open(dir string, opts ...Option) (*Store, error) {
	w, err := storage.NewRecordWriter(dir)
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "prepare storage dir")
	}

	s := &Store{
		writer: w,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the directory record files are written to.
func (s *Store) Dir() string {
	return s.writer.Dir()
}

// CreateLog stamps stored_at, writes the record file and appends the record
// to the index. The file is written first: if that fails the index is left
// untouched and the error is returned.
//
// Creating the same entry twice overwrites its file but appends a second
// record to the index.
func (s *Store) CreateLog(entry model.ProcessedLog) (model.StoredLog, error) {
	now := s.now()
	if entry.Timestamp == "" {
		entry.Timestamp = model.FormatTime(now)
	}
	rec := model.StoredLog{
		ProcessedLog: entry,
		StoredAt:     model.FormatTime(now),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.writer.Write(rec)
	if err != nil {
		if s.metrics != nil {
			s.metrics.StoreFailures.Inc()
		}
		return model.StoredLog{}, errors.WrapTransient(err, "Store", "CreateLog", "write record file")
	}
	s.logs = append(s.logs, rec)

	if s.metrics != nil {
		s.metrics.RecordsStored.Inc()
		s.metrics.IndexRecords.Set(float64(len(s.logs)))
	}
	s.logger.Debug("Record stored", "id", rec.Timestamp, "path", path, "priority", rec.Priority)
	return rec, nil
}

// QueryLogs returns the most recent limit records matching q, oldest first.
func (s *Store) QueryLogs(q Query) []model.StoredLog {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	level := strings.ToUpper(q.Level)

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.StoredLog, 0, min(limit, len(s.logs)))

	// Scan backwards so the newest matches are found first.
	for i := len(s.logs) - 1; i >= 0 && len(result) < limit; i-- {
		rec := s.logs[i]
		if level != "" && strings.ToUpper(rec.Level) != level {
			continue
		}
		if q.Service != "" && rec.Service != q.Service {
			continue
		}
		result = append(result, rec)
	}

	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}

// ClearLogs empties the index. Record files on disk are kept.
func (s *Store) ClearLogs() {
	s.mu.Lock()
	n := len(s.logs)
	s.logs = nil
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IndexRecords.Set(0)
	}
	s.logger.Info("Index cleared", "removed", n)
}

// Len returns the number of indexed records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

// Recover replaces the index with the records found on disk, ordered by
// stored_at then timestamp. Files that cannot be decoded are skipped.
func (s *Store) Recover() (int, error) {
	records, skipped, err := storage.ReadAll(s.writer.Dir())
	if err != nil {
		return 0, errors.WrapFatal(err, "Store", "Recover", "read storage dir")
	}
	for path, reason := range skipped {
		s.logger.Warn("Skipping unreadable record file", "path", path, "error", reason)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].StoredAt != records[j].StoredAt {
			return records[i].StoredAt < records[j].StoredAt
		}
		return records[i].Timestamp < records[j].Timestamp
	})

	s.mu.Lock()
	s.logs = records
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IndexRecords.Set(float64(len(records)))
	}
	s.logger.Info("Index recovered from disk", "records", len(records), "skipped", len(skipped))
	return len(records), nil
}
