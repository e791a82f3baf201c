package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coffersTech/logflow/internal/storage"
)

// RunCleaner periodically removes record files older than the retention
// period until ctx is cancelled. The in-memory index is not touched.
func (s *Store) RunCleaner(ctx context.Context, interval time.Duration) {
	if s.retention <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Cleaner started", "retention", s.retention, "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purgeExpiredFiles()
		}
	}
}

// purgeExpiredFiles removes record files whose modification time is before
// now minus retention and returns how many were deleted.
func (s *Store) purgeExpiredFiles() int {
	dir := s.writer.Dir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Cleaner failed to read storage dir", "dir", dir, "error", err)
		}
		return 0
	}

	threshold := s.now().Add(-s.retention)
	removed := 0

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, storage.Extension) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(threshold) {
			continue
		}

		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			s.logger.Error("Cleaner failed to delete file", "file", name, "error", err)
			continue
		}
		removed++
		s.logger.Debug("Expired file deleted", "file", name)
	}

	if removed > 0 {
		if s.metrics != nil {
			s.metrics.FilesPruned.Add(float64(removed))
		}
		s.logger.Info("Expired record files removed", "count", removed)
	}
	return removed
}
