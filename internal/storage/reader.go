package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coffersTech/logflow/internal/model"
)

// ReadFile decodes a single record file.
func ReadFile(path string) (model.StoredLog, error) {
	var rec model.StoredLog

	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return rec, nil
}

// RecordIterator walks the record files of a directory in name order.
// Files that cannot be read or decoded are skipped and reported by
// Skipped, so one corrupt file never hides the rest.
type RecordIterator struct {
	dir     string
	names   []string
	cursor  int
	current model.StoredLog
	skipped map[string]error
}

// NewIterator lists the record files in dir. A missing directory yields an
// empty iterator.
func NewIterator(dir string) (*RecordIterator, error) {
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	it := &RecordIterator{
		dir:     dir,
		cursor:  -1,
		skipped: make(map[string]error),
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, Extension) {
			continue
		}
		it.names = append(it.names, name)
	}
	sort.Strings(it.names)
	return it, nil
}

// Next advances to the next decodable record.
func (it *RecordIterator) Next() bool {
	for {
		it.cursor++
		if it.cursor >= len(it.names) {
			return false
		}

		path := filepath.Join(it.dir, it.names[it.cursor])
		rec, err := ReadFile(path)
		if err != nil {
			it.skipped[path] = err
			continue
		}

		it.current = rec
		return true
	}
}

// Record returns the record at the cursor.
func (it *RecordIterator) Record() model.StoredLog {
	return it.current
}

// Skipped returns the files that could not be read, keyed by path.
func (it *RecordIterator) Skipped() map[string]error {
	return it.skipped
}

// ReadAll loads every decodable record in dir.
func ReadAll(dir string) ([]model.StoredLog, map[string]error, error) {
	it, err := NewIterator(dir)
	if err != nil {
		return nil, nil, err
	}

	var records []model.StoredLog
	for it.Next() {
		records = append(records, it.Record())
	}
	return records, it.Skipped(), nil
}
