package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coffersTech/logflow/internal/model"
)

// Extension of every record file.
const Extension = ".json"

var nameReplacer = strings.NewReplacer(":", "-", "/", "-", `\`, "-")

// FileName maps a record timestamp to its file name: colons become dashes
// so the name is valid on every filesystem. Path separators are replaced
// too so a timestamp can never address a file outside the directory.
func FileName(timestamp string) string {
	return nameReplacer.Replace(timestamp) + Extension
}

// RecordWriter persists one JSON file per record.
type RecordWriter struct {
	dir string
}

// NewRecordWriter creates dir if needed.
func NewRecordWriter(dir string) (*RecordWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &RecordWriter{dir: dir}, nil
}

// Dir returns the directory records are written to.
func (rw *RecordWriter) Dir() string {
	return rw.dir
}

// Path returns where the record with the given timestamp lives.
func (rw *RecordWriter) Path(timestamp string) string {
	return filepath.Join(rw.dir, FileName(timestamp))
}

// Write stores rec atomically: the JSON is written and synced to a
// temporary file that is then renamed over the final path. A record with
// the same timestamp as an existing one replaces it.
func (rw *RecordWriter) Write(rec model.StoredLog) (string, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}

	path := rw.Path(rec.Timestamp)

	tmp, err := os.CreateTemp(rw.dir, ".record-*.tmp")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return path, nil
}
