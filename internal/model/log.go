package model

import (
	"strings"
	"time"
)

// Defaults applied at enrichment time when a submission omits a field.
const (
	DefaultLevel   = "INFO"
	DefaultMessage = ""
	DefaultService = "unknown"
)

// TimeLayout is the ISO-8601 layout used for every timestamp in the
// pipeline: UTC with microsecond precision.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in TimeLayout after converting it to UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Priority is the triage class derived from a log level.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Classify derives a priority from a level, case-insensitively.
// ERROR and CRITICAL are high, WARNING is medium, everything else is low.
func Classify(level string) Priority {
	switch strings.ToUpper(level) {
	case "ERROR", "CRITICAL":
		return PriorityHigh
	case "WARNING":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// RawLog is a client submission before enrichment. Every field is optional.
type RawLog struct {
	Level    *string        `json:"level,omitempty"`
	Message  *string        `json:"message,omitempty"`
	Service  *string        `json:"service,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// LogEntry is an enriched submission as it travels through the queue.
// Timestamp doubles as the entry's identifier.
type LogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Service   string         `json:"service"`
	Metadata  map[string]any `json:"metadata"`
}

// Enrich stamps a raw submission with ts and fills in defaults.
// A timestamp supplied by the caller is never honoured.
func Enrich(raw RawLog, ts time.Time) LogEntry {
	entry := LogEntry{
		Timestamp: FormatTime(ts),
		Level:     DefaultLevel,
		Message:   DefaultMessage,
		Service:   DefaultService,
		Metadata:  raw.Metadata,
	}
	if raw.Level != nil {
		entry.Level = *raw.Level
	}
	if raw.Message != nil {
		entry.Message = *raw.Message
	}
	if raw.Service != nil {
		entry.Service = *raw.Service
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}
	return entry
}

// ProcessedLog is a LogEntry after classification by a processor.
type ProcessedLog struct {
	LogEntry
	ProcessedAt string   `json:"processed_at"`
	ProcessorID string   `json:"processor_id"`
	Priority    Priority `json:"priority"`
}

// Process classifies entry and stamps it with the processing time and the
// id of the processor that handled it.
func Process(entry LogEntry, processorID string, now time.Time) ProcessedLog {
	return ProcessedLog{
		LogEntry:    entry,
		ProcessedAt: FormatTime(now),
		ProcessorID: processorID,
		Priority:    Classify(entry.Level),
	}
}

// StoredLog is a ProcessedLog as persisted by the storage engine.
type StoredLog struct {
	ProcessedLog
	StoredAt string `json:"stored_at"`
}
