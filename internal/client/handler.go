package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coffersTech/logflow/internal/model"
)

// HandlerOptions configures a Handler. Zero values pick the defaults.
type HandlerOptions struct {
	// Service is reported as the service of every record.
	Service string
	// Level is the minimum level shipped. Defaults to Info.
	Level slog.Leveler
	// FlushInterval defaults to one second.
	FlushInterval time.Duration
	// BatchSize defaults to 100.
	BatchSize int
	// QueueSize bounds buffered records; when full, records are dropped.
	// Defaults to 10000.
	QueueSize int
	// ErrorOutput receives delivery failures. Defaults to os.Stderr.
	ErrorOutput io.Writer
}

// Handler is a slog.Handler that ships records to the ingress service in
// batches. Call Shutdown to flush what is buffered.
type Handler struct {
	opts   HandlerOptions
	attrs  []slog.Attr
	groups []string
	s      *sender
}

// sender is shared by a handler and all handlers derived from it.
type sender struct {
	client     *Client
	instanceID string
	opts       HandlerOptions
	queue      chan model.RawLog
	done       chan struct{}
	once       sync.Once
	wg         sync.WaitGroup
}

// NewHandler starts a background sender posting to c.
func NewHandler(c *Client, opts HandlerOptions) *Handler {
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10000
	}
	if opts.ErrorOutput == nil {
		opts.ErrorOutput = os.Stderr
	}

	s := &sender{
		client:     c,
		instanceID: uuid.NewString(),
		opts:       opts,
		queue:      make(chan model.RawLog, opts.QueueSize),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()

	return &Handler{opts: opts, s: s}
}

// InstanceID identifies this handler's process in every record's metadata.
func (h *Handler) InstanceID() string {
	return h.s.instanceID
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	metadata := map[string]any{
		"instance_id": h.s.instanceID,
	}
	if r.PC != 0 {
		fs := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := fs.Next()
		if f.File != "" {
			metadata["source"] = fmt.Sprintf("%s:%d", f.File, f.Line)
		}
	}

	for _, a := range h.attrs {
		addAttr(metadata, a)
	}
	target := metadata
	for _, g := range h.groups {
		sub, ok := target[g].(map[string]any)
		if !ok {
			sub = map[string]any{}
			target[g] = sub
		}
		target = sub
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(target, a)
		return true
	})

	level := levelName(r.Level)
	msg := r.Message
	raw := model.RawLog{
		Level:    &level,
		Message:  &msg,
		Metadata: metadata,
	}
	if h.opts.Service != "" {
		svc := h.opts.Service
		raw.Service = &svc
	}

	select {
	case h.s.queue <- raw:
	default:
		fmt.Fprintf(h.opts.ErrorOutput, "logflow: queue full, dropping log\n")
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	h2.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range attrs {
		// Attributes added inside a group belong to it.
		for i := len(h.groups) - 1; i >= 0; i-- {
			a = slog.Group(h.groups[i], a)
		}
		h2.attrs = append(h2.attrs, a)
	}
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(append([]string(nil), h.groups...), name)
	return &h2
}

// Shutdown flushes buffered records and stops the sender. It is safe to
// call more than once.
func (h *Handler) Shutdown() {
	h.s.once.Do(func() { close(h.s.done) })
	h.s.wg.Wait()
}

// levelName maps slog levels to the level names the pipeline classifies.
func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError+4:
		return "CRITICAL"
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// LevelFromName is the inverse of the level names shipped by a Handler.
// Unknown names map to Info.
func LevelFromName(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "CRITICAL":
		return slog.LevelError + 4
	case "ERROR":
		return slog.LevelError
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "DEBUG":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func addAttr(m map[string]any, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() != slog.KindGroup {
		m[a.Key] = attrValue(a.Value)
		return
	}

	target := m
	if a.Key != "" {
		sub, ok := m[a.Key].(map[string]any)
		if !ok {
			sub = map[string]any{}
			m[a.Key] = sub
		}
		target = sub
	}
	for _, ga := range a.Value.Group() {
		addAttr(target, ga)
	}
}

func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return model.FormatTime(v.Time())
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	default:
		return v.Any()
	}
}

func (s *sender) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	var batch []model.RawLog

	send := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.client.SubmitBatch(ctx, batch); err != nil {
			fmt.Fprintf(s.opts.ErrorOutput, "logflow: send failed, %d logs lost: %v\n", len(batch), err)
		}
		batch = nil
	}

	for {
		select {
		case raw := <-s.queue:
			batch = append(batch, raw)
			if len(batch) >= s.opts.BatchSize {
				send()
			}
		case <-ticker.C:
			send()
		case <-s.done:
			for {
				select {
				case raw := <-s.queue:
					batch = append(batch, raw)
					if len(batch) >= s.opts.BatchSize {
						send()
					}
				default:
					send()
					return
				}
			}
		}
	}
}

var _ slog.Handler = (*Handler)(nil)
