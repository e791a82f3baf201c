// Package client submits logs to the ingress service, either directly or
// as a slog.Handler.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coffersTech/logflow/internal/errors"
	"github.com/coffersTech/logflow/internal/model"
)

// APIError is a non-success answer from the ingress service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ingress: HTTP %d: %s", e.StatusCode, e.Message)
}

// Client talks to one ingress service.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = &http.Client{Timeout: d} }
}

// DefaultTimeout bounds requests of a client built without options.
const DefaultTimeout = 5 * time.Second

// New returns a client for the ingress service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit queues one log and returns its id.
func (c *Client) Submit(ctx context.Context, raw model.RawLog) (string, error) {
	var out struct {
		LogID string `json:"log_id"`
	}
	if err := c.post(ctx, "/logs", raw, &out); err != nil {
		return "", errors.Wrap(err, "Client", "Submit", "submit log")
	}
	return out.LogID, nil
}

// SubmitBatch queues logs in one request and returns how many were queued.
func (c *Client) SubmitBatch(ctx context.Context, raws []model.RawLog) (int, error) {
	if raws == nil {
		raws = []model.RawLog{}
	}
	var out struct {
		QueuedCount int `json:"queued_count"`
	}
	if err := c.post(ctx, "/logs/batch", raws, &out); err != nil {
		return 0, errors.Wrap(err, "Client", "SubmitBatch", "submit batch")
	}
	return out.QueuedCount, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "post", "encode body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return errors.WrapInvalid(err, "Client", "post", "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Client", "post", "send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WrapTransient(err, "Client", "post", "read response")
	}

	if resp.StatusCode != http.StatusCreated {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var envelope struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
			apiErr.Message = envelope.Error
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return errors.WrapInvalid(apiErr, "Client", "post", "submit")
		}
		return errors.WrapTransient(apiErr, "Client", "post", "submit")
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errors.WrapTransient(err, "Client", "post", "decode response")
	}
	return nil
}
