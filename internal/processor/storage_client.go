package processor

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

// Store receives processed entries.
type Store interface {
	CreateLog(ctx context.Context, entry model.ProcessedLog) error
}

// StorageClient forwards processed entries to the storage service over
// HTTP.
type StorageClient struct {
	baseURL string
	client  *http.Client
}

// NewStorageClient returns a client for the storage service at baseURL.
// Each call is bounded by timeout.
func NewStorageClient(baseURL string, timeout time.Duration) *StorageClient {
	return &StorageClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// CreateLog posts entry to /logs. Only a 201 answer counts as stored.
func (c *StorageClient) CreateLog(ctx context.Context, entry model.ProcessedLog) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return errors.WrapInvalid(err, "StorageClient", "CreateLog", "encode entry")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/logs", bytes.NewReader(body))
	if err != nil {
		return errors.WrapInvalid(err, "StorageClient", "CreateLog", "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err), "StorageClient", "CreateLog", "post entry")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.WrapTransient(
			fmt.Errorf("%w: status %d: %s", errors.ErrStorageUnavailable, resp.StatusCode, strings.TrimSpace(string(msg))),
			"StorageClient", "CreateLog", "post entry")
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
