// Package backend implements the client for the generation backend's
// queue-management REST API. The backend queue is an optimization, not the
// system of record: callers treat every operation here as best-effort.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
)

// Repeater retries failed calls
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// Client talks to the backend queue API
type Client struct {
	baseURL string
	client  *http.Client
	rptr    Repeater
}

// New makes a backend client for the given base url, e.g. http://127.0.0.1:8188
func New(baseURL string, timeout time.Duration, rptr Repeater) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if rptr == nil {
		rptr = repeater.New(&strategy.Backoff{Repeats: 3, Duration: 500 * time.Millisecond, Factor: 2})
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		rptr:    rptr,
	}
}

// DeleteFromQueue asks the backend to drop a queued prompt. A non-200 response
// is an error for the caller to fold into its own reporting; the prompt may
// legitimately be gone already (started or finished).
func (c *Client) DeleteFromQueue(ctx context.Context, correlationID string) error {
	payload, err := json.Marshal(map[string][]string{"delete": {correlationID}})
	if err != nil {
		return fmt.Errorf("can't marshal delete payload: %w", err)
	}
	log.Printf("[DEBUG] deleting prompt %s from backend queue", correlationID)
	return c.post(ctx, "/queue", payload)
}

// Interrupt stops whatever the backend is currently executing
func (c *Client) Interrupt(ctx context.Context) error {
	log.Printf("[DEBUG] interrupting current backend execution")
	return c.post(ctx, "/interrupt", nil)
}

// QueueStatus reports how many prompts are queued and running on the backend
func (c *Client) QueueStatus(ctx context.Context) (running, queued int, err error) {
	var body []byte
	err = c.rptr.Do(ctx, func() error {
		req, e := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue", http.NoBody)
		if e != nil {
			return fmt.Errorf("can't make queue request: %w", e)
		}
		resp, e := c.client.Do(req)
		if e != nil {
			return fmt.Errorf("queue request failed: %w", e)
		}
		defer resp.Body.Close() // nolint errcheck
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %s from queue endpoint", resp.Status)
		}
		body, e = io.ReadAll(resp.Body)
		return e
	})
	if err != nil {
		return 0, 0, err
	}

	var data struct {
		Running []json.RawMessage `json:"queue_running"`
		Pending []json.RawMessage `json:"queue_pending"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return 0, 0, fmt.Errorf("can't parse queue response: %w", err)
	}
	return len(data.Running), len(data.Pending), nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) error {
	return c.rptr.Do(ctx, func() error {
		var body io.Reader = http.NoBody
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("can't make request to %s: %w", path, err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("request to %s failed: %w", path, err)
		}
		defer resp.Body.Close() // nolint errcheck
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %s from %s", resp.Status, path)
		}
		return nil
	})
}
