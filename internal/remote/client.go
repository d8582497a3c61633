package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the shared remote document endpoint. The endpoint is a
// single URL that serves the whole document on GET and accepts action
// envelopes on POST.
type Client struct {
	HTTPClient *http.Client
	Timeout    time.Duration
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		c.HTTPClient = &http.Client{Timeout: timeout}
	}
	return c.HTTPClient
}

// FetchDocument downloads the raw shared document. The cache-busting query
// parameter defeats intermediaries that would otherwise serve a stale copy.
func (c *Client) FetchDocument(ctx context.Context, url string, now time.Time) ([]byte, error) {
	endpoint := fmt.Sprintf("%s?t=%d", url, now.UnixMilli())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return io.ReadAll(resp.Body)
}

// SaveDocument uploads the full sanitized document.
func (c *Client) SaveDocument(ctx context.Context, url string, doc any) error {
	return c.post(ctx, url, map[string]any{
		"action": "saveState",
		"state":  doc,
	})
}

// Log posts a single event record to the remote log channel.
func (c *Client) Log(ctx context.Context, url string, fields map[string]any) error {
	body := map[string]any{"action": "log"}
	for k, v := range fields {
		body[k] = v
	}
	return c.post(ctx, url, body)
}

func (c *Client) post(ctx context.Context, url string, body any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
