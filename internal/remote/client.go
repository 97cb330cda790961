package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rcliao/storyloom/internal/errs"
)

// Client talks to an authority over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the authority at baseURL. Each request is
// bounded by timeout on top of the caller's context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Push sends a batch. Transport failures and 5xx responses are transient;
// any other non-200 response is permanent.
func (c *Client) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal push: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errs.Transient(fmt.Errorf("push: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("authority error %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, errs.Transient(err)
		}
		return nil, err
	}

	var out PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.Transient(fmt.Errorf("decode push response: %w", err))
	}
	if len(out.Results) != len(req.Ops) {
		return nil, errs.Transient(fmt.Errorf("authority returned %d results for %d ops", len(out.Results), len(req.Ops)))
	}
	return &out, nil
}

// Ping checks that the authority is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errs.Transient(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errs.Transient(fmt.Errorf("healthz returned %d", resp.StatusCode))
	}
	return nil
}
