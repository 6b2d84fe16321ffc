package dialer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrWindowExpired is returned when the dialer rejects a whole batch because
// the campaign's allowed calling hours have lapsed.
var ErrWindowExpired = errors.New("dialer: WINDOW_EXPIRED")

const codeWindowExpired = "WINDOW_EXPIRED"

// SubmitResult is the dialer's verdict on one queue item of a batch.
type SubmitResult struct {
	QueueItemID string `json:"queue_item_id"`
	Status      string `json:"status"` // ok | error
	Error       string `json:"error,omitempty"`
}

func (r SubmitResult) OK() bool { return r.Status == "ok" }

// Config configures the HTTP dialer client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client submits call batches to the external dialer over HTTP.
type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("dialer base url is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("dialer base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{base: u, apiKey: cfg.APIKey, http: &http.Client{Timeout: timeout}}, nil
}

type submitRequest struct {
	LeadIDs      []string `json:"lead_ids"`
	QueueItemIDs []string `json:"queue_item_ids"`
}

type submitResponse struct {
	Results []SubmitResult `json:"results"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Submit places one batch of calls. leadIDs and queueItemIDs are parallel.
//
// A whole-batch rejection for calling hours (HTTP 409 or the WINDOW_EXPIRED
// code) returns ErrWindowExpired. Any other non-2xx response is a plain
// error. Per-item failures are reported in the results with a nil error.
func (c *Client) Submit(ctx context.Context, campaignID string, leadIDs, queueItemIDs []string) ([]SubmitResult, error) {
	if len(leadIDs) != len(queueItemIDs) {
		return nil, fmt.Errorf("dialer: %d lead ids for %d queue items", len(leadIDs), len(queueItemIDs))
	}
	body, err := json.Marshal(submitRequest{LeadIDs: leadIDs, QueueItemIDs: queueItemIDs})
	if err != nil {
		return nil, err
	}

	endpoint := c.base.JoinPath("v1", "campaigns", campaignID, "calls")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dialer submit: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("dialer submit: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		_ = json.Unmarshal(raw, &e)
		if e.Code == codeWindowExpired || resp.StatusCode == http.StatusConflict {
			return nil, ErrWindowExpired
		}
		return nil, fmt.Errorf("dialer submit: status %d: %s", resp.StatusCode, strings.TrimSpace(e.Message))
	}

	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("dialer submit: decode: %w", err)
	}
	return out.Results, nil
}
