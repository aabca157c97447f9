// Package ledgerclient talks to the balance ledger service.
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/abdelmounim-dev/tripsync/settlement"
)

var ErrNotFound = errors.New("ledger balance not found")

// Client implements settlement.Ledger over REST.
type Client struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
}

// NewClient creates a new ledger service client. token, if set, supplies
// the Authorization header value for every request.
func NewClient(baseURL string, timeout time.Duration, token func() string) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FindByUserID returns the ledger row of userID.
func (c *Client) FindByUserID(ctx context.Context, userID int64) (settlement.Balance, error) {
	var b settlement.Balance
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/balance/user/%d", userID), nil, &b)
	return b, err
}

// Update writes both balance fields. A 409 answer means the expected
// balances no longer match and is reported as settlement.ErrConflict.
func (c *Client) Update(ctx context.Context, u settlement.BalanceUpdate) (settlement.Balance, error) {
	var b settlement.Balance
	err := c.do(ctx, http.MethodPut, "/balance", u, &b)
	return b, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("ledger service base URL is not configured")
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if t := c.token(); t != "" {
			req.Header.Set("Authorization", t)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return settlement.ErrConflict
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ledger service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
