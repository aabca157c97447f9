// Package authclient talks to the auth service's token refresh endpoint.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/abdelmounim-dev/tripsync/session"
)

// Client exchanges refresh tokens with the auth service.
type Client struct {
	baseURL     string
	refreshPath string
	httpClient  *http.Client
}

// NewClient creates a new auth service client.
func NewClient(baseURL, refreshPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if refreshPath == "" {
		refreshPath = "/auth/refresh"
	}
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		refreshPath: refreshPath,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh implements session.Refresher. A 400/401/403 answer is reported as
// session.ErrRefreshRejected; anything else is a transient failure.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (session.Tokens, error) {
	if c.baseURL == "" {
		return session.Tokens{}, fmt.Errorf("auth service base URL is not configured")
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return session.Tokens{}, fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	url := c.baseURL + c.refreshPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return session.Tokens{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return session.Tokens{}, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return session.Tokens{}, fmt.Errorf("%w: status %d: %s", session.ErrRefreshRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	case resp.StatusCode >= 300:
		return session.Tokens{}, fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}

	var tokens session.Tokens
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return session.Tokens{}, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	return tokens, nil
}
