// Package tripclient talks to the trip repository REST service.
package tripclient

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

	"github.com/abdelmounim-dev/tripsync/trip"
)

var ErrNotFound = errors.New("trip not found")

// Client implements trip.Repository.
type Client struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
}

// NewClient creates a new trip repository client. token, if set, supplies
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

// GetByID loads the durable trip record.
func (c *Client) GetByID(ctx context.Context, id int64) (trip.Session, error) {
	var s trip.Session
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/trips/%d", id), "", nil)
	if err != nil {
		return s, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return s, fmt.Errorf("failed to decode trip: %w", err)
	}
	return s, nil
}

// UpdateStatus records a status change.
func (c *Client) UpdateStatus(ctx context.Context, id int64, status trip.Status) error {
	body, err := json.Marshal(map[string]trip.Status{"status": status})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/trips/%d/status", id), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// UploadEvidence stores the photo taken at stage.
func (c *Client) UploadEvidence(ctx context.Context, id int64, stage trip.EvidenceStage, photo []byte) error {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/trips/%d/evidence/%s", id, stage), "image/jpeg", bytes.NewReader(photo))
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

type verifyResponse struct {
	Verified bool `json:"verified"`
}

// VerifyDeliveryCode asks the repository to check code. A 422 answer is a
// wrong code, which the repository records as an attempt.
func (c *Client) VerifyDeliveryCode(ctx context.Context, id int64, code string) (bool, error) {
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return false, fmt.Errorf("failed to marshal code: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/trips/%d/delivery-code/verify", id), "application/json", bytes.NewReader(body))
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusUnprocessableEntity {
			return false, nil
		}
		return false, err
	}
	defer resp.Body.Close()

	var v verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return false, fmt.Errorf("failed to decode verification: %w", err)
	}
	return v.Verified, nil
}

// StatusError is a non-success answer from the repository.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("trip repository returned status %d: %s", e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("trip repository base URL is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != nil {
		if t := c.token(); t != "" {
			req.Header.Set("Authorization", t)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}
