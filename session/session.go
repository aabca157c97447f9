package session

import (
	"context"
	"strings"
	"time"
)

// Session is the authenticated identity shared by both realtime channels.
// Values are immutable once built; the Manager swaps whole Sessions.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	SessionID    string    `json:"session_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IsZero reports whether no credentials are held.
func (s Session) IsZero() bool {
	return s.AccessToken == ""
}

// Bearer returns the Authorization header value for the access token.
func (s Session) Bearer() string {
	if s.AccessToken == "" {
		return ""
	}
	return "Bearer " + s.AccessToken
}

// Store is the persistent key-value contract the credentials live in.
type Store interface {
	// Get returns the value stored under key; ok is false when absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Save stores value under key, replacing any previous value.
	Save(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// normalizeToken strips a leading "Bearer " (any case) and surrounding space.
func normalizeToken(token string) string {
	token = strings.TrimSpace(token)
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}
