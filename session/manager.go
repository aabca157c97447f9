package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/abdelmounim-dev/tripsync/bus"
	"github.com/abdelmounim-dev/tripsync/clock"
	"github.com/abdelmounim-dev/tripsync/log"
	"github.com/abdelmounim-dev/tripsync/metrics"
)

const (
	// DefaultRenewalLead is how long before expiry renewal is requested.
	DefaultRenewalLead = 5 * time.Minute

	storeKey   = "credentials"
	refreshKey = "refresh"
)

var (
	ErrNoSession = errors.New("no stored session")
	// ErrCredentialsExpired means the refresh token is missing or was
	// rejected; the user must sign in again.
	ErrCredentialsExpired = errors.New("credentials expired")
	// ErrRefreshRejected is returned by a Refresher when the auth service
	// refused the refresh token (as opposed to being unreachable).
	ErrRefreshRejected = errors.New("refresh token rejected")
	// ErrRefreshUnavailable wraps transient refresh failures.
	ErrRefreshUnavailable = errors.New("refresh temporarily unavailable")
)

// Tokens is the result of a refresh exchange. Empty RefreshToken or
// SessionID keep the previous values.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	SessionID    string `json:"sessionId"`
}

// Refresher exchanges a refresh token with the auth service.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

// Manager owns the current Session: it restores it from the Store, replaces
// it atomically, arms the pre-expiry renewal timer and runs refresh
// exchanges. Concurrent Refresh calls share one exchange.
type Manager struct {
	mu         sync.RWMutex
	current    Session
	generation uint64
	timer      clock.Timer
	timerID    uint64

	// writeMu serializes persisting and swapping the session.
	writeMu sync.Mutex

	store  Store
	auth   Refresher
	bus    *bus.Bus
	clock  clock.Clock
	lead   time.Duration
	logger zerolog.Logger

	group      singleflight.Group
	refreshing atomic.Bool
	exchanges  atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithRenewalLead(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lead = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager. It holds no session until Load or Replace.
func NewManager(store Store, auth Refresher, b *bus.Bus, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		auth:   auth,
		bus:    b,
		clock:  clock.Real{},
		lead:   DefaultRenewalLead,
		logger: log.WithComponent("credentials"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the active session. The zero Session means signed out.
func (m *Manager) Current() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Generation identifies the current sign-in. It changes only when the
// session is cleared, so a result computed for an older generation belongs
// to a torn-down session.
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// BearerToken returns the canonical Authorization header value.
func (m *Manager) BearerToken() string {
	return m.Current().Bearer()
}

// IsRefreshing reports whether an exchange is in flight.
func (m *Manager) IsRefreshing() bool {
	return m.refreshing.Load()
}

// Exchanges returns how many refresh exchanges reached the auth service.
func (m *Manager) Exchanges() int64 {
	return m.exchanges.Load()
}

// Load restores the session persisted by a previous run and arms its
// renewal timer.
func (m *Manager) Load(ctx context.Context) (Session, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	raw, ok, err := m.store.Get(ctx, storeKey)
	if err != nil {
		return Session{}, fmt.Errorf("load credentials: %w", err)
	}
	if !ok || raw == "" {
		return Session{}, ErrNoSession
	}

	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Session{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if s.IsZero() {
		return Session{}, ErrNoSession
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	if err := m.ScheduleRenewal(s.AccessToken); err != nil {
		m.logger.Warn().Err(err).Msg("restored session has no usable expiry")
	}
	m.logger.Info().Str("session_id", s.SessionID).Time("expires_at", s.ExpiresAt).Msg("session restored")
	return s, nil
}

// Replace builds a new Session from accessToken and the optional refresh
// token and session id (nil keeps the current value), persists it and only
// then makes it current. On any error the current session is untouched.
func (m *Manager) Replace(ctx context.Context, accessToken string, refreshToken, sessionID *string) (Session, error) {
	return m.replace(ctx, nil, accessToken, refreshToken, sessionID)
}

// replace persists and installs the new session. A non-nil gen must still
// be the current generation, otherwise the session was cleared while the
// tokens were being obtained and they are discarded.
func (m *Manager) replace(ctx context.Context, gen *uint64, accessToken string, refreshToken, sessionID *string) (Session, error) {
	accessToken = normalizeToken(accessToken)
	exp, err := ExpiryOf(accessToken)
	if err != nil {
		return Session{}, fmt.Errorf("replace credentials: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	next := m.current
	cleared := gen != nil && *gen != m.generation
	m.mu.RUnlock()
	if cleared {
		return Session{}, fmt.Errorf("%w: session cleared during refresh", ErrCredentialsExpired)
	}

	next.AccessToken = accessToken
	next.ExpiresAt = exp
	if refreshToken != nil {
		next.RefreshToken = normalizeToken(*refreshToken)
	}
	if sessionID != nil {
		next.SessionID = *sessionID
	}

	data, err := json.Marshal(next)
	if err != nil {
		return Session{}, fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := m.store.Save(ctx, storeKey, string(data)); err != nil {
		return Session{}, fmt.Errorf("persist credentials: %w", err)
	}

	m.mu.Lock()
	m.current = next
	m.mu.Unlock()

	if err := m.ScheduleRenewal(accessToken); err != nil {
		m.logger.Warn().Err(err).Msg("failed to schedule renewal")
	}
	return next, nil
}

// ScheduleRenewal arms a one-shot timer that publishes bus.NeedsRefresh
// lead before the token expires, replacing any previously armed timer.
// A token already inside the lead window is reported immediately.
//
// Subscribers must not call Refresh synchronously from the handler.
func (m *Manager) ScheduleRenewal(token string) error {
	exp, err := ExpiryOf(token)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerID++
	id := m.timerID

	delay := exp.Add(-m.lead).Sub(m.clock.Now())
	if delay <= 0 {
		m.mu.Unlock()
		m.logger.Info().Time("expires_at", exp).Msg("token inside renewal window, requesting refresh now")
		bus.Publish(m.bus, bus.NeedsRefresh, bus.NeedsRefreshEvent{ExpiresAt: exp})
		return nil
	}

	m.timer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		stale := id != m.timerID
		if !stale {
			m.timer = nil
		}
		m.mu.Unlock()
		if stale {
			return
		}
		bus.Publish(m.bus, bus.NeedsRefresh, bus.NeedsRefreshEvent{ExpiresAt: exp})
	})
	m.mu.Unlock()

	m.logger.Debug().Dur("in", delay).Time("expires_at", exp).Msg("renewal scheduled")
	return nil
}

// Refresh exchanges the current refresh token for a new session. Callers
// arriving while an exchange is in flight wait for and share its result.
func (m *Manager) Refresh(ctx context.Context) (Session, error) {
	v, err, shared := m.group.Do(refreshKey, func() (interface{}, error) {
		m.refreshing.Store(true)
		defer m.refreshing.Store(false)
		return m.refresh(ctx)
	})
	if shared {
		m.logger.Debug().Msg("joined in-flight refresh")
	}
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

func (m *Manager) refresh(ctx context.Context) (Session, error) {
	m.mu.RLock()
	cur, gen := m.current, m.generation
	m.mu.RUnlock()
	if cur.RefreshToken == "" {
		metrics.CredentialRefreshes.WithLabelValues("missing").Inc()
		return Session{}, fmt.Errorf("%w: no refresh token", ErrCredentialsExpired)
	}

	m.exchanges.Add(1)
	tokens, err := m.auth.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshRejected) {
			metrics.CredentialRefreshes.WithLabelValues("rejected").Inc()
			m.logger.Warn().Err(err).Msg("refresh token rejected")
			return Session{}, fmt.Errorf("%w: %v", ErrCredentialsExpired, err)
		}
		metrics.CredentialRefreshes.WithLabelValues("error").Inc()
		return Session{}, fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}
	if tokens.AccessToken == "" {
		metrics.CredentialRefreshes.WithLabelValues("rejected").Inc()
		return Session{}, fmt.Errorf("%w: empty access token in refresh response", ErrCredentialsExpired)
	}

	var refresh, sid *string
	if tokens.RefreshToken != "" {
		refresh = &tokens.RefreshToken
	}
	if tokens.SessionID != "" {
		sid = &tokens.SessionID
	}
	s, err := m.replace(ctx, &gen, tokens.AccessToken, refresh, sid)
	if err != nil {
		if errors.Is(err, ErrCredentialsExpired) {
			metrics.CredentialRefreshes.WithLabelValues("discarded").Inc()
			m.logger.Info().Msg("discarding refresh result for a cleared session")
			return Session{}, err
		}
		metrics.CredentialRefreshes.WithLabelValues("error").Inc()
		return Session{}, err
	}

	metrics.CredentialRefreshes.WithLabelValues("success").Inc()
	m.logger.Info().Str("session_id", s.SessionID).Time("expires_at", s.ExpiresAt).Msg("credentials refreshed")
	return s, nil
}

// Clear forgets the session (logout or unrecoverable auth failure). Refresh
// exchanges still in flight are discarded when they complete.
func (m *Manager) Clear(ctx context.Context) error {
	m.Close()
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	m.current = Session{}
	m.generation++
	m.mu.Unlock()
	return m.store.Delete(ctx, storeKey)
}

// Close cancels a pending renewal timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerID++
}
