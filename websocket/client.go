package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/tripsync/bus"
	"github.com/abdelmounim-dev/tripsync/config"
	"github.com/abdelmounim-dev/tripsync/log"
	"github.com/abdelmounim-dev/tripsync/metrics"
	"github.com/abdelmounim-dev/tripsync/session"
)

const (
	websocketRetryDelay = 200 * time.Millisecond
	websocketRetryMax   = 2
)

// Channel names one of the realtime connections.
type Channel string

const (
	Location Channel = "location"
	Payment  Channel = "payment"
)

// State of a ChannelSession. AuthFailed stays until a new Connect.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	AuthFailed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case AuthFailed:
		return "auth_failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrNotConnected       = errors.New("channel not connected")
	ErrConnectInProgress  = errors.New("channel connect already in progress")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrAuthFailure        = errors.New("channel authentication failed")
	errStale              = errors.New("connection superseded")
)

// Config holds per-channel transport settings.
type Config struct {
	URL              string
	TokenQueryParam  string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	DialRetries      int
	DialBackoff      time.Duration
}

// ConfigFrom maps the channels section of the app config onto rawURL.
func ConfigFrom(c config.ChannelsConfig, rawURL string) Config {
	return Config{
		URL:              rawURL,
		TokenQueryParam:  c.TokenQueryParam,
		HandshakeTimeout: c.Handshake(),
		PingInterval:     time.Duration(c.PingInterval) * time.Second,
		PongTimeout:      time.Duration(c.PongTimeout) * time.Second,
		WriteTimeout:     time.Duration(c.WriteTimeout) * time.Second,
		DialRetries:      c.DialRetries,
		DialBackoff:      time.Duration(c.DialBackoff) * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	if c.TokenQueryParam == "" {
		c.TokenQueryParam = "token"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongTimeout <= c.PingInterval {
		c.PongTimeout = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = 500 * time.Millisecond
	}
}

// Listener receives the raw data of one inbound event.
type Listener func(data json.RawMessage)

// ChannelSession owns one websocket connection to the backend. Inbound
// events are dispatched from a single reader goroutine, so listeners see
// them in transport order.
type ChannelSession struct {
	name   Channel
	cfg    Config
	bus    *bus.Bus
	dialer *websocket.Dialer
	router Router
	logger zerolog.Logger

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	connectionID string
	generation   uint64
	listeners    map[string]Listener
	cancel       context.CancelFunc

	writeMu sync.Mutex
}

// Option configures a ChannelSession.
type Option func(*ChannelSession)

func WithLogger(l zerolog.Logger) Option {
	return func(s *ChannelSession) { s.logger = l }
}

// WithRouter replaces the default bus router for inbound events.
func WithRouter(r Router) Option {
	return func(s *ChannelSession) { s.router = r }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *ChannelSession) { s.dialer = d }
}

// NewChannelSession creates a disconnected channel.
func NewChannelSession(name Channel, cfg Config, b *bus.Bus, opts ...Option) *ChannelSession {
	cfg.applyDefaults()
	s := &ChannelSession{
		name: name,
		cfg:  cfg,
		bus:  b,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:    log.WithComponent("channel").With().Str("channel", string(name)).Logger(),
		listeners: make(map[string]Listener),
	}
	s.router = BusRouter(b)
	for _, opt := range opts {
		opt(s)
	}
	metrics.ChannelState.WithLabelValues(string(name)).Set(float64(Disconnected))
	return s
}

// Name returns the channel name.
func (s *ChannelSession) Name() Channel { return s.name }

// State returns the current state.
func (s *ChannelSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the channel holds a live connection.
func (s *ChannelSession) IsConnected() bool {
	return s.State() == Connected
}

// ConnectionID identifies the current connection; empty when not connected.
func (s *ChannelSession) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

// Connect dials the backend with the session's access token attached both as
// a query parameter and as an Authorization header. It is a no-op when
// already connected. Transient dial failures are retried a few times here;
// authentication failures are not retried and leave the channel AuthFailed.
func (s *ChannelSession) Connect(ctx context.Context, creds session.Session) error {
	s.mu.Lock()
	switch s.state {
	case Connected:
		s.mu.Unlock()
		return nil
	case Connecting:
		s.mu.Unlock()
		return ErrConnectInProgress
	}
	if creds.AccessToken == "" {
		s.mu.Unlock()
		s.markAuthFailed(s.currentGeneration(), "no access token")
		return fmt.Errorf("%w: no access token", ErrAuthFailure)
	}
	s.generation++
	gen := s.generation
	s.setStateLocked(Connecting)
	s.mu.Unlock()
	s.publishState(Connecting)

	target, err := s.dialURL(creds.AccessToken)
	if err != nil {
		s.finishFailed(gen, Disconnected)
		return err
	}
	header := http.Header{}
	header.Set("Authorization", creds.Bearer())

	var conn *websocket.Conn
	operation := func() error {
		c, resp, err := s.dialer.DialContext(ctx, target, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if isAuthFailure(resp, err) {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrAuthFailure, err))
			}
			return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
		}
		conn = c
		return nil
	}
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(s.cfg.DialBackoff),
				backoff.WithMaxInterval(4*s.cfg.DialBackoff),
			),
			uint64(max(s.cfg.DialRetries, 0)),
		),
		ctx,
	)
	err = backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		s.logger.Debug().Err(err).Dur("next", d).Msg("retrying channel dial")
	})
	if err != nil {
		if errors.Is(err, ErrAuthFailure) {
			metrics.ChannelConnects.WithLabelValues(string(s.name), "auth_failed").Inc()
			s.markAuthFailed(gen, err.Error())
			return err
		}
		metrics.ChannelConnects.WithLabelValues(string(s.name), "error").Inc()
		s.finishFailed(gen, Disconnected)
		if !errors.Is(err, ErrNetworkUnavailable) {
			err = fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
		}
		s.logger.Warn().Err(err).Msg("channel connect failed")
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.generation != gen {
		// Disconnected while dialing; the result belongs to nobody.
		s.mu.Unlock()
		cancel()
		conn.Close()
		return errStale
	}
	s.conn = conn
	s.cancel = cancel
	s.connectionID = uuid.New().String()
	s.setStateLocked(Connected)
	connID := s.connectionID
	s.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	go s.readLoop(loopCtx, conn, gen)
	go s.pingLoop(loopCtx, conn, gen)

	metrics.ChannelConnects.WithLabelValues(string(s.name), "success").Inc()
	s.publishState(Connected)
	s.logger.Info().Str("connection_id", connID).Msg("channel connected")
	return nil
}

// Send emits an event. When the channel is not connected the event is
// dropped and ErrNotConnected returned; callers treat delivery as best-effort.
func (s *ChannelSession) Send(event string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == Connected && conn != nil
	s.mu.Unlock()

	if !connected {
		metrics.MessagesDropped.WithLabelValues(string(s.name)).Inc()
		s.logger.Warn().Str("event", event).Msg("dropping event, channel not connected")
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	if err := s.safeWriteJSON(conn, Envelope{Event: event, Data: data}); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("failed to send event")
		return err
	}
	metrics.MessagesSent.WithLabelValues(string(s.name)).Inc()
	return nil
}

// On registers fn for event, replacing any listener already registered for
// that name. At most one listener per event name is kept.
func (s *ChannelSession) On(event string, fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.listeners, event)
		return
	}
	s.listeners[event] = fn
}

// Disconnect removes every listener and closes the connection.
func (s *ChannelSession) Disconnect() {
	s.mu.Lock()
	s.listeners = make(map[string]Listener)
	s.generation++
	conn := s.conn
	cancel := s.cancel
	s.conn = nil
	s.cancel = nil
	s.connectionID = ""
	changed := s.state != Disconnected
	s.setStateLocked(Disconnected)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		s.closeConn(conn, websocket.CloseNormalClosure, "client disconnect")
	}
	if changed {
		s.publishState(Disconnected)
		s.logger.Info().Msg("channel disconnected")
	}
}

// safeWriteJSON writes data to the websocket with retry capability
func (s *ChannelSession) safeWriteJSON(conn *websocket.Conn, data interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	operation := func() error {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		return conn.WriteJSON(data)
	}

	backoffStrategy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(websocketRetryDelay),
		websocketRetryMax,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		s.logger.Debug().Err(err).Dur("next", d).Msg("retrying websocket write")
	})
}

func (s *ChannelSession) pingLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Warn().Err(err).Msg("failed to send ping")
				s.connectionLost(gen, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *ChannelSession) closeConn(conn *websocket.Conn, code int, text string) {
	s.writeMu.Lock()
	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(s.cfg.WriteTimeout),
	)
	s.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug().Err(err).Msg("error sending close message")
	}
	conn.Close()
}

func (s *ChannelSession) dialURL(token string) (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid %s channel url: %w", s.name, err)
	}
	q := u.Query()
	q.Set(s.cfg.TokenQueryParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *ChannelSession) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// setStateLocked must be called with s.mu held.
func (s *ChannelSession) setStateLocked(st State) {
	s.state = st
	metrics.ChannelState.WithLabelValues(string(s.name)).Set(float64(st))
}

func (s *ChannelSession) publishState(st State) {
	bus.Publish(s.bus, bus.ChannelState, bus.ChannelStateEvent{Channel: string(s.name), State: st.String()})
}

// finishFailed moves a connect attempt of generation gen to st.
func (s *ChannelSession) finishFailed(gen uint64, st State) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(st)
	s.mu.Unlock()
	s.publishState(st)
}
