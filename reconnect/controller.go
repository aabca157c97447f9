// Package reconnect decides when and how the realtime channels are restored.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/abdelmounim-dev/tripsync/bus"
	"github.com/abdelmounim-dev/tripsync/clock"
	"github.com/abdelmounim-dev/tripsync/log"
	"github.com/abdelmounim-dev/tripsync/metrics"
	"github.com/abdelmounim-dev/tripsync/session"
	"github.com/abdelmounim-dev/tripsync/websocket"
)

type State int32

const (
	Idle State = iota
	Reconnecting
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Reconnecting:
		return "reconnecting"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Reason names what started a reconnection cycle.
type Reason string

const (
	NetworkOnline Reason = "network_online"
	AuthFailed    Reason = "auth_failed"
	HealthCheck   Reason = "health_check"
	Retry         Reason = "retry"
	Manual        Reason = "manual"
)

var (
	ErrInProgress = errors.New("reconnection already in progress")
	ErrTooSoon    = errors.New("reconnection attempted too soon")
	ErrExhausted  = errors.New("reconnection attempts exhausted")
	ErrClosed     = errors.New("reconnection controller closed")
	// ErrSignedOut ends a cycle whose session was cleared while it ran.
	ErrSignedOut = errors.New("session cleared during reconnection")
)

// Channel is the part of a websocket.ChannelSession the controller drives.
type Channel interface {
	Connect(ctx context.Context, s session.Session) error
	Disconnect()
	State() websocket.State
	IsConnected() bool
}

// Credentials is the part of session.Manager the controller drives.
type Credentials interface {
	Current() session.Session
	Generation() uint64
	Refresh(ctx context.Context) (session.Session, error)
}

// Controller is the single authority restoring connectivity. At most one
// cycle runs at a time and cycles start no closer than Config.MinInterval
// apart, whatever triggered them.
type Controller struct {
	mu            sync.Mutex
	state         State
	attempts      int
	lastAttemptAt time.Time
	inProgress    bool
	retryTimer    clock.Timer
	retryID       uint64
	healthTimer   clock.Timer
	wanted        map[websocket.Channel]bool
	required      []websocket.Channel
	online        bool
	renewalID     cron.EntryID
	closed        bool

	tripActive atomic.Bool

	cfg          Config
	creds        Credentials
	channels     map[websocket.Channel]Channel
	order        []websocket.Channel
	bus          *bus.Bus
	clock        clock.Clock
	limiter      *rate.Limiter
	renewLimiter *rate.Limiter
	backoff      *backoff.ExponentialBackOff
	cron         *cron.Cron
	logger       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()
}

// Option configures a Controller.
type Option func(*Controller)

func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// WithRequired sets the channels reconnected on every cycle. Other channels
// are reconnected only once they have been seen connected. Defaults to the
// location channel.
func WithRequired(names ...websocket.Channel) Option {
	return func(ctl *Controller) { ctl.required = names }
}

// New creates a Controller supervising channels and subscribes it to the
// auth-failed, needs-refresh, reachability and channel-state topics.
func New(cfg Config, creds Credentials, channels map[websocket.Channel]Channel, b *bus.Bus, opts ...Option) *Controller {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		wanted:   make(map[websocket.Channel]bool),
		required: []websocket.Channel{websocket.Location},
		online:   true,
		cfg:      cfg,
		creds:    creds,
		channels: channels,
		bus:      b,
		clock:    clock.Real{},
		cron:     cron.New(),
		logger:   log.WithComponent("reconnect"),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	for name := range channels {
		c.order = append(c.order, name)
	}
	sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })
	for _, name := range c.required {
		c.wanted[name] = true
	}

	c.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	c.renewLimiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)

	c.backoff = backoff.NewExponentialBackOff()
	c.backoff.InitialInterval = cfg.InitialBackoff
	c.backoff.MaxInterval = cfg.MaxBackoff
	c.backoff.MaxElapsedTime = 0
	c.backoff.Clock = c.clock
	c.backoff.Reset()

	c.unsubs = []func(){
		bus.Subscribe(b, bus.AuthFailed, func(e bus.AuthFailedEvent) {
			c.logger.Warn().Str("channel", e.Channel).Str("error", e.Reason).Msg("channel reported auth failure")
			c.spawn(func(ctx context.Context) { _ = c.Trigger(ctx, AuthFailed) })
		}),
		bus.Subscribe(b, bus.NeedsRefresh, func(e bus.NeedsRefreshEvent) {
			c.spawn(func(ctx context.Context) { c.renew(ctx, e.ExpiresAt) })
		}),
		bus.Subscribe(b, bus.Reachability, c.onReachability),
		bus.Subscribe(b, bus.ChannelState, func(e bus.ChannelStateEvent) {
			if e.State == websocket.Connected.String() {
				c.markWanted(websocket.Channel(e.Channel))
			}
		}),
	}
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Controller) LastAttemptAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAttemptAt
}

// SetTripActive tells the controller whether a trip is on screen. Network
// and health-check triggers are ignored while no trip is active.
func (c *Controller) SetTripActive(active bool) {
	c.tripActive.Store(active)
}

// Forget stops reconnecting an optional channel until it is seen connected
// again. Required channels cannot be forgotten.
func (c *Controller) Forget(name websocket.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.required {
		if r == name {
			return
		}
	}
	delete(c.wanted, name)
}

// Trigger runs one reconnection cycle for reason. It returns ErrInProgress,
// ErrTooSoon or ErrExhausted without doing anything when a guard refuses
// the cycle. A trigger refused by the minimum interval while no retry is
// pending is deferred to the end of the interval.
func (c *Controller) Trigger(ctx context.Context, reason Reason) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == Exhausted:
		c.mu.Unlock()
		c.logger.Debug().Str("reason", string(reason)).Msg("reconnection exhausted, ignoring trigger")
		return ErrExhausted
	case c.inProgress:
		c.mu.Unlock()
		c.logger.Debug().Str("reason", string(reason)).Msg("reconnection in progress, ignoring trigger")
		return ErrInProgress
	}

	now := c.clock.Now()
	if !c.limiter.AllowN(now, 1) {
		if c.retryTimer == nil {
			c.armRetryLocked(c.lastAttemptAt.Add(c.cfg.MinInterval).Sub(now), reason)
		}
		c.mu.Unlock()
		c.logger.Debug().Str("reason", string(reason)).Msg("reconnection throttled")
		return ErrTooSoon
	}

	c.inProgress = true
	c.state = Reconnecting
	c.lastAttemptAt = now
	c.stopRetryLocked()
	attempts := c.attempts
	c.mu.Unlock()

	c.logger.Info().Str("reason", string(reason)).Int("attempt", attempts+1).Msg("starting reconnection cycle")
	bus.Publish(c.bus, bus.Connectivity, bus.ConnectivityEvent{State: bus.Reconnecting, Attempts: attempts})

	err := c.cycle(ctx, reason)
	c.finish(reason, err)
	return err
}

func (c *Controller) cycle(ctx context.Context, reason Reason) error {
	gen := c.creds.Generation()
	for _, name := range c.order {
		ch := c.channels[name]
		if ch.IsConnected() {
			c.markWanted(name)
		}
		ch.Disconnect()
	}

	if reason == AuthFailed {
		if _, err := c.creds.Refresh(ctx); err != nil {
			if c.creds.Generation() != gen {
				return ErrSignedOut
			}
			return err
		}
	}

	s := c.creds.Current()
	if s.IsZero() {
		if c.creds.Generation() != gen {
			return ErrSignedOut
		}
		return fmt.Errorf("%w: signed out", session.ErrCredentialsExpired)
	}

	var errs []error
	for _, name := range c.order {
		if !c.isWanted(name) {
			continue
		}
		if err := c.channels[name].Connect(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	// The session was cleared while connecting; the channels belong to
	// nobody now.
	if c.creds.Generation() != gen {
		for _, name := range c.order {
			c.channels[name].Disconnect()
		}
		return ErrSignedOut
	}
	return errors.Join(errs...)
}

func (c *Controller) finish(reason Reason, err error) {
	var (
		event   bus.ConnectivityEvent
		expired bool
		delay   time.Duration
	)

	c.mu.Lock()
	c.inProgress = false
	switch {
	case err == nil:
		c.attempts = 0
		c.state = Idle
		c.backoff.Reset()
		event = bus.ConnectivityEvent{State: bus.Connected}
	case errors.Is(err, ErrSignedOut):
		c.state = Idle
		event = bus.ConnectivityEvent{State: bus.Failed, Attempts: c.attempts, Err: err.Error()}
	case errors.Is(err, session.ErrCredentialsExpired):
		c.state = Idle
		expired = true
		event = bus.ConnectivityEvent{State: bus.Failed, Attempts: c.attempts, Err: err.Error()}
	default:
		c.attempts++
		if c.attempts >= c.cfg.MaxAttempts {
			c.state = Exhausted
			event = bus.ConnectivityEvent{State: bus.Failed, Attempts: c.attempts, Err: err.Error()}
			break
		}
		next := Retry
		if errors.Is(err, session.ErrRefreshUnavailable) || errors.Is(err, websocket.ErrAuthFailure) {
			next = AuthFailed
		}
		delay = c.backoff.NextBackOff()
		if delay < c.cfg.MinInterval {
			delay = c.cfg.MinInterval
		}
		if !c.closed {
			c.armRetryLocked(delay, next)
		}
		event = bus.ConnectivityEvent{State: bus.Reconnecting, Attempts: c.attempts, Err: err.Error()}
	}
	state := c.state
	c.mu.Unlock()

	switch {
	case err == nil:
		metrics.ReconnectAttempts.WithLabelValues(string(reason), "success").Inc()
		c.logger.Info().Str("reason", string(reason)).Msg("channels reconnected")
	case errors.Is(err, ErrSignedOut):
		metrics.ReconnectAttempts.WithLabelValues(string(reason), "signed_out").Inc()
		c.logger.Info().Msg("session cleared during reconnection, channels left closed")
	case expired:
		metrics.ReconnectAttempts.WithLabelValues(string(reason), "expired").Inc()
		c.logger.Warn().Err(err).Msg("credentials expired, session must be re-established")
	case state == Exhausted:
		metrics.ReconnectAttempts.WithLabelValues(string(reason), "failure").Inc()
		metrics.ReconnectExhausted.Inc()
		c.logger.Error().Err(err).Int("attempts", event.Attempts).Msg("reconnection attempts exhausted")
	default:
		metrics.ReconnectAttempts.WithLabelValues(string(reason), "failure").Inc()
		c.logger.Warn().Err(err).Int("attempts", event.Attempts).Dur("retry_in", delay).Msg("reconnection failed")
	}

	bus.Publish(c.bus, bus.Connectivity, event)
	if expired {
		bus.Publish(c.bus, bus.SessionExpired, bus.SessionExpiredEvent{Reason: err.Error()})
	}
}

// Reset clears the attempt counter and leaves Exhausted, allowing a manual
// retry. Any pending retry is cancelled.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = 0
	if c.state == Exhausted {
		c.state = Idle
	}
	c.backoff.Reset()
	c.stopRetryLocked()
}

// CheckHealth triggers a cycle when a trip is active, the network is up and
// a channel that should be connected is not.
func (c *Controller) CheckHealth(ctx context.Context) error {
	if !c.tripActive.Load() {
		return nil
	}
	c.mu.Lock()
	online := c.online
	c.mu.Unlock()
	if !online {
		return nil
	}

	reason := Reason("")
	for _, name := range c.order {
		if !c.isWanted(name) {
			continue
		}
		switch c.channels[name].State() {
		case websocket.Connected:
		case websocket.AuthFailed:
			reason = AuthFailed
		default:
			if reason == "" {
				reason = HealthCheck
			}
		}
	}
	if reason == "" {
		return nil
	}
	return c.Trigger(ctx, reason)
}

// Run performs the periodic health check until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	c.armHealth(ctx)
	<-ctx.Done()

	c.mu.Lock()
	if c.healthTimer != nil {
		c.healthTimer.Stop()
		c.healthTimer = nil
	}
	c.mu.Unlock()
	return nil
}

func (c *Controller) armHealth(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || ctx.Err() != nil {
		return
	}
	c.healthTimer = c.clock.AfterFunc(c.cfg.HealthInterval, func() {
		if ctx.Err() != nil {
			return
		}
		err := c.CheckHealth(ctx)
		if err != nil && !errors.Is(err, ErrExhausted) && !errors.Is(err, ErrInProgress) && !errors.Is(err, ErrTooSoon) {
			c.logger.Debug().Err(err).Msg("health check reconnection failed")
		}
		c.armHealth(ctx)
	})
}

// StartRenewal schedules the preventive credential refresh every
// Config.RenewalInterval, independent of reconnection.
func (c *Controller) StartRenewal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.renewalID != 0 {
		return nil
	}
	id, err := c.cron.AddFunc(fmt.Sprintf("@every %s", c.cfg.RenewalInterval), func() {
		c.renew(c.ctx, time.Time{})
	})
	if err != nil {
		return fmt.Errorf("schedule preventive renewal: %w", err)
	}
	c.renewalID = id
	c.cron.Start()
	c.logger.Info().Dur("every", c.cfg.RenewalInterval).Msg("preventive renewal scheduled")
	return nil
}

// StopRenewal removes the preventive renewal schedule.
func (c *Controller) StopRenewal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.renewalID != 0 {
		c.cron.Remove(c.renewalID)
		c.renewalID = 0
	}
}

// renew refreshes the credentials. A non-zero expiresAt comes from a
// needs-refresh signal and is skipped when the session has already moved on.
func (c *Controller) renew(ctx context.Context, expiresAt time.Time) {
	cur := c.creds.Current()
	if cur.IsZero() {
		return
	}
	if !expiresAt.IsZero() {
		if cur.ExpiresAt.After(expiresAt) {
			return
		}
		if !c.renewLimiter.AllowN(c.clock.Now(), 1) {
			c.logger.Debug().Msg("renewal requested too soon after the previous one")
			return
		}
	}

	if _, err := c.creds.Refresh(ctx); err != nil {
		if errors.Is(err, session.ErrCredentialsExpired) {
			c.logger.Warn().Err(err).Msg("credential renewal rejected")
			bus.Publish(c.bus, bus.SessionExpired, bus.SessionExpiredEvent{Reason: err.Error()})
			return
		}
		c.logger.Warn().Err(err).Msg("credential renewal failed")
	}
}

func (c *Controller) onReachability(e bus.ReachabilityEvent) {
	c.mu.Lock()
	wasOnline := c.online
	c.online = e.Online
	c.mu.Unlock()

	c.logger.Info().Bool("online", e.Online).Str("quality", e.Quality).Msg("reachability changed")
	if e.Online && !wasOnline && c.tripActive.Load() {
		c.spawn(func(ctx context.Context) { _ = c.Trigger(ctx, NetworkOnline) })
	}
}

// Close cancels pending timers and the renewal schedule, unsubscribes from
// the bus and waits for in-flight handlers. Channels are left as they are.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopRetryLocked()
	if c.healthTimer != nil {
		c.healthTimer.Stop()
		c.healthTimer = nil
	}
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	c.cancel()
	<-c.cron.Stop().Done()
	c.wg.Wait()
}

func (c *Controller) spawn(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

func (c *Controller) armRetryLocked(delay time.Duration, reason Reason) {
	c.stopRetryLocked()
	id := c.retryID
	c.retryTimer = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := id != c.retryID
		if !stale {
			c.retryTimer = nil
		}
		c.mu.Unlock()
		if stale {
			return
		}
		_ = c.Trigger(c.ctx, reason)
	})
}

func (c *Controller) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.retryID++
}

func (c *Controller) markWanted(name websocket.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[name]; ok {
		c.wanted[name] = true
	}
}

func (c *Controller) isWanted(name websocket.Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wanted[name]
}
