// Package coordinator wires the credential manager, the realtime channels,
// the reconnection controller and the active trip into one object that is
// passed explicitly to its consumers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/tripsync/authclient"
	"github.com/abdelmounim-dev/tripsync/broker"
	"github.com/abdelmounim-dev/tripsync/bus"
	"github.com/abdelmounim-dev/tripsync/clock"
	"github.com/abdelmounim-dev/tripsync/config"
	"github.com/abdelmounim-dev/tripsync/ledgerclient"
	"github.com/abdelmounim-dev/tripsync/log"
	"github.com/abdelmounim-dev/tripsync/reconnect"
	"github.com/abdelmounim-dev/tripsync/relay"
	"github.com/abdelmounim-dev/tripsync/server"
	"github.com/abdelmounim-dev/tripsync/session"
	"github.com/abdelmounim-dev/tripsync/settlement"
	"github.com/abdelmounim-dev/tripsync/trip"
	"github.com/abdelmounim-dev/tripsync/tripclient"
	"github.com/abdelmounim-dev/tripsync/websocket"
)

var (
	ErrTripActive   = errors.New("a trip is already active")
	ErrNoActiveTrip = errors.New("no active trip")
	ErrSignedOut    = errors.New("not signed in")
)

// Runner is a background component started with the coordinator, such as
// a network.ProbeObserver.
type Runner interface {
	Run(ctx context.Context) error
}

// Deps overrides collaborators built from the config. Store is required.
type Deps struct {
	Bus          *bus.Bus
	Store        session.Store
	Auth         session.Refresher
	Ledger       settlement.Ledger
	Trips        trip.Repository
	Broker       broker.MessageBroker
	Reachability Runner
	Clock        clock.Clock
	Logger       *zerolog.Logger
}

// SessionCoordinator owns exactly one of each component for the signed-in
// user.
type SessionCoordinator struct {
	cfg    *config.AppConfig
	bus    *bus.Bus
	creds  *session.Manager
	reg    *websocket.Registry
	loc    *websocket.ChannelSession
	pay    *websocket.ChannelSession
	ctl    *reconnect.Controller
	settle *settlement.Settler
	trips  trip.Repository
	relay  *relay.Relay
	probe  Runner
	logger zerolog.Logger

	mu        sync.Mutex
	machine   *trip.Machine
	tripUnsub func()
	unsubs    []func()
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	stopped   bool
}

// New builds the coordinator from cfg. Nothing connects until Start.
func New(cfg *config.AppConfig, deps Deps) (*SessionCoordinator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("coordinator: credential store is required")
	}

	logger := log.WithComponent("coordinator")
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	b := deps.Bus
	if b == nil {
		b = bus.New(bus.WithLogger(logger))
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	authTimeout := time.Duration(cfg.Auth.Timeout) * time.Second

	auth := deps.Auth
	if auth == nil {
		auth = authclient.NewClient(cfg.Auth.BaseURL, cfg.Auth.RefreshPath, authTimeout)
	}
	creds := session.NewManager(deps.Store, auth, b,
		session.WithClock(clk),
		session.WithRenewalLead(cfg.Credentials.RenewalLeadDuration()),
		session.WithLogger(logger.With().Str("component", "credentials").Logger()),
	)

	router := websocket.BusRouter(b)
	loc := websocket.NewChannelSession(websocket.Location, websocket.ConfigFrom(cfg.Channels, cfg.Channels.LocationURL), b,
		websocket.WithRouter(router), websocket.WithLogger(logger.With().Str("channel", "location").Logger()))
	pay := websocket.NewChannelSession(websocket.Payment, websocket.ConfigFrom(cfg.Channels, cfg.Channels.PaymentURL), b,
		websocket.WithRouter(router), websocket.WithLogger(logger.With().Str("channel", "payment").Logger()))

	ctl := reconnect.New(reconnect.ConfigFrom(cfg.Reconnect), creds, map[websocket.Channel]reconnect.Channel{
		websocket.Location: loc,
		websocket.Payment:  pay,
	}, b,
		reconnect.WithClock(clk),
		reconnect.WithRequired(websocket.Location),
		reconnect.WithLogger(logger.With().Str("component", "reconnect").Logger()),
	)

	ledger := deps.Ledger
	if ledger == nil {
		ledger = ledgerclient.NewClient(cfg.Ledger.BaseURL, authTimeout, creds.BearerToken)
	}
	settleOpts := []settlement.Option{settlement.WithLogger(logger.With().Str("component", "settlement").Logger())}
	if cfg.Ledger.MaxCASRetries > 0 {
		settleOpts = append(settleOpts, settlement.WithMaxRetries(cfg.Ledger.MaxCASRetries))
	}

	trips := deps.Trips
	if trips == nil && cfg.Trip.RepositoryURL != "" {
		trips = tripclient.NewClient(cfg.Trip.RepositoryURL, authTimeout, creds.BearerToken)
	}

	c := &SessionCoordinator{
		cfg:    cfg,
		bus:    b,
		creds:  creds,
		reg:    websocket.NewRegistry(loc, pay),
		loc:    loc,
		pay:    pay,
		ctl:    ctl,
		settle: settlement.New(ledger, b, settleOpts...),
		trips:  trips,
		probe:  deps.Reachability,
		logger: logger,
	}
	if deps.Broker != nil {
		c.relay = relay.New(deps.Broker, cfg.Relay.Type, cfg.Relay.Topic, b,
			relay.WithLogger(logger.With().Str("component", "relay").Logger()))
	}
	return c, nil
}

func (c *SessionCoordinator) Bus() *bus.Bus                       { return c.bus }
func (c *SessionCoordinator) Credentials() *session.Manager       { return c.creds }
func (c *SessionCoordinator) Reconnect() *reconnect.Controller    { return c.ctl }
func (c *SessionCoordinator) Channels() *websocket.Registry       { return c.reg }
func (c *SessionCoordinator) Location() *websocket.ChannelSession { return c.loc }
func (c *SessionCoordinator) Payment() *websocket.ChannelSession  { return c.pay }

// Start restores a persisted session, starts the background loops and, when
// signed in, connects the location channel. A missing session is not an
// error; SignIn can follow.
func (c *SessionCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.unsubs = append(c.unsubs, bus.Subscribe(c.bus, bus.SessionExpired, func(e bus.SessionExpiredEvent) {
		c.goAsync(func() { c.expire(e.Reason) })
	}))
	c.mu.Unlock()

	if c.relay != nil {
		c.relay.Start(runCtx)
	}
	c.goAsync(func() { _ = c.ctl.Run(runCtx) })
	if c.probe != nil {
		c.goAsync(func() { _ = c.probe.Run(runCtx) })
	}

	if _, err := c.creds.Load(ctx); err != nil {
		if errors.Is(err, session.ErrNoSession) {
			c.logger.Info().Msg("no stored session, waiting for sign-in")
			return nil
		}
		return fmt.Errorf("restore session: %w", err)
	}
	return c.connect(ctx)
}

// SignIn installs a fresh session from the login response and connects.
func (c *SessionCoordinator) SignIn(ctx context.Context, accessToken, refreshToken, sessionID string) error {
	if _, err := c.creds.Replace(ctx, accessToken, &refreshToken, &sessionID); err != nil {
		return err
	}
	c.ctl.Reset()
	return c.connect(ctx)
}

func (c *SessionCoordinator) connect(ctx context.Context) error {
	if err := c.ctl.StartRenewal(); err != nil {
		return err
	}
	err := c.ctl.Trigger(ctx, reconnect.Manual)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, reconnect.ErrInProgress), errors.Is(err, reconnect.ErrTooSoon):
		// Another cycle owns the connection.
		return nil
	case errors.Is(err, session.ErrCredentialsExpired):
		return err
	default:
		// Retries are scheduled by the controller.
		c.logger.Warn().Err(err).Msg("initial connect failed")
		return nil
	}
}

// ConnectPayment connects the payment channel for the current trip. Once
// connected it is restored by every reconnection cycle until EndTrip.
func (c *SessionCoordinator) ConnectPayment(ctx context.Context) error {
	s := c.creds.Current()
	if s.IsZero() {
		return ErrSignedOut
	}
	return c.pay.Connect(ctx, s)
}

// BeginTrip makes t the active trip and marks the coordinator as being on a
// trip, enabling network and health-check reconnection.
func (c *SessionCoordinator) BeginTrip(ctx context.Context, t trip.Session) (*trip.Machine, error) {
	if c.creds.Current().IsZero() {
		return nil, ErrSignedOut
	}

	c.mu.Lock()
	if c.machine != nil {
		c.mu.Unlock()
		return nil, ErrTripActive
	}
	tripLogger := c.logger.With().Str("component", "trip").Logger()
	m := trip.New(t, trip.Deps{
		Channel:        c.loc,
		Settler:        c.settle,
		Repo:           c.trips,
		Bus:            c.bus,
		GeofenceMeters: c.cfg.Trip.GeofenceMeters,
		Logger:         &tripLogger,
	})
	c.machine = m
	c.tripUnsub = bus.Subscribe(c.bus, bus.TripStatus, func(e bus.TripStatusEvent) {
		if !e.Remote || e.TripID != t.ID || trip.Status(e.Status) == m.Status() {
			return
		}
		c.goAsync(func() {
			if err := m.ApplyRemote(context.Background(), trip.Status(e.Status)); err != nil {
				c.logger.Debug().Err(err).Msg("ignoring counterpart status")
			}
		})
	})
	c.mu.Unlock()

	c.ctl.SetTripActive(true)
	if !c.loc.IsConnected() {
		_ = c.connect(ctx)
	}
	c.logger.Info().Int64("trip_id", t.ID).Msg("trip started")
	return m, nil
}

// LoadTrip fetches the trip from the repository and begins it.
func (c *SessionCoordinator) LoadTrip(ctx context.Context, id int64) (*trip.Machine, error) {
	loader, ok := c.trips.(interface {
		GetByID(ctx context.Context, id int64) (trip.Session, error)
	})
	if !ok {
		return nil, fmt.Errorf("trip repository cannot load trips")
	}
	t, err := loader.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load trip %d: %w", id, err)
	}
	return c.BeginTrip(ctx, t)
}

// Trip returns the active trip machine, if any.
func (c *SessionCoordinator) Trip() (*trip.Machine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine, c.machine != nil
}

// EndTrip discards the active trip and releases the payment channel.
func (c *SessionCoordinator) EndTrip() error {
	c.mu.Lock()
	if c.machine == nil {
		c.mu.Unlock()
		return ErrNoActiveTrip
	}
	id := c.machine.Snapshot().ID
	c.machine = nil
	unsub := c.tripUnsub
	c.tripUnsub = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	c.ctl.SetTripActive(false)
	c.ctl.Forget(websocket.Payment)
	c.pay.Disconnect()
	c.logger.Info().Int64("trip_id", id).Msg("trip ended")
	return nil
}

// Logout tears down the channels and forgets the session.
func (c *SessionCoordinator) Logout(ctx context.Context) error {
	_ = c.EndTrip()
	c.ctl.StopRenewal()
	c.ctl.Reset()
	c.reg.DisconnectAll()
	if err := c.creds.Clear(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	c.logger.Info().Msg("signed out")
	return nil
}

// expire handles an unrecoverable auth failure: the session is destroyed
// and the UI, which also receives session-expired, signs the user in again.
func (c *SessionCoordinator) expire(reason string) {
	c.logger.Warn().Str("reason", reason).Msg("session expired")
	if err := c.Logout(context.Background()); err != nil {
		c.logger.Error().Err(err).Msg("failed to clear expired session")
	}
}

// Status is the snapshot served to the UI.
func (c *SessionCoordinator) Status() server.Status {
	st := server.Status{
		Reconnect: c.ctl.State().String(),
		Attempts:  c.ctl.Attempts(),
		SignedIn:  !c.creds.Current().IsZero(),
		Channels:  make(map[string]string),
	}
	for name, s := range c.reg.States() {
		st.Channels[string(name)] = s.String()
	}

	switch {
	case !st.SignedIn || c.ctl.State() == reconnect.Exhausted:
		st.Connectivity = string(bus.Failed)
	case c.loc.IsConnected():
		st.Connectivity = string(bus.Connected)
	default:
		st.Connectivity = string(bus.Reconnecting)
	}

	if m, ok := c.Trip(); ok {
		snap := m.Snapshot()
		st.Trip = &server.TripStatus{ID: snap.ID, Status: string(snap.Status)}
	}
	return st
}

// Stop halts background work and closes every channel. The stored session
// is kept for the next Start.
func (c *SessionCoordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel := c.cancel
	unsubs := c.unsubs
	c.unsubs = nil
	if c.tripUnsub != nil {
		unsubs = append(unsubs, c.tripUnsub)
		c.tripUnsub = nil
	}
	c.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	c.ctl.Close()
	c.creds.Close()
	c.reg.DisconnectAll()
	c.wg.Wait()
	if c.relay != nil {
		c.relay.Stop()
	}
	c.logger.Info().Msg("coordinator stopped")
}

func (c *SessionCoordinator) goAsync(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}
