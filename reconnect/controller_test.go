package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/abdelmounim-dev/tripsync/bus"
	"github.com/abdelmounim-dev/tripsync/clock"
	"github.com/abdelmounim-dev/tripsync/session"
	"github.com/abdelmounim-dev/tripsync/websocket"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeChannel struct {
	mu          sync.Mutex
	state       websocket.State
	connects    int
	disconnects int
	tokens      []string
	errs        []error
	defaultErr  error
	onConnect   func()
}

func (f *fakeChannel) Connect(_ context.Context, s session.Session) error {
	if f.onConnect != nil {
		f.onConnect()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.tokens = append(f.tokens, s.AccessToken)

	err := f.defaultErr
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	switch {
	case err == nil:
		f.state = websocket.Connected
	case errors.Is(err, websocket.ErrAuthFailure):
		f.state = websocket.AuthFailed
	default:
		f.state = websocket.Disconnected
	}
	return err
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.state = websocket.Disconnected
}

func (f *fakeChannel) State() websocket.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) IsConnected() bool { return f.State() == websocket.Connected }

func (f *fakeChannel) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeChannel) setDefaultErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultErr = err
}

type fakeCredentials struct {
	mu         sync.Mutex
	current    session.Session
	next       session.Session
	refreshErr error
	refreshes  int
	generation uint64
}

func (f *fakeCredentials) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

// clear mimics session.Manager.Clear.
func (f *fakeCredentials) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = session.Session{}
	f.generation++
}

func (f *fakeCredentials) Current() session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeCredentials) Refresh(context.Context) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return session.Session{}, f.refreshErr
	}
	f.current = f.next
	return f.current, nil
}

func (f *fakeCredentials) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type harness struct {
	ctl      *Controller
	clock    *clock.Fake
	bus      *bus.Bus
	location *fakeChannel
	payment  *fakeChannel
	creds    *fakeCredentials

	mu           sync.Mutex
	connectivity []bus.ConnectivityEvent
	expired      []bus.SessionExpiredEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    clock.NewFake(epoch),
		bus:      bus.New(bus.WithLogger(zerolog.Nop())),
		location: &fakeChannel{},
		payment:  &fakeChannel{},
		creds: &fakeCredentials{
			current: session.Session{AccessToken: "old", RefreshToken: "r1", SessionID: "s1", ExpiresAt: epoch.Add(time.Hour)},
			next:    session.Session{AccessToken: "new", RefreshToken: "r2", SessionID: "s1", ExpiresAt: epoch.Add(2 * time.Hour)},
		},
	}
	bus.Subscribe(h.bus, bus.Connectivity, func(e bus.ConnectivityEvent) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.connectivity = append(h.connectivity, e)
	})
	bus.Subscribe(h.bus, bus.SessionExpired, func(e bus.SessionExpiredEvent) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.expired = append(h.expired, e)
	})

	cfg := Config{
		MaxAttempts:    5,
		MinInterval:    3 * time.Second,
		HealthInterval: 30 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
	}
	h.ctl = New(cfg, h.creds, map[websocket.Channel]Channel{
		websocket.Location: h.location,
		websocket.Payment:  h.payment,
	}, h.bus, WithClock(h.clock), WithLogger(zerolog.Nop()))
	t.Cleanup(h.ctl.Close)
	return h
}

// fireNext advances the clock exactly to the earliest pending timer.
func (h *harness) fireNext(t *testing.T) {
	t.Helper()
	pending := h.clock.Pending()
	require.NotEmpty(t, pending)
	h.clock.Advance(pending[0].Sub(h.clock.Now()))
}

func (h *harness) states() []bus.ConnectivityState {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []bus.ConnectivityState
	for _, e := range h.connectivity {
		out = append(out, e.State)
	}
	return out
}

func (h *harness) expiredCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.expired)
}

func TestTriggerReconnectsLocationOnly(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctl.Trigger(context.Background(), Manual))

	assert.Equal(t, 1, h.location.Connects())
	assert.Equal(t, 0, h.payment.Connects(), "payment was never connected")
	assert.Equal(t, Idle, h.ctl.State())
	assert.Equal(t, 0, h.ctl.Attempts())
	assert.Equal(t, epoch, h.ctl.LastAttemptAt())
	assert.Equal(t, []bus.ConnectivityState{bus.Reconnecting, bus.Connected}, h.states())
}

func TestTriggerReconnectsPreviouslyConnectedPayment(t *testing.T) {
	h := newHarness(t)
	h.payment.state = websocket.Connected

	require.NoError(t, h.ctl.Trigger(context.Background(), Manual))

	assert.Equal(t, 1, h.payment.disconnects)
	assert.Equal(t, 1, h.payment.Connects())
	assert.Equal(t, []string{"old"}, h.payment.tokens)
}

func TestChannelStateMarksPaymentWanted(t *testing.T) {
	h := newHarness(t)
	bus.Publish(h.bus, bus.ChannelState, bus.ChannelStateEvent{Channel: "payment", State: "connected"})
	h.payment.Disconnect()

	require.NoError(t, h.ctl.Trigger(context.Background(), Manual))
	assert.Equal(t, 1, h.payment.Connects())

	h.ctl.Forget(websocket.Payment)
	h.ctl.Forget(websocket.Location)
	h.payment.Disconnect()
	h.clock.Advance(3 * time.Second)
	require.NoError(t, h.ctl.Trigger(context.Background(), Manual))
	assert.Equal(t, 1, h.payment.Connects())
	assert.Equal(t, 2, h.location.Connects(), "required channel cannot be forgotten")
}

func TestMinimumIntervalBetweenCycles(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctl.Trigger(context.Background(), Manual))
	assert.ErrorIs(t, h.ctl.Trigger(context.Background(), NetworkOnline), ErrTooSoon)
	assert.ErrorIs(t, h.ctl.Trigger(context.Background(), HealthCheck), ErrTooSoon)
	assert.Equal(t, 1, h.location.Connects())
	require.Len(t, h.clock.Pending(), 1, "throttled trigger is deferred once")

	h.clock.Advance(3 * time.Second)
	assert.Equal(t, 2, h.location.Connects())
	assert.Empty(t, h.clock.Pending())
}

func TestAttemptsNeverExceedMax(t *testing.T) {
	h := newHarness(t)
	h.location.setDefaultErr(websocket.ErrNetworkUnavailable)

	assert.ErrorIs(t, h.ctl.Trigger(context.Background(), NetworkOnline), websocket.ErrNetworkUnavailable)
	assert.Equal(t, 1, h.ctl.Attempts())
	assert.Equal(t, Reconnecting, h.ctl.State())

	for i := 2; i <= 5; i++ {
		require.Len(t, h.clock.Pending(), 1)
		h.fireNext(t)
		assert.Equal(t, i, h.ctl.Attempts())
	}

	assert.Equal(t, Exhausted, h.ctl.State())
	assert.Empty(t, h.clock.Pending(), "no automatic attempts once exhausted")
	assert.Equal(t, 5, h.location.Connects())
	states := h.states()
	assert.Equal(t, bus.Failed, states[len(states)-1])

	h.clock.Advance(time.Minute)
	assert.ErrorIs(t, h.ctl.Trigger(context.Background(), Manual), ErrExhausted)
	assert.Equal(t, 5, h.location.Connects())
	assert.Equal(t, 5, h.ctl.Attempts())

	h.ctl.Reset()
	h.location.setDefaultErr(nil)
	require.NoError(t, h.ctl.Trigger(context.Background(), Manual))
	assert.Equal(t, Idle, h.ctl.State())
	assert.Equal(t, 0, h.ctl.Attempts())
}

func TestSuccessResetsAttempts(t *testing.T) {
	h := newHarness(t)
	h.location.errs = []error{websocket.ErrNetworkUnavailable, websocket.ErrNetworkUnavailable}

	_ = h.ctl.Trigger(context.Background(), Manual)
	h.fireNext(t)
	assert.Equal(t, 2, h.ctl.Attempts())

	h.fireNext(t)
	assert.Equal(t, 0, h.ctl.Attempts())
	assert.Equal(t, Idle, h.ctl.State())
	assert.Empty(t, h.clock.Pending())
}

func TestAuthTriggerRefreshesBeforeConnecting(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctl.Trigger(context.Background(), AuthFailed))

	assert.Equal(t, 1, h.creds.Refreshes())
	assert.Equal(t, []string{"new"}, h.location.tokens)
}

func TestAuthTriggerWithExpiredCredentials(t *testing.T) {
	h := newHarness(t)
	h.creds.refreshErr = fmt.Errorf("%w: refresh token rejected", session.ErrCredentialsExpired)

	err := h.ctl.Trigger(context.Background(), AuthFailed)
	require.ErrorIs(t, err, session.ErrCredentialsExpired)

	assert.Equal(t, 0, h.ctl.Attempts(), "expired credentials do not count as an attempt")
	assert.Equal(t, Idle, h.ctl.State())
	assert.Equal(t, 0, h.location.Connects())
	assert.Equal(t, 1, h.expiredCount())
	assert.Empty(t, h.clock.Pending())
}

func TestTransientRefreshFailureIsRetriedWithRefresh(t *testing.T) {
	h := newHarness(t)
	h.creds.refreshErr = fmt.Errorf("%w: connection refused", session.ErrRefreshUnavailable)

	require.Error(t, h.ctl.Trigger(context.Background(), AuthFailed))
	assert.Equal(t, 1, h.ctl.Attempts())
	assert.Equal(t, 0, h.expiredCount())
	require.Len(t, h.clock.Pending(), 1)

	h.creds.mu.Lock()
	h.creds.refreshErr = nil
	h.creds.mu.Unlock()
	h.fireNext(t)

	assert.Equal(t, 2, h.creds.Refreshes())
	assert.Equal(t, []string{"new"}, h.location.tokens)
	assert.Equal(t, 0, h.ctl.Attempts())
}

func TestChannelAuthFailureRetriesWithRefresh(t *testing.T) {
	h := newHarness(t)
	h.location.errs = []error{websocket.ErrAuthFailure}

	require.Error(t, h.ctl.Trigger(context.Background(), Manual))
	assert.Equal(t, 0, h.creds.Refreshes())

	h.fireNext(t)
	assert.Equal(t, 1, h.creds.Refreshes())
	assert.Equal(t, []string{"old", "new"}, h.location.tokens)
}

func TestSignedOutCycleExpiresSession(t *testing.T) {
	h := newHarness(t)
	h.creds.current = session.Session{}

	require.ErrorIs(t, h.ctl.Trigger(context.Background(), Manual), session.ErrCredentialsExpired)
	assert.Equal(t, 1, h.expiredCount())
	assert.Equal(t, 0, h.location.Connects())
}

func TestSessionClearedDuringCycleLeavesChannelsClosed(t *testing.T) {
	h := newHarness(t)
	h.location.onConnect = h.creds.clear

	err := h.ctl.Trigger(context.Background(), Manual)
	require.ErrorIs(t, err, ErrSignedOut)

	assert.False(t, h.location.IsConnected())
	assert.Equal(t, Idle, h.ctl.State())
	assert.Equal(t, 0, h.ctl.Attempts())
	assert.Equal(t, 0, h.expiredCount(), "a deliberate sign-out is not an expiry")
	assert.Empty(t, h.clock.Pending(), "no retry is scheduled for a cleared session")
	assert.Equal(t, []bus.ConnectivityState{bus.Reconnecting, bus.Failed}, h.states())
}

func TestAuthFailedEventStartsCycle(t *testing.T) {
	h := newHarness(t)

	bus.Publish(h.bus, bus.AuthFailed, bus.AuthFailedEvent{Channel: "location", Reason: "jwt expired"})

	require.Eventually(t, func() bool { return h.location.Connects() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.creds.Refreshes())
}

func TestNetworkOnlineTriggersOnlyDuringTrip(t *testing.T) {
	h := newHarness(t)

	bus.Publish(h.bus, bus.Reachability, bus.ReachabilityEvent{Online: false})
	bus.Publish(h.bus, bus.Reachability, bus.ReachabilityEvent{Online: true, Quality: "wifi"})
	assert.Never(t, func() bool { return h.location.Connects() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	h.ctl.SetTripActive(true)
	bus.Publish(h.bus, bus.Reachability, bus.ReachabilityEvent{Online: true, Quality: "wifi"})
	assert.Never(t, func() bool { return h.location.Connects() > 0 }, 50*time.Millisecond, 5*time.Millisecond, "online to online is not a transition")

	bus.Publish(h.bus, bus.Reachability, bus.ReachabilityEvent{Online: false})
	bus.Publish(h.bus, bus.Reachability, bus.ReachabilityEvent{Online: true, Quality: "cellular"})
	require.Eventually(t, func() bool { return h.location.Connects() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCheckHealth(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctl.CheckHealth(context.Background()))
	assert.Equal(t, 0, h.location.Connects(), "no trip active")

	h.ctl.SetTripActive(true)
	bus.Publish(h.bus, bus.Reachability, bus.ReachabilityEvent{Online: false})
	require.NoError(t, h.ctl.CheckHealth(context.Background()))
	assert.Equal(t, 0, h.location.Connects(), "offline")

	h.ctl.mu.Lock()
	h.ctl.online = true
	h.ctl.mu.Unlock()
	h.location.state = websocket.AuthFailed
	require.NoError(t, h.ctl.CheckHealth(context.Background()))
	assert.Equal(t, 1, h.creds.Refreshes(), "auth-failed channel is retried with a refresh")
	assert.Equal(t, 1, h.location.Connects())

	h.clock.Advance(3 * time.Second)
	require.NoError(t, h.ctl.CheckHealth(context.Background()))
	assert.Equal(t, 1, h.location.Connects(), "healthy channels are left alone")
}

func TestRunChecksHealthPeriodically(t *testing.T) {
	h := newHarness(t)
	h.ctl.SetTripActive(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.ctl.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(h.clock.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	h.clock.Advance(30 * time.Second)
	assert.Equal(t, 1, h.location.Connects())

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, 1, h.location.Connects())

	cancel()
	<-done
	assert.Empty(t, h.clock.Pending())
}

func TestNeedsRefreshRenewsCredentials(t *testing.T) {
	h := newHarness(t)

	bus.Publish(h.bus, bus.NeedsRefresh, bus.NeedsRefreshEvent{ExpiresAt: epoch.Add(time.Hour)})
	require.Eventually(t, func() bool { return h.creds.Refreshes() == 1 }, time.Second, 5*time.Millisecond)

	// The session already moved past this expiry.
	bus.Publish(h.bus, bus.NeedsRefresh, bus.NeedsRefreshEvent{ExpiresAt: epoch.Add(time.Hour)})
	assert.Never(t, func() bool { return h.creds.Refreshes() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRenewalRejectedExpiresSession(t *testing.T) {
	h := newHarness(t)
	h.creds.refreshErr = session.ErrCredentialsExpired

	h.ctl.renew(context.Background(), time.Time{})
	assert.Equal(t, 1, h.expiredCount())

	h.creds.refreshErr = session.ErrRefreshUnavailable
	h.ctl.renew(context.Background(), time.Time{})
	assert.Equal(t, 1, h.expiredCount(), "transient failures are only logged")
}

func TestStartRenewalSchedulesPreventiveRefresh(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctl.StartRenewal())
	require.NoError(t, h.ctl.StartRenewal())

	entries := h.ctl.cron.Entries()
	require.Len(t, entries, 1)
	schedule, ok := entries[0].Schedule.(cron.ConstantDelaySchedule)
	require.True(t, ok)
	assert.Equal(t, 45*time.Minute, schedule.Delay)

	h.ctl.StopRenewal()
	assert.Empty(t, h.ctl.cron.Entries())
}

func TestCloseCancelsPendingRetry(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t)
	h.location.setDefaultErr(websocket.ErrNetworkUnavailable)
	require.NoError(t, h.ctl.StartRenewal())

	_ = h.ctl.Trigger(context.Background(), Manual)
	require.Len(t, h.clock.Pending(), 1)

	h.ctl.Close()
	assert.Empty(t, h.clock.Pending())
	assert.ErrorIs(t, h.ctl.Trigger(context.Background(), Manual), ErrClosed)

	bus.Publish(h.bus, bus.AuthFailed, bus.AuthFailedEvent{Channel: "location"})
	assert.Equal(t, 1, h.location.Connects())
}
