package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/abdelmounim-dev/tripsync/bus"
	"github.com/abdelmounim-dev/tripsync/session"
)

const validToken = "valid-token"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeBackend accepts connections whose token query parameter matches token.
type fakeBackend struct {
	t        *testing.T
	srv      *httptest.Server
	token    string
	received chan Envelope

	mu          sync.Mutex
	attempts    int
	authHeaders []string
	conns       []*websocket.Conn
}

func newFakeBackend(t *testing.T, token string) *fakeBackend {
	t.Helper()
	f := &fakeBackend{t: t, token: token, received: make(chan Envelope, 16)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.attempts++
	f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
	f.mu.Unlock()

	if r.URL.Query().Get("token") != f.token {
		http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		f.received <- env
	}
}

func (f *fakeBackend) URL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/location"
}

func (f *fakeBackend) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeBackend) lastConn() *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.conns)
	return f.conns[len(f.conns)-1]
}

func (f *fakeBackend) push(event string, data any) {
	raw, err := json.Marshal(data)
	require.NoError(f.t, err)
	require.NoError(f.t, f.lastConn().WriteJSON(Envelope{Event: event, Data: raw}))
}

func (f *fakeBackend) Close() {
	f.mu.Lock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
	f.mu.Unlock()
	f.srv.Close()
}

func testConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: time.Second,
		PingInterval:     time.Second,
		PongTimeout:      5 * time.Second,
		WriteTimeout:     time.Second,
		DialBackoff:      10 * time.Millisecond,
	}
}

func newTestChannel(t *testing.T, url string, b *bus.Bus) *ChannelSession {
	t.Helper()
	s := NewChannelSession(Location, testConfig(url), b, WithLogger(zerolog.Nop()))
	t.Cleanup(s.Disconnect)
	return s
}

func creds(token string) session.Session {
	return session.Session{AccessToken: token, RefreshToken: "r", SessionID: "s"}
}

func TestConnectAttachesTokenTwice(t *testing.T) {
	backend := newFakeBackend(t, validToken)
	s := newTestChannel(t, backend.URL(), bus.New(bus.WithLogger(zerolog.Nop())))

	require.NoError(t, s.Connect(context.Background(), creds(validToken)))
	assert.Equal(t, Connected, s.State())
	assert.NotEmpty(t, s.ConnectionID())

	require.NoError(t, s.Connect(context.Background(), creds(validToken)), "connect while connected is a no-op")
	assert.Equal(t, 1, backend.Attempts())
	assert.Equal(t, []string{"Bearer " + validToken}, backend.authHeaders)
}

func TestConnectRejectedTokenMarksAuthFailed(t *testing.T) {
	backend := newFakeBackend(t, validToken)
	b := bus.New(bus.WithLogger(zerolog.Nop()))
	s := NewChannelSession(Payment, Config{URL: backend.URL(), DialRetries: 3, DialBackoff: 5 * time.Millisecond}, b, WithLogger(zerolog.Nop()))
	t.Cleanup(s.Disconnect)

	var failed []bus.AuthFailedEvent
	bus.Subscribe(b, bus.AuthFailed, func(e bus.AuthFailedEvent) { failed = append(failed, e) })

	err := s.Connect(context.Background(), creds("expired"))
	require.ErrorIs(t, err, ErrAuthFailure)
	assert.Equal(t, AuthFailed, s.State())
	assert.Equal(t, 1, backend.Attempts(), "auth failures are not retried by the channel")
	require.Len(t, failed, 1)
	assert.Equal(t, "payment", failed[0].Channel)
}

func TestConnectWithoutTokenMarksAuthFailed(t *testing.T) {
	s := newTestChannel(t, "ws://127.0.0.1:1/location", bus.New(bus.WithLogger(zerolog.Nop())))
	err := s.Connect(context.Background(), session.Session{})
	assert.ErrorIs(t, err, ErrAuthFailure)
	assert.Equal(t, AuthFailed, s.State())
}

func TestConnectUnreachable(t *testing.T) {
	backend := newFakeBackend(t, validToken)
	url := backend.URL()
	backend.Close()

	cfg := testConfig(url)
	cfg.DialRetries = 2
	s := NewChannelSession(Location, cfg, bus.New(bus.WithLogger(zerolog.Nop())), WithLogger(zerolog.Nop()))
	err := s.Connect(context.Background(), creds(validToken))
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.Equal(t, Disconnected, s.State())
}

func TestSendWhenDisconnectedIsDropped(t *testing.T) {
	s := newTestChannel(t, "ws://127.0.0.1:1/location", bus.New(bus.WithLogger(zerolog.Nop())))
	assert.ErrorIs(t, s.Send(EventUpdateStatusTrip, map[string]any{"id": 1}), ErrNotConnected)
}

func TestSendDeliversEnvelope(t *testing.T) {
	backend := newFakeBackend(t, validToken)
	s := newTestChannel(t, backend.URL(), bus.New(bus.WithLogger(zerolog.Nop())))
	require.NoError(t, s.Connect(context.Background(), creds(validToken)))

	require.NoError(t, s.Send(EventUpdateStatusTrip, map[string]any{"id": 42, "status": "arrived"}))

	select {
	case env := <-backend.received:
		assert.Equal(t, EventUpdateStatusTrip, env.Event)
		assert.JSONEq(t, `{"id":42,"status":"arrived"}`, string(env.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("backend did not receive event")
	}
}

func TestOnReplacesPreviousListener(t *testing.T) {
	backend := newFakeBackend(t, validToken)
	s := newTestChannel(t, backend.URL(), bus.New(bus.WithLogger(zerolog.Nop())))
	require.NoError(t, s.Connect(context.Background(), creds(validToken)))

	first := make(chan json.RawMessage, 1)
	second := make(chan json.RawMessage, 1)
	s.On(EventChatMessage, func(d json.RawMessage) { first <- d })
	s.On(EventChatMessage, func(d json.RawMessage) { second <- d })

	backend.push(EventChatMessage, map[string]any{"message": "hi"})

	select {
	case d := <-second:
		assert.JSONEq(t, `{"message":"hi"}`, string(d))
	case <-time.After(2 * time.Second):
		t.Fatal("replacement listener not called")
	}
	assert.Empty(t, first)
}

func TestListenersSeeTransportOrder(t *testing.T) {
	backend := newFakeBackend(t, validToken)
	s := newTestChannel(t, backend.URL(), bus.New(bus.WithLogger(zerolog.Nop())))
	require.NoError(t, s.Connect(context.Background(), creds(validToken)))

	got := make(chan int, 10)
	s.On(EventPositionUpdate, func(d json.RawMessage) {
		var p struct{ Seq int }
		_ = json.Unmarshal(d, &p)
		got <- p.Seq
	})
	for i := 1; i <= 5; i++ {
		backend.push(EventPositionUpdate, map[string]int{"seq": i})
	}
	for i := 1; i <= 5; i++ {
		select {
		case seq := <-got:
			assert.Equal(t, i, seq)
		case <-time.After(2 * time.Second):
			t.Fatal("missing event")
		}
	}
}

func TestInboundEventsRoutedToBus(t *testing.T) {
	backend := newFakeBackend(t, validToken)
	b := bus.New(bus.WithLogger(zerolog.Nop()))
	s := newTestChannel(t, backend.URL(), b)

	statuses := make(chan bus.TripStatusEvent, 1)
	bus.Subscribe(b, bus.TripStatus, func(e bus.TripStatusEvent) { statuses <- e })
	require.NoError(t, s.Connect(context.Background(), creds(validToken)))

	backend.push(EventUpdateStatusTrip, map[string]any{"id": 9, "status": "cancelled"})
	select {
	case e := <-statuses:
		assert.Equal(t, bus.TripStatusEvent{TripID: 9, Status: "cancelled", Remote: true}, e)
	case <-time.After(2 * time.Second):
		t.Fatal("status not routed")
	}
}

func TestServerAuthErrorEventMarksAuthFailed(t *testing.T) {
	backend := newFakeBackend(t, validToken)
	b := bus.New(bus.WithLogger(zerolog.Nop()))
	s := newTestChannel(t, backend.URL(), b)

	failed := make(chan bus.AuthFailedEvent, 1)
	bus.Subscribe(b, bus.AuthFailed, func(e bus.AuthFailedEvent) { failed <- e })
	require.NoError(t, s.Connect(context.Background(), creds(validToken)))

	backend.push(EventConnectError, map[string]string{"message": "jwt expired"})
	select {
	case e := <-failed:
		assert.Equal(t, "location", e.Channel)
		assert.Contains(t, e.Reason, "jwt expired")
	case <-time.After(2 * time.Second):
		t.Fatal("auth failure not published")
	}
	assert.Equal(t, AuthFailed, s.State())
}

func TestServerAuthCloseMarksAuthFailed(t *testing.T) {
	backend := newFakeBackend(t, validToken)
	b := bus.New(bus.WithLogger(zerolog.Nop()))
	s := newTestChannel(t, backend.URL(), b)

	failed := make(chan bus.AuthFailedEvent, 1)
	bus.Subscribe(b, bus.AuthFailed, func(e bus.AuthFailedEvent) { failed <- e })
	require.NoError(t, s.Connect(context.Background(), creds(validToken)))

	conn := backend.lastConn()
	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseAuthFailed, "session revoked"), time.Now().Add(time.Second)))

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("auth failure not published")
	}
	assert.Equal(t, AuthFailed, s.State())
}

func TestPeerCloseLeavesChannelDisconnected(t *testing.T) {
	backend := newFakeBackend(t, validToken)
	b := bus.New(bus.WithLogger(zerolog.Nop()))
	s := newTestChannel(t, backend.URL(), b)
	require.NoError(t, s.Connect(context.Background(), creds(validToken)))

	backend.Close()
	require.Eventually(t, func() bool { return s.State() == Disconnected }, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectClearsListenersWithoutLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	backend := newFakeBackend(t, validToken)
	defer backend.Close()

	s := NewChannelSession(Location, testConfig(backend.URL()), bus.New(bus.WithLogger(zerolog.Nop())), WithLogger(zerolog.Nop()))
	require.NoError(t, s.Connect(context.Background(), creds(validToken)))
	s.On(EventChatMessage, func(json.RawMessage) {})

	s.Disconnect()
	assert.Equal(t, Disconnected, s.State())
	assert.Empty(t, s.listeners)
	assert.Empty(t, s.ConnectionID())

	s.Disconnect()
}

func TestIsAuthFailure(t *testing.T) {
	testCases := []struct {
		name     string
		resp     *http.Response
		err      error
		expected bool
	}{
		{"401 handshake", &http.Response{StatusCode: http.StatusUnauthorized}, websocket.ErrBadHandshake, true},
		{"403 handshake", &http.Response{StatusCode: http.StatusForbidden}, websocket.ErrBadHandshake, true},
		{"502 handshake", &http.Response{StatusCode: http.StatusBadGateway}, websocket.ErrBadHandshake, false},
		{"jwt marker", nil, errors.New("jwt malformed"), true},
		{"token marker", nil, errors.New("Invalid Token"), true},
		{"unauthorized marker", nil, errors.New("Unauthorized"), true},
		{"auth close code", nil, &websocket.CloseError{Code: CloseAuthFailed}, true},
		{"policy close with marker", nil, &websocket.CloseError{Code: websocket.ClosePolicyViolation, Text: "token revoked"}, true},
		{"normal close", nil, &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"}, false},
		{"network", nil, errors.New("dial tcp: connection refused"), false},
		{"nil", nil, nil, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, isAuthFailure(tc.resp, tc.err))
		})
	}
}

func TestRegistry(t *testing.T) {
	b := bus.New(bus.WithLogger(zerolog.Nop()))
	loc := NewChannelSession(Location, Config{URL: "ws://x"}, b, WithLogger(zerolog.Nop()))
	pay := NewChannelSession(Payment, Config{URL: "ws://y"}, b, WithLogger(zerolog.Nop()))
	r := NewRegistry(loc, pay)

	got, ok := r.Get(Payment)
	require.True(t, ok)
	assert.Same(t, pay, got)
	assert.Equal(t, []*ChannelSession{loc, pay}, r.All())
	assert.Equal(t, map[Channel]State{Location: Disconnected, Payment: Disconnected}, r.States())
	r.DisconnectAll()
}
