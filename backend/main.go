// Command backend is a development stand-in for the remote services: it
// issues tokens, serves both realtime channels, and keeps an in-memory
// ledger and trip table. When TRIPSYNC_RELAY_TYPE names a broker it also
// tails the event relay topic on it.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/abdelmounim-dev/tripsync/broker"
	"github.com/abdelmounim-dev/tripsync/config"
	"github.com/abdelmounim-dev/tripsync/log"
	"github.com/abdelmounim-dev/tripsync/services"
	"github.com/abdelmounim-dev/tripsync/session"
	"github.com/abdelmounim-dev/tripsync/settlement"
	"github.com/abdelmounim-dev/tripsync/trip"
	ws "github.com/abdelmounim-dev/tripsync/websocket"
)

const accessTTL = 15 * time.Minute

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

type backend struct {
	secret []byte
	logger zerolog.Logger

	mu       sync.Mutex
	refresh  map[string]string // refresh token -> subject
	conns    map[*websocket.Conn]string
	balances map[int64]settlement.Balance
	trips    map[int64]trip.Status
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (b *backend) issue(subject string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(accessTTL)),
	}).SignedString(b.secret)
}

func (b *backend) validate(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return b.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return claims, err
}

func (b *backend) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/auth/login", b.handleLogin)
	r.Post("/auth/refresh", b.handleRefresh)
	r.Get("/location", b.handleChannel("location"))
	r.Get("/payment", b.handleChannel("payment"))

	r.Get("/balance/user/{id}", b.handleGetBalance)
	r.Put("/balance", b.handlePutBalance)
	r.Patch("/trips/{id}/status", b.handleTripStatus)
	return r
}

func (b *backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64 `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	subject := strconv.FormatInt(req.UserID, 10)
	refresh, sid := uuid.NewString(), uuid.NewString()
	b.mu.Lock()
	b.refresh[refresh] = subject
	b.mu.Unlock()

	access, err := b.issue(subject)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, session.Tokens{AccessToken: access, RefreshToken: refresh, SessionID: sid})
}

// handleRefresh rotates the refresh token on every exchange.
func (b *backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	subject, ok := b.refresh[req.RefreshToken]
	delete(b.refresh, req.RefreshToken)
	next := uuid.NewString()
	if ok {
		b.refresh[next] = subject
	}
	b.mu.Unlock()
	if !ok {
		http.Error(w, "invalid refresh token", http.StatusUnauthorized)
		return
	}

	access, err := b.issue(subject)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, session.Tokens{AccessToken: access, RefreshToken: next})
}

// handleChannel upgrades authenticated clients and forwards every
// update_status_trip to the other connections of the same channel.
func (b *backend) handleChannel(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := b.validate(r.URL.Query().Get("token"))
		if err != nil {
			b.logger.Warn().Err(err).Str("channel", name).Msg("rejected handshake")
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns[conn] = name
		b.mu.Unlock()
		b.logger.Info().Str("channel", name).Str("subject", claims.Subject).Msg("client connected")

		defer func() {
			b.mu.Lock()
			delete(b.conns, conn)
			b.mu.Unlock()
			conn.Close()
		}()

		expiry := time.Until(claims.ExpiresAt.Time)
		timer := time.AfterFunc(expiry, func() {
			msg := websocket.FormatCloseMessage(ws.CloseAuthFailed, "jwt expired")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		})
		defer timer.Stop()

		for {
			var env ws.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Event == ws.EventUpdateStatusTrip {
				b.forward(conn, name, env)
			}
		}
	}
}

func (b *backend) forward(from *websocket.Conn, channel string, env ws.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn, name := range b.conns {
		if conn == from || name != channel {
			continue
		}
		if err := conn.WriteJSON(env); err != nil {
			b.logger.Warn().Err(err).Msg("forward failed")
		}
	}
}

func (b *backend) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	bal, ok := b.balances[id]
	if !ok {
		bal = settlement.Balance{ID: int64(len(b.balances) + 1), UserID: id}
		b.balances[id] = bal
	}
	b.mu.Unlock()
	writeJSON(w, bal)
}

// handlePutBalance applies the update only if the expected balances still
// match, answering 409 otherwise.
func (b *backend) handlePutBalance(w http.ResponseWriter, r *http.Request) {
	var u settlement.BalanceUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bal, ok := b.balances[u.UserID]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if (u.ExpectedBalanceIn != nil && !u.ExpectedBalanceIn.Equal(bal.BalanceIn)) ||
		(u.ExpectedBalanceOut != nil && !u.ExpectedBalanceOut.Equal(bal.BalanceOut)) {
		http.Error(w, "stale balance", http.StatusConflict)
		return
	}
	bal.BalanceIn, bal.BalanceOut = u.BalanceIn, u.BalanceOut
	b.balances[u.UserID] = bal
	b.logger.Info().Int64("user_id", u.UserID).Str("in", bal.BalanceIn.StringFixed(2)).Str("out", bal.BalanceOut.StringFixed(2)).Msg("balance updated")
	writeJSON(w, bal)
}

func (b *backend) handleTripStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid trip id", http.StatusBadRequest)
		return
	}
	var body struct {
		Status trip.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.trips[id] = body.Status
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// relayBroker opens the broker the coordinator relays to, or nil when the
// relay is disabled.
func relayBroker(ctx context.Context, cfg *config.AppConfig) (broker.MessageBroker, error) {
	switch strings.ToLower(cfg.Relay.Type) {
	case broker.TypeRedis:
		rdb, err := services.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return broker.NewRedisBroker(rdb), nil
	case broker.TypeKafka:
		return broker.NewKafkaBroker(cfg.Relay.Kafka.Brokers)
	}
	return nil, nil
}

// tailRelay logs the events the client relays to the broker.
func tailRelay(ctx context.Context, logger zerolog.Logger, mb broker.MessageBroker, channel string) {
	defer mb.Close()

	messages, err := mb.Subscribe(ctx, channel)
	if err != nil {
		logger.Error().Err(err).Msg("relay subscribe failed")
		return
	}
	for msg := range messages {
		logger.Info().Str("type", msg.Type).Str("key", msg.Key).RawJSON("payload", msg.Payload).Msg("relayed event")
	}
}

func main() {
	logger := log.WithComponent("backend")
	b := &backend{
		secret:   []byte(getEnv("BACKEND_JWT_SECRET", "dev-secret")),
		logger:   logger,
		refresh:  make(map[string]string),
		conns:    make(map[*websocket.Conn]string),
		balances: map[int64]settlement.Balance{},
		trips:    make(map[int64]trip.Status),
	}
	if seed := os.Getenv("BACKEND_SEED_BALANCE"); seed != "" {
		if amount, err := decimal.NewFromString(seed); err == nil {
			b.balances[1] = settlement.Balance{ID: 1, UserID: 1, BalanceIn: amount, BalanceOut: amount}
		}
	}

	if cfg, err := config.Load(viper.New()); err != nil {
		logger.Warn().Err(err).Msg("relay tail disabled")
	} else if mb, err := relayBroker(context.Background(), cfg); err != nil {
		logger.Error().Err(err).Str("type", cfg.Relay.Type).Msg("failed to open relay broker")
	} else if mb != nil {
		logger.Info().Str("type", cfg.Relay.Type).Str("topic", cfg.Relay.Topic).Msg("tailing event relay")
		go tailRelay(context.Background(), logger, mb, cfg.Relay.Topic)
	}

	addr := getEnv("BACKEND_ADDR", ":8081")
	logger.Info().Str("addr", addr).Msg("test backend started")
	srv := &http.Server{Addr: addr, Handler: b.routes(), ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal().Err(err).Msg("backend stopped")
	}
}
