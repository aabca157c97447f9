package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abdelmounim-dev/tripsync/bus"
	"github.com/abdelmounim-dev/tripsync/metrics"
)

// Event names exchanged with the backend.
const (
	EventUpdateStatusTrip = "update_status_trip"
	EventPositionUpdate   = "position_update"
	EventChatMessage      = "chat_message"
	EventPaymentUpdate    = "payment_update"
	EventError            = "error"
	EventConnectError     = "connect_error"
)

// Envelope is the frame shape on both channels.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Router forwards inbound events to in-process consumers. It runs after the
// channel's own listener for the same event, if any.
type Router func(channel Channel, event string, data json.RawMessage)

// BusRouter decodes the known inbound events and republishes them on b.
func BusRouter(b *bus.Bus) Router {
	return func(channel Channel, event string, data json.RawMessage) {
		switch event {
		case EventUpdateStatusTrip:
			var e bus.TripStatusEvent
			if json.Unmarshal(data, &e) == nil {
				e.Remote = true
				bus.Publish(b, bus.TripStatus, e)
			}
		case EventPositionUpdate:
			var e bus.PositionEvent
			if json.Unmarshal(data, &e) == nil {
				bus.Publish(b, bus.Position, e)
			}
		case EventChatMessage:
			var e bus.ChatEvent
			if json.Unmarshal(data, &e) == nil {
				bus.Publish(b, bus.Chat, e)
			}
		case EventPaymentUpdate:
			var e bus.PaymentEvent
			if json.Unmarshal(data, &e) == nil {
				bus.Publish(b, bus.Payment, e)
			}
		}
	}
}

type errorPayload struct {
	Message string `json:"message"`
}

// readLoop is the only reader of conn; it exits when the connection fails or
// ctx is cancelled by Disconnect.
func (s *ChannelSession) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				s.logger.Warn().Err(err).Msg("discarding malformed frame")
				continue
			}
			s.connectionLost(gen, err)
			return
		}
		metrics.MessagesReceived.WithLabelValues(string(s.name)).Inc()
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if env.Event == EventError || env.Event == EventConnectError {
			var p errorPayload
			_ = json.Unmarshal(env.Data, &p)
			if containsAuthMarker(p.Message) {
				s.markAuthFailed(gen, p.Message)
				return
			}
			s.logger.Warn().Str("message", p.Message).Msg("backend reported channel error")
		}

		s.dispatch(gen, env)
	}
}

func (s *ChannelSession) dispatch(gen uint64, env Envelope) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	fn := s.listeners[env.Event]
	s.mu.Unlock()

	if fn != nil {
		fn(env.Data)
	}
	if s.router != nil {
		s.router(s.name, env.Event, env.Data)
	}
}

// connectionLost handles a broken transport of generation gen.
func (s *ChannelSession) connectionLost(gen uint64, err error) {
	if isAuthFailure(nil, err) {
		s.markAuthFailed(gen, err.Error())
		return
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.generation++
	conn := s.conn
	cancel := s.cancel
	s.conn = nil
	s.cancel = nil
	s.connectionID = ""
	s.setStateLocked(Disconnected)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
		s.logger.Info().Err(err).Msg("channel closed by peer")
	} else {
		s.logger.Warn().Err(err).Msg("channel connection lost")
	}
	s.publishState(Disconnected)
}
