package websocket

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/abdelmounim-dev/tripsync/bus"
	"github.com/abdelmounim-dev/tripsync/metrics"
)

// CloseAuthFailed is the application close code the backend uses when it
// drops a connection because the token stopped being acceptable.
const CloseAuthFailed = 4401

// authMarkers are matched case-insensitively against transport errors.
var authMarkers = []string{"token", "jwt", "unauthorized", "unauthorised"}

func containsAuthMarker(s string) bool {
	s = strings.ToLower(s)
	for _, m := range authMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// isAuthFailure classifies a dial or read error. A rejected handshake with
// 401/403, a close frame with CloseAuthFailed, or an error text carrying an
// auth marker all count as authentication failures.
func isAuthFailure(resp *http.Response, err error) bool {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return true
	}
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == CloseAuthFailed {
			return true
		}
		return containsAuthMarker(closeErr.Text)
	}
	return containsAuthMarker(err.Error())
}

// markAuthFailed tears down the connection of generation gen, parks the
// channel in AuthFailed and announces it. Retrying is not this channel's job.
func (s *ChannelSession) markAuthFailed(gen uint64, reason string) {
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
	s.setStateLocked(AuthFailed)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		s.closeConn(conn, websocket.ClosePolicyViolation, "auth failed")
	}

	metrics.ChannelConnects.WithLabelValues(string(s.name), "auth_rejected").Inc()
	s.logger.Warn().Str("reason", reason).Msg("channel authentication failed")
	s.publishState(AuthFailed)
	bus.Publish(s.bus, bus.AuthFailed, bus.AuthFailedEvent{Channel: string(s.name), Reason: reason})
}
