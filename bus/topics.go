package bus

import "time"

// ConnectivityState is the coarse connection status shown to the user.
type ConnectivityState string

const (
	Connected    ConnectivityState = "connected"
	Reconnecting ConnectivityState = "reconnecting"
	Failed       ConnectivityState = "failed"
)

// ReachabilityEvent is a network reachability transition. Quality is a coarse
// link class such as "wifi", "cellular" or "unknown".
type ReachabilityEvent struct {
	Online  bool
	Quality string
}

// NeedsRefreshEvent asks for the access token to be renewed before it expires.
type NeedsRefreshEvent struct {
	ExpiresAt time.Time
}

// AuthFailedEvent is raised by a channel whose handshake or transport was
// rejected for credential reasons.
type AuthFailedEvent struct {
	Channel string
	Reason  string
}

// SessionExpiredEvent tells the UI to force re-authentication.
type SessionExpiredEvent struct {
	Reason string
}

// ConnectivityEvent reports the coordinator-level connectivity state.
type ConnectivityEvent struct {
	State    ConnectivityState
	Attempts int
	Err      string
}

// ChannelStateEvent reports a single channel state change.
type ChannelStateEvent struct {
	Channel string
	State   string
}

// TripStatusEvent is published for local transitions and for status updates
// received from the counterpart.
type TripStatusEvent struct {
	TripID int64  `json:"id"`
	Status string `json:"status"`
	Remote bool   `json:"remote"`
}

// PositionEvent is a counterpart position sample.
type PositionEvent struct {
	TripID    int64     `json:"id_trip"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Heading   float64   `json:"heading,omitempty"`
	At        time.Time `json:"at,omitempty"`
}

// ChatEvent is an inbound chat message.
type ChatEvent struct {
	TripID   int64     `json:"id_trip"`
	SenderID int64     `json:"id_sender"`
	Message  string    `json:"message"`
	SentAt   time.Time `json:"sent_at,omitempty"`
}

// PaymentEvent is an inbound payment channel notification.
type PaymentEvent struct {
	TripID int64  `json:"id_trip"`
	Status string `json:"status"`
	Amount string `json:"amount,omitempty"`
}

// SettlementEvent reports the outcome of a ledger update.
type SettlementEvent struct {
	TripID        int64  `json:"id_trip"`
	DriverID      int64  `json:"id_driver"`
	GrossFare     string `json:"gross_fare"`
	NetEarned     string `json:"net_earned"`
	NewBalanceIn  string `json:"balance_in"`
	NewBalanceOut string `json:"balance_out"`
	Err           string `json:"error,omitempty"`
}

var (
	Reachability   = NewTopic[ReachabilityEvent]("network.reachability")
	NeedsRefresh   = NewTopic[NeedsRefreshEvent]("needs-refresh")
	AuthFailed     = NewTopic[AuthFailedEvent]("auth-failed")
	SessionExpired = NewTopic[SessionExpiredEvent]("session-expired")
	Connectivity   = NewTopic[ConnectivityEvent]("connectivity")
	ChannelState   = NewTopic[ChannelStateEvent]("channel-state")
	TripStatus     = NewTopic[TripStatusEvent]("trip.status")
	Position       = NewTopic[PositionEvent]("trip.position")
	Chat           = NewTopic[ChatEvent]("trip.chat")
	Payment        = NewTopic[PaymentEvent]("payment.update")
	Settlement     = NewTopic[SettlementEvent]("settlement.result")
)
