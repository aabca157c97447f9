// Package trip holds the status state machine of the active trip.
package trip

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/abdelmounim-dev/tripsync/bus"
	"github.com/abdelmounim-dev/tripsync/log"
	"github.com/abdelmounim-dev/tripsync/metrics"
	"github.com/abdelmounim-dev/tripsync/settlement"
	"github.com/abdelmounim-dev/tripsync/websocket"
)

// DefaultGeofenceMeters is the pickup arrival radius.
const DefaultGeofenceMeters = 50.0

type Status string

const (
	Accepted  Status = "accepted"
	Arrived   Status = "arrived"
	Started   Status = "started"
	Finished  Status = "finished"
	Cancelled Status = "cancelled"
)

func (s Status) Terminal() bool { return s == Finished || s == Cancelled }

// next is the only forward edge out of each non-terminal status.
var next = map[Status]Status{
	Accepted: Arrived,
	Arrived:  Started,
	Started:  Finished,
}

type EvidenceStage string

const (
	PickupEvidence  EvidenceStage = "pickup"
	DropoffEvidence EvidenceStage = "dropoff"
)

// Session is the in-memory view of the active trip.
type Session struct {
	ID                      int64           `json:"id"`
	DriverID                int64           `json:"id_driver"`
	Status                  Status          `json:"status"`
	Pickup                  Position        `json:"pickup"`
	Destination             Position        `json:"destination"`
	Fare                    decimal.Decimal `json:"fare_assigned"`
	RequiresEvidence        bool            `json:"requires_evidence"`
	PickupEvidenceUploaded  bool            `json:"pickup_evidence_uploaded"`
	DropoffEvidenceUploaded bool            `json:"dropoff_evidence_uploaded"`
	DeliveryCode            string          `json:"delivery_code,omitempty"`
	DeliveryCodeVerified    bool            `json:"delivery_code_verified"`
	CodeAttempts            int             `json:"-"`
}

// TransitionContext carries what the guards need from the device.
type TransitionContext struct {
	Position *Position
}

// Sender emits events to the counterpart, normally the location channel.
type Sender interface {
	Send(event string, payload any) error
}

type Settler interface {
	Settle(ctx context.Context, tripID int64, gross decimal.Decimal, driverID int64) (settlement.LedgerUpdate, error)
}

// Repository is the durable trip record.
type Repository interface {
	UpdateStatus(ctx context.Context, id int64, status Status) error
	UploadEvidence(ctx context.Context, id int64, stage EvidenceStage, photo []byte) error
	VerifyDeliveryCode(ctx context.Context, id int64, code string) (bool, error)
}

// Deps are the collaborators of a Machine. Only Channel is required.
type Deps struct {
	Channel        Sender
	Settler        Settler
	Repo           Repository
	Bus            *bus.Bus
	GeofenceMeters float64
	Logger         *zerolog.Logger
}

// Machine validates and applies status transitions of one trip. Local state
// is the source of truth; notifying the counterpart is best-effort.
type Machine struct {
	// opMu serializes operations including their side effects.
	opMu sync.Mutex
	mu   sync.RWMutex
	trip Session

	lastSettlement *settlement.LedgerUpdate

	deps     Deps
	geofence float64
	logger   zerolog.Logger
}

type statusPayload struct {
	ID     int64  `json:"id"`
	Status Status `json:"status"`
}

func New(s Session, deps Deps) *Machine {
	if s.Status == "" {
		s.Status = Accepted
	}
	m := &Machine{
		trip:     s,
		deps:     deps,
		geofence: deps.GeofenceMeters,
	}
	if m.geofence <= 0 {
		m.geofence = DefaultGeofenceMeters
	}
	if deps.Logger != nil {
		m.logger = *deps.Logger
	} else {
		m.logger = log.WithComponent("trip")
	}
	m.logger = m.logger.With().Int64("trip_id", s.ID).Logger()
	return m
}

func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trip.Status
}

// Snapshot returns a copy of the trip.
func (m *Machine) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trip
}

// LastSettlement returns the ledger update computed when the trip finished.
func (m *Machine) LastSettlement() (settlement.LedgerUpdate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastSettlement == nil {
		return settlement.LedgerUpdate{}, false
	}
	return *m.lastSettlement, true
}

// RequestTransition applies target if its guard passes. Cancelled is
// allowed from any non-terminal status. Reaching Finished settles the fare
// before returning; a settlement failure is logged and does not fail the
// transition.
func (m *Machine) RequestTransition(ctx context.Context, target Status, tc TransitionContext) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	cur := m.trip
	m.mu.RUnlock()

	if err := m.guard(cur, target, tc); err != nil {
		metrics.TripRejections.WithLabelValues(rejectionReason(err)).Inc()
		m.logger.Info().Err(err).Str("from", string(cur.Status)).Str("to", string(target)).Msg("transition rejected")
		return err
	}

	m.apply(ctx, target, true)
	return nil
}

func (m *Machine) guard(cur Session, target Status, tc TransitionContext) error {
	if cur.Status.Terminal() {
		return &TransitionError{From: cur.Status, To: target}
	}
	if target == Cancelled {
		return nil
	}
	if next[cur.Status] != target {
		return &TransitionError{From: cur.Status, To: target}
	}

	switch target {
	case Arrived:
		if tc.Position == nil {
			return fmt.Errorf("%w: current position unknown", ErrGeofenceViolation)
		}
		if d := Distance(*tc.Position, cur.Pickup); d > m.geofence {
			return &GeofenceError{Distance: d, Limit: m.geofence}
		}
	case Started:
		if cur.RequiresEvidence && !cur.PickupEvidenceUploaded {
			return fmt.Errorf("%w: pickup photo not uploaded", ErrEvidenceMissing)
		}
	case Finished:
		if cur.RequiresEvidence && !cur.DropoffEvidenceUploaded {
			return fmt.Errorf("%w: dropoff photo not uploaded", ErrEvidenceMissing)
		}
		if cur.DeliveryCode != "" && !cur.DeliveryCodeVerified {
			return ErrDeliveryCodeUnverified
		}
	}
	return nil
}

// apply commits target and runs the side effects. notify is false for
// changes that came from the counterpart.
func (m *Machine) apply(ctx context.Context, target Status, notify bool) {
	m.mu.Lock()
	from := m.trip.Status
	m.trip.Status = target
	t := m.trip
	m.mu.Unlock()

	metrics.TripTransitions.WithLabelValues(string(target)).Inc()
	m.logger.Info().Str("from", string(from)).Str("to", string(target)).Bool("local", notify).Msg("trip status changed")

	if notify && m.deps.Channel != nil {
		if err := m.deps.Channel.Send(websocket.EventUpdateStatusTrip, statusPayload{ID: t.ID, Status: target}); err != nil {
			m.logger.Warn().Err(err).Msg("status change not delivered to counterpart")
		}
	}
	if m.deps.Bus != nil {
		bus.Publish(m.deps.Bus, bus.TripStatus, bus.TripStatusEvent{TripID: t.ID, Status: string(target), Remote: !notify})
	}
	if notify && m.deps.Repo != nil {
		if err := m.deps.Repo.UpdateStatus(ctx, t.ID, target); err != nil {
			m.logger.Warn().Err(err).Msg("trip repository status update failed")
		}
	}

	if target == Finished && m.deps.Settler != nil {
		upd, err := m.deps.Settler.Settle(ctx, t.ID, t.Fare, t.DriverID)
		if err != nil {
			m.logger.Warn().Err(err).Msg("trip finished without ledger settlement")
			return
		}
		m.mu.Lock()
		m.lastSettlement = &upd
		m.mu.Unlock()
	}
}

// ApplyRemote applies a status announced by the counterpart. Only a
// cancellation is accepted; other statuses are driven locally.
func (m *Machine) ApplyRemote(ctx context.Context, status Status) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	cur := m.Status()
	if status == cur {
		return nil
	}
	if status != Cancelled || cur.Terminal() {
		return &TransitionError{From: cur, To: status}
	}
	m.apply(ctx, Cancelled, false)
	return nil
}

// MarkEvidenceUploaded uploads a photo for stage through the repository and
// records it. Pickup evidence belongs to Arrived, dropoff evidence to Started.
func (m *Machine) MarkEvidenceUploaded(ctx context.Context, stage EvidenceStage, photo []byte) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	cur := m.Snapshot()
	var want Status
	switch stage {
	case PickupEvidence:
		want = Arrived
	case DropoffEvidence:
		want = Started
	default:
		return fmt.Errorf("unknown evidence stage %q", stage)
	}
	if cur.Status != want {
		return fmt.Errorf("%w: %s evidence while %s", ErrInvalidTransition, stage, cur.Status)
	}

	if m.deps.Repo != nil {
		if err := m.deps.Repo.UploadEvidence(ctx, cur.ID, stage, photo); err != nil {
			return fmt.Errorf("upload %s evidence: %w", stage, err)
		}
	}

	m.mu.Lock()
	if stage == PickupEvidence {
		m.trip.PickupEvidenceUploaded = true
	} else {
		m.trip.DropoffEvidenceUploaded = true
	}
	m.mu.Unlock()
	m.logger.Info().Str("stage", string(stage)).Msg("evidence uploaded")
	return nil
}

// VerifyDeliveryCode checks code and unlocks finishing on a match. A wrong
// code is counted and returns false with a nil error.
func (m *Machine) VerifyDeliveryCode(ctx context.Context, code string) (bool, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	cur := m.Snapshot()
	if cur.DeliveryCode == "" {
		return false, ErrNoDeliveryCode
	}
	if cur.Status.Terminal() {
		return false, &TransitionError{From: cur.Status, To: cur.Status}
	}

	var ok bool
	if m.deps.Repo != nil {
		var err error
		if ok, err = m.deps.Repo.VerifyDeliveryCode(ctx, cur.ID, code); err != nil {
			return false, fmt.Errorf("verify delivery code: %w", err)
		}
	} else {
		ok = subtle.ConstantTimeCompare([]byte(code), []byte(cur.DeliveryCode)) == 1
	}

	m.mu.Lock()
	if ok {
		m.trip.DeliveryCodeVerified = true
	} else {
		m.trip.CodeAttempts++
	}
	attempts := m.trip.CodeAttempts
	m.mu.Unlock()

	if !ok {
		m.logger.Info().Int("attempts", attempts).Msg("incorrect delivery code")
	}
	return ok, nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrGeofenceViolation):
		return "geofence"
	case errors.Is(err, ErrDeliveryCodeUnverified):
		return "delivery_code"
	case errors.Is(err, ErrEvidenceMissing):
		return "evidence"
	default:
		return "invalid_transition"
	}
}
