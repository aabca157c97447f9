package trip

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid trip transition")
	ErrGeofenceViolation = errors.New("outside pickup geofence")
	ErrEvidenceMissing   = errors.New("trip evidence missing")
	// ErrDeliveryCodeUnverified blocks finishing a delivery whose code has
	// not been confirmed.
	ErrDeliveryCodeUnverified = fmt.Errorf("%w: delivery code not verified", ErrEvidenceMissing)
	ErrNoDeliveryCode         = errors.New("trip has no delivery code")
)

// GeofenceError reports how far the device was from the pickup point.
type GeofenceError struct {
	Distance float64
	Limit    float64
}

func (e *GeofenceError) Error() string {
	return fmt.Sprintf("outside pickup geofence: %.1fm away, limit %.0fm", e.Distance, e.Limit)
}

func (e *GeofenceError) Unwrap() error { return ErrGeofenceViolation }

// TransitionError names the refused edge.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid trip transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
