// Package settlement credits a driver's ledger balance when a trip finishes.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/abdelmounim-dev/tripsync/bus"
	"github.com/abdelmounim-dev/tripsync/log"
	"github.com/abdelmounim-dev/tripsync/metrics"
)

// PlatformFeeRate is the share of the gross fare kept by the platform.
var PlatformFeeRate = decimal.RequireFromString("0.20")

const DefaultMaxRetries = 3

var (
	ErrSettlementFailed = errors.New("settlement failed")
	// ErrConflict is returned by a Ledger when the balance changed between
	// the read and the write.
	ErrConflict    = errors.New("ledger balance changed concurrently")
	ErrInvalidFare = errors.New("invalid gross fare")
)

// Balance is a user's ledger row.
type Balance struct {
	ID         int64           `json:"id"`
	UserID     int64           `json:"id_user"`
	BalanceIn  decimal.Decimal `json:"balance_in"`
	BalanceOut decimal.Decimal `json:"balance_out"`
}

// BalanceUpdate writes both balance fields in one call. The expected values
// make the write conditional on the balance read beforehand.
type BalanceUpdate struct {
	UserID             int64            `json:"id_user"`
	BalanceIn          decimal.Decimal  `json:"balance_in"`
	BalanceOut         decimal.Decimal  `json:"balance_out"`
	ExpectedBalanceIn  *decimal.Decimal `json:"expected_balance_in,omitempty"`
	ExpectedBalanceOut *decimal.Decimal `json:"expected_balance_out,omitempty"`
}

// Ledger is the external balance service.
type Ledger interface {
	FindByUserID(ctx context.Context, userID int64) (Balance, error)
	Update(ctx context.Context, u BalanceUpdate) (Balance, error)
}

// LedgerUpdate is the outcome of one settlement.
type LedgerUpdate struct {
	TripID          int64
	DriverID        int64
	GrossFare       decimal.Decimal
	PlatformFeeRate decimal.Decimal
	NetEarned       decimal.Decimal
	Fee             decimal.Decimal
	NewBalanceIn    decimal.Decimal
	NewBalanceOut   decimal.Decimal
}

// Compute applies a gross fare to the current balance: the net share is
// credited to balance_in and the platform fee is taken from balance_out.
func Compute(gross decimal.Decimal, current Balance) LedgerUpdate {
	fee := gross.Mul(PlatformFeeRate)
	net := gross.Sub(fee)
	return LedgerUpdate{
		DriverID:        current.UserID,
		GrossFare:       gross,
		PlatformFeeRate: PlatformFeeRate,
		NetEarned:       net,
		Fee:             fee,
		NewBalanceIn:    current.BalanceIn.Add(net),
		NewBalanceOut:   current.BalanceOut.Sub(fee),
	}
}

type Settler struct {
	ledger     Ledger
	bus        *bus.Bus
	maxRetries uint64
	retryDelay time.Duration
	logger     zerolog.Logger
}

type Option func(*Settler)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Settler) { s.logger = l }
}

// WithMaxRetries bounds how often a conflicting write is retried.
func WithMaxRetries(n int) Option {
	return func(s *Settler) {
		if n >= 0 {
			s.maxRetries = uint64(n)
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(s *Settler) { s.retryDelay = d }
}

func New(ledger Ledger, b *bus.Bus, opts ...Option) *Settler {
	s := &Settler{
		ledger:     ledger,
		bus:        b,
		maxRetries: DefaultMaxRetries,
		retryDelay: 100 * time.Millisecond,
		logger:     log.WithComponent("settlement"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settle reads the driver's balance, applies the fare and writes both
// fields back. A write rejected with ErrConflict is retried from a fresh
// read. Failures wrap ErrSettlementFailed; callers log them and move on.
func (s *Settler) Settle(ctx context.Context, tripID int64, gross decimal.Decimal, driverID int64) (LedgerUpdate, error) {
	logger := s.logger.With().Int64("trip_id", tripID).Int64("driver_id", driverID).Str("gross_fare", gross.String()).Logger()

	if gross.IsNegative() {
		err := fmt.Errorf("%w: %w: %s", ErrSettlementFailed, ErrInvalidFare, gross)
		s.report(tripID, driverID, LedgerUpdate{GrossFare: gross}, err)
		return LedgerUpdate{}, err
	}

	var upd LedgerUpdate
	attempt := 0
	operation := func() error {
		attempt++
		current, err := s.ledger.FindByUserID(ctx, driverID)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read balance: %w", err))
		}

		upd = Compute(gross, current)
		upd.TripID = tripID
		upd.DriverID = driverID

		_, err = s.ledger.Update(ctx, BalanceUpdate{
			UserID:             driverID,
			BalanceIn:          upd.NewBalanceIn,
			BalanceOut:         upd.NewBalanceOut,
			ExpectedBalanceIn:  &current.BalanceIn,
			ExpectedBalanceOut: &current.BalanceOut,
		})
		if errors.Is(err, ErrConflict) {
			logger.Debug().Int("attempt", attempt).Msg("ledger balance changed, retrying")
			return err
		}
		if err != nil {
			return backoff.Permanent(fmt.Errorf("write balance: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryDelay), s.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		err = fmt.Errorf("%w: %w", ErrSettlementFailed, err)
		metrics.Settlements.WithLabelValues("failure").Inc()
		logger.Warn().Err(err).Int("attempts", attempt).Msg("settlement failed")
		s.report(tripID, driverID, upd, err)
		return upd, err
	}

	metrics.Settlements.WithLabelValues("success").Inc()
	logger.Info().
		Str("net_earned", upd.NetEarned.String()).
		Str("balance_in", upd.NewBalanceIn.String()).
		Str("balance_out", upd.NewBalanceOut.String()).
		Msg("ledger updated")
	s.report(tripID, driverID, upd, nil)
	return upd, nil
}

func (s *Settler) report(tripID, driverID int64, upd LedgerUpdate, err error) {
	if s.bus == nil {
		return
	}
	e := bus.SettlementEvent{
		TripID:        tripID,
		DriverID:      driverID,
		GrossFare:     upd.GrossFare.String(),
		NetEarned:     upd.NetEarned.String(),
		NewBalanceIn:  upd.NewBalanceIn.String(),
		NewBalanceOut: upd.NewBalanceOut.String(),
	}
	if err != nil {
		e.Err = err.Error()
	}
	bus.Publish(s.bus, bus.Settlement, e)
}
