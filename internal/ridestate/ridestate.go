// Package ridestate owns the ride lifecycle. Every change is applied through a conditional
// storage write, so two concurrent callers can never both win the same transition.
package ridestate

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrRideTaken         = errors.New("ride already taken")
	ErrRideFinalized     = errors.New("ride already finalized")
	ErrInvalidTransition = errors.New("invalid ride status transition")
	ErrNoChange          = errors.New("ride already in requested status")
	// ErrAlreadyAccepted is returned when the owning driver accepts its own ride again.
	ErrAlreadyAccepted = errors.New("ride already accepted by this driver")
	ErrNotRequested    = errors.New("ride is no longer requested")
	ErrAlreadyRejected = errors.New("ride already rejected by this driver")
	ErrPaymentSettled  = errors.New("payment already completed")
)

// sources maps each target status to the statuses it may be entered from.
var sources = map[models.RideStatus][]models.RideStatus{
	models.RideAccepted:  {models.RideRequested},
	models.RidePickedUp:  {models.RideAccepted},
	models.RideCompleted: {models.RideAccepted, models.RidePickedUp},
	models.RideCanceled:  {models.RideRequested, models.RideAccepted, models.RidePickedUp},
}

// Sources returns the statuses from which to may be entered.
func Sources(to models.RideStatus) []models.RideStatus {
	return append([]models.RideStatus(nil), sources[to]...)
}

func CanTransition(from, to models.RideStatus) bool {
	for _, s := range sources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Check classifies the transition current -> to. It returns nil when it is legal.
func Check(current, to models.RideStatus) error {
	if CanTransition(current, to) {
		return nil
	}
	switch {
	case to == models.RideAccepted:
		return ErrRideTaken
	case current.IsTerminal():
		return ErrRideFinalized
	case current == to:
		return fmt.Errorf("%w: %s", ErrNoChange, to)
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}
}

type Machine struct {
	rides storage.RideStore
}

func NewMachine(rides storage.RideStore) *Machine {
	return &Machine{rides: rides}
}

// explain turns a lost conditional write into the lifecycle error for the state the ride is
// in now.
func (m *Machine) explain(ctx context.Context, rideID string, to models.RideStatus, err error) error {
	if !errors.Is(err, storage.ErrConflict) {
		return err
	}
	current, gerr := m.rides.GetRide(ctx, rideID)
	if gerr != nil {
		return gerr
	}
	if cerr := Check(current.Status, to); cerr != nil {
		return cerr
	}
	return ErrInvalidTransition
}

// Accept assigns the ride to driverID. Only one caller ever succeeds; the rest get
// ErrRideTaken, or ErrAlreadyAccepted when they already own the ride.
func (m *Machine) Accept(ctx context.Context, rideID string, driverID models.ActorID) (*models.Ride, error) {
	if driverID.IsZero() {
		return nil, models.ErrEmptyActorID
	}
	r, err := m.rides.TransitionRide(ctx, rideID, storage.Transition{
		From:     Sources(models.RideAccepted),
		To:       models.RideAccepted,
		DriverID: driverID,
	})
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return nil, err
	}
	current, gerr := m.rides.GetRide(ctx, rideID)
	if gerr != nil {
		return nil, gerr
	}
	if current.DriverID == driverID && current.Status == models.RideAccepted {
		return current, ErrAlreadyAccepted
	}
	return current, ErrRideTaken
}

// Advance moves the ride to picked_up, completed or canceled. fareOverride replaces the
// stored fare when entering completed.
func (m *Machine) Advance(ctx context.Context, rideID string, to models.RideStatus, fareOverride *int64) (*models.Ride, error) {
	if to == models.RideAccepted || to == models.RideRequested {
		return nil, fmt.Errorf("%w: use Accept for %s", ErrInvalidTransition, to)
	}
	if _, ok := sources[to]; !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	t := storage.Transition{From: Sources(to), To: to}
	if to == models.RideCompleted {
		t.PaymentStatus = models.PaymentPending
		switch {
		case fareOverride != nil:
			t.Fare = fareOverride
		default:
			current, err := m.rides.GetRide(ctx, rideID)
			if err != nil {
				return nil, err
			}
			if current.Fare <= 0 {
				f := fare.Calculate(current.Distance, current.VehicleClass)
				t.Fare = &f
			}
		}
	}
	r, err := m.rides.TransitionRide(ctx, rideID, t)
	if err != nil {
		return nil, m.explain(ctx, rideID, to, err)
	}
	return r, nil
}

// Reject records the driver's refusal. The ride keeps its status; ErrNotRequested means it
// was already accepted or finalized and nothing should be re-broadcast. A driver that
// already declined gets ErrAlreadyRejected along with the unchanged ride.
func (m *Machine) Reject(ctx context.Context, rideID string, driverID models.ActorID) (*models.Ride, error) {
	if driverID.IsZero() {
		return nil, models.ErrEmptyActorID
	}
	r, err := m.rides.AddRejection(ctx, rideID, driverID)
	switch {
	case errors.Is(err, storage.ErrConflict):
		return nil, ErrNotRequested
	case errors.Is(err, storage.ErrAlreadyRecorded):
		return r, ErrAlreadyRejected
	}
	return r, err
}

// SettlePayment marks a completed ride paid. A ride that was already paid yields
// ErrPaymentSettled together with its current state.
func (m *Machine) SettlePayment(ctx context.Context, rideID, method string) (*models.Ride, error) {
	r, err := m.rides.CompletePayment(ctx, rideID, method)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return nil, err
	}
	current, gerr := m.rides.GetRide(ctx, rideID)
	if gerr != nil {
		return nil, gerr
	}
	switch {
	case current.PaymentStatus == models.PaymentCompleted:
		return current, ErrPaymentSettled
	case current.Status == models.RideCanceled:
		return current, ErrRideFinalized
	default:
		return current, fmt.Errorf("%w: ride is %s, payment needs completed", ErrInvalidTransition, current.Status)
	}
}
