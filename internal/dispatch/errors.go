package dispatch

import (
	"errors"

	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/ridestate"
	"github.com/example/ride-dispatch/internal/storage"
)

// Outcome buckets an operation error for metrics, replies and HTTP status codes.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeInvalid     Outcome = "invalid"
	OutcomeForbidden   Outcome = "forbidden"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeConflict    Outcome = "conflict"
	OutcomeTaken       Outcome = "taken"
	OutcomeUnavailable Outcome = "unavailable"
)

func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, models.ErrEmptyActorID),
		errors.Is(err, notify.ErrInvalidNotification),
		errors.Is(err, ingest.ErrInvalidLocation),
		errors.Is(err, payments.ErrMissingReference):
		return OutcomeInvalid
	case errors.Is(err, ErrForbidden), errors.Is(err, gateway.ErrIdentityMismatch):
		return OutcomeForbidden
	case errors.Is(err, storage.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ridestate.ErrRideTaken):
		return OutcomeTaken
	case errors.Is(err, ridestate.ErrRideFinalized),
		errors.Is(err, ridestate.ErrInvalidTransition),
		errors.Is(err, ridestate.ErrNoChange),
		errors.Is(err, ridestate.ErrNotRequested),
		errors.Is(err, ridestate.ErrAlreadyRejected),
		errors.Is(err, payments.ErrPaymentNotSettled),
		errors.Is(err, storage.ErrConflict):
		return OutcomeConflict
	default:
		return OutcomeUnavailable
	}
}
