package storage

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional write found the record in a state it did not expect.
	ErrConflict = errors.New("conditional update did not match current state")
	// ErrAlreadyRecorded is returned with the current ride when a rejection was already stored.
	ErrAlreadyRecorded = errors.New("already recorded")
)

// Transition is an atomic conditional status change: it is applied only if the ride's
// current status is one of From.
type Transition struct {
	From          []models.RideStatus
	To            models.RideStatus
	DriverID      models.ActorID
	Fare          *int64
	PaymentStatus models.PaymentStatus
}

func (t Transition) allows(s models.RideStatus) bool {
	for _, f := range t.From {
		if f == s {
			return true
		}
	}
	return false
}

// rejectionMiss classifies a rejection whose conditional write matched nothing, given the
// ride as it is now.
func rejectionMiss(r *models.Ride, driverID models.ActorID) (*models.Ride, error) {
	if r.Status == models.RideRequested && r.HasRejected(driverID) {
		return r, ErrAlreadyRecorded
	}
	return nil, ErrConflict
}

// RideStore defines persistence operations for rides.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	TransitionRide(ctx context.Context, id string, t Transition) (*models.Ride, error)
	// AddRejection records that driverID declined the ride, only while it is still requested.
	// A driver already on the list yields the unchanged ride and ErrAlreadyRecorded.
	AddRejection(ctx context.Context, id string, driverID models.ActorID) (*models.Ride, error)
	// CompletePayment marks a completed ride as paid, once.
	CompletePayment(ctx context.Context, id, method string) (*models.Ride, error)
	// FindActiveRide returns the most recent non-terminal ride the actor takes part in.
	FindActiveRide(ctx context.Context, actor models.ActorID, role models.Role) (*models.Ride, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, userID models.ActorID, limit int) ([]models.Notification, error)
	// MarkNotificationRead is a no-op for notifications that are already read.
	MarkNotificationRead(ctx context.Context, userID models.ActorID, id string) (*models.Notification, error)
	MarkAllNotificationsRead(ctx context.Context, userID models.ActorID) (int64, error)
	CountUnread(ctx context.Context, userID models.ActorID) (int64, error)
}

// ProfileStore reads driver and passenger records owned by the profile service.
type ProfileStore interface {
	GetDriver(ctx context.Context, id models.ActorID) (*models.DriverProfile, error)
	GetPassenger(ctx context.Context, id models.ActorID) (*models.PassengerProfile, error)
}

type Store interface {
	RideStore
	NotificationStore
	ProfileStore
	Ping(ctx context.Context) error
	Close() error
}
