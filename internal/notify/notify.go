// Package notify writes durable per-user notifications and answers the inbox queries.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// ListLimit caps how many notifications a listing returns.
const ListLimit = 50

var ErrInvalidNotification = errors.New("invalid notification")

// Pusher delivers a notification to a device outside the realtime channel. Delivery is
// fire-and-forget.
type Pusher interface {
	Push(ctx context.Context, n models.Notification) error
}

type Service struct {
	store       storage.NotificationStore
	pusher      Pusher
	logger      *slog.Logger
	now         func() time.Time
	pushTimeout time.Duration
}

func NewService(store storage.NotificationStore, pusher Pusher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, pusher: pusher, logger: logger, now: time.Now, pushTimeout: 5 * time.Second}
}

// Create persists a notification for userID and hands it to the pusher.
func (s *Service) Create(ctx context.Context, userID models.ActorID, typ models.NotificationType, title, message, relatedID string) (*models.Notification, error) {
	if userID.IsZero() {
		return nil, models.ErrEmptyActorID
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidNotification, typ)
	}
	if strings.TrimSpace(title) == "" || strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: title and message are required", ErrInvalidNotification)
	}
	n := &models.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Message:   message,
		Type:      typ,
		RelatedID: relatedID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("store notification: %w", err)
	}
	observability.NotificationsCreated.WithLabelValues(string(typ)).Inc()
	if s.pusher != nil {
		go s.push(*n)
	}
	return n, nil
}

func (s *Service) push(n models.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), s.pushTimeout)
	defer cancel()
	if err := s.pusher.Push(ctx, n); err != nil {
		s.logger.Warn("push delivery failed", "notification_id", n.ID, "user_id", n.UserID, "error", err)
	}
}

// List returns the user's newest notifications, at most ListLimit.
func (s *Service) List(ctx context.Context, userID models.ActorID) ([]models.Notification, error) {
	if userID.IsZero() {
		return nil, models.ErrEmptyActorID
	}
	return s.store.ListNotifications(ctx, userID, ListLimit)
}

func (s *Service) UnreadCount(ctx context.Context, userID models.ActorID) (int64, error) {
	if userID.IsZero() {
		return 0, models.ErrEmptyActorID
	}
	return s.store.CountUnread(ctx, userID)
}

// MarkRead flips one notification to read. Reading is one-way; marking an already read
// notification succeeds without change.
func (s *Service) MarkRead(ctx context.Context, userID models.ActorID, id string) (*models.Notification, error) {
	if userID.IsZero() {
		return nil, models.ErrEmptyActorID
	}
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: notification id is required", ErrInvalidNotification)
	}
	return s.store.MarkNotificationRead(ctx, userID, id)
}

func (s *Service) MarkAllRead(ctx context.Context, userID models.ActorID) (int64, error) {
	if userID.IsZero() {
		return 0, models.ErrEmptyActorID
	}
	return s.store.MarkAllNotificationsRead(ctx, userID)
}
