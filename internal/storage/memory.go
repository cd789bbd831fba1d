package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything in process. Every conditional write is checked and applied
// under one lock, which gives the same atomicity the SQL and Mongo stores get from the
// database.
type MemoryStore struct {
	mu            sync.RWMutex
	rides         map[string]*models.Ride
	notifications map[string]*models.Notification
	drivers       map[models.ActorID]models.DriverProfile
	passengers    map[models.ActorID]models.PassengerProfile
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:         make(map[string]*models.Ride),
		notifications: make(map[string]*models.Notification),
		drivers:       make(map[models.ActorID]models.DriverProfile),
		passengers:    make(map[models.ActorID]models.PassengerProfile),
		now:           time.Now,
	}
}

func (m *MemoryStore) PutDriver(p models.DriverProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[p.ID] = p
}

func (m *MemoryStore) PutPassenger(p models.PassengerProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passengers[p.ID] = p
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) TransitionRide(ctx context.Context, id string, t Transition) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !t.allows(r.Status) {
		return nil, ErrConflict
	}
	r.Status = t.To
	if t.DriverID != "" {
		r.DriverID = t.DriverID
	}
	if t.Fare != nil {
		r.Fare = *t.Fare
	}
	if t.PaymentStatus != "" {
		r.PaymentStatus = t.PaymentStatus
	}
	r.UpdatedAt = m.now()
	return r.Clone(), nil
}

func (m *MemoryStore) AddRejection(ctx context.Context, id string, driverID models.ActorID) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.RideRequested || r.HasRejected(driverID) {
		return rejectionMiss(r.Clone(), driverID)
	}
	r.RejectedBy = append(r.RejectedBy, driverID)
	r.UpdatedAt = m.now()
	return r.Clone(), nil
}

func (m *MemoryStore) CompletePayment(ctx context.Context, id, method string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.PaymentStatus == models.PaymentCompleted || r.Status != models.RideCompleted {
		return nil, ErrConflict
	}
	r.PaymentStatus = models.PaymentCompleted
	if method != "" {
		r.PaymentMethod = method
	}
	r.UpdatedAt = m.now()
	return r.Clone(), nil
}

func (m *MemoryStore) FindActiveRide(ctx context.Context, actor models.ActorID, role models.Role) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Ride
	for _, r := range m.rides {
		if r.Status.IsTerminal() {
			continue
		}
		switch role {
		case models.RolePassenger:
			if r.PassengerID != actor {
				continue
			}
		case models.RoleDriver:
			if r.DriverID != actor {
				continue
			}
		default:
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

func (m *MemoryStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *n
	m.notifications[n.ID] = &c
	return nil
}

func (m *MemoryStore) ListNotifications(ctx context.Context, userID models.ActorID, limit int) ([]models.Notification, error) {
	m.mu.RLock()
	out := make([]models.Notification, 0)
	for _, n := range m.notifications {
		if n.UserID == userID {
			out = append(out, *n)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkNotificationRead(ctx context.Context, userID models.ActorID, id string) (*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || (userID != "" && n.UserID != userID) {
		return nil, ErrNotFound
	}
	n.Read = true
	c := *n
	return &c, nil
}

func (m *MemoryStore) MarkAllNotificationsRead(ctx context.Context, userID models.ActorID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed int64
	for _, n := range m.notifications {
		if n.UserID == userID && !n.Read {
			n.Read = true
			changed++
		}
	}
	return changed, nil
}

func (m *MemoryStore) CountUnread(ctx context.Context, userID models.ActorID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, v := range m.notifications {
		if v.UserID == userID && !v.Read {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id models.ActorID) (*models.DriverProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) GetPassenger(ctx context.Context, id models.ActorID) (*models.PassengerProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.passengers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
