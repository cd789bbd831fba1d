// Package presence tracks which drivers are online, with which vehicle class and where.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Registry is the authoritative online/offline state for drivers. Transitions are
// idempotent: SetOnline and SetOffline report whether the call actually changed the state.
type Registry interface {
	SetOnline(ctx context.Context, id models.ActorID, class models.VehicleClass, loc *models.Coord) (bool, error)
	SetOffline(ctx context.Context, id models.ActorID) (bool, error)
	IsOnline(ctx context.Context, id models.ActorID) (bool, error)
	// ListOnlineByVehicleClass returns driver ids sorted ascending.
	ListOnlineByVehicleClass(ctx context.Context, class models.VehicleClass) ([]models.ActorID, error)
	// UpdateLocation records a position for an online driver and reports whether it was applied.
	UpdateLocation(ctx context.Context, id models.ActorID, loc models.Coord) (bool, error)
	Get(ctx context.Context, id models.ActorID) (*models.PresenceRecord, error)
}

type MemoryRegistry struct {
	mu      sync.RWMutex
	drivers map[models.ActorID]*models.PresenceRecord
	now     func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{drivers: make(map[models.ActorID]*models.PresenceRecord), now: time.Now}
}

func (m *MemoryRegistry) SetOnline(ctx context.Context, id models.ActorID, class models.VehicleClass, loc *models.Coord) (bool, error) {
	if id.IsZero() {
		return false, models.ErrEmptyActorID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.drivers[id]
	if !ok {
		rec = &models.PresenceRecord{DriverID: id}
		m.drivers[id] = rec
	}
	became := !rec.Online
	rec.Online = true
	rec.VehicleClass = class
	if loc != nil {
		c := *loc
		rec.Location = &c
	}
	rec.LastSeenAt = m.now()
	return became, nil
}

func (m *MemoryRegistry) SetOffline(ctx context.Context, id models.ActorID) (bool, error) {
	if id.IsZero() {
		return false, models.ErrEmptyActorID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.drivers[id]
	if !ok || !rec.Online {
		return false, nil
	}
	rec.Online = false
	rec.LastSeenAt = m.now()
	return true, nil
}

func (m *MemoryRegistry) IsOnline(ctx context.Context, id models.ActorID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.drivers[id]
	return ok && rec.Online, nil
}

func (m *MemoryRegistry) ListOnlineByVehicleClass(ctx context.Context, class models.VehicleClass) ([]models.ActorID, error) {
	m.mu.RLock()
	out := make([]models.ActorID, 0)
	for id, rec := range m.drivers {
		if rec.Online && rec.VehicleClass == class {
			out = append(out, id)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryRegistry) UpdateLocation(ctx context.Context, id models.ActorID, loc models.Coord) (bool, error) {
	if id.IsZero() {
		return false, models.ErrEmptyActorID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.drivers[id]
	if !ok || !rec.Online {
		return false, nil
	}
	rec.Location = &loc
	rec.LastSeenAt = m.now()
	return true, nil
}

func (m *MemoryRegistry) Get(ctx context.Context, id models.ActorID) (*models.PresenceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.drivers[id]
	if !ok {
		return &models.PresenceRecord{DriverID: id}, nil
	}
	c := *rec
	if rec.Location != nil {
		loc := *rec.Location
		c.Location = &loc
	}
	return &c, nil
}
