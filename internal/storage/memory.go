package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps every record behind one lock. Mutations run on a copy under the
// write lock, so a conditional update is trivially atomic.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.Ride
	codes   map[string]string
	drivers map[string]models.Driver
	users   map[string]models.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		codes:   make(map[string]string),
		drivers: make(map[string]models.Driver),
		users:   make(map[string]models.User),
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return apperr.Validation("duplicate_ride", "ride id already exists")
	}
	if _, ok := m.codes[r.Code]; ok {
		return apperr.Validation("duplicate_ride_code", "ride code already exists")
	}
	m.rides[r.ID] = r.Clone()
	m.codes[r.Code] = r.ID
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, errRideNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListRidesByRequester(_ context.Context, requesterID string) ([]*models.Ride, error) {
	m.mu.RLock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.RequesterID == requesterID {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, id string, fn RideMutation) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[id]
	if !ok {
		return nil, errRideNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	m.rides[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) SaveDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[d.ID]; ok {
		return errDuplicateDriver
	}
	m.drivers[d.ID] = *d
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, errDriverNotFound
	}
	return &d, nil
}

func (m *MemoryStore) GetDrivers(_ context.Context, ids []string) (map[string]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*models.Driver, len(ids))
	for _, id := range ids {
		if d, ok := m.drivers[id]; ok {
			out[id] = &d
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateDriver(_ context.Context, id string, fn DriverMutation) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, errDriverNotFound
	}
	if err := fn(&d); err != nil {
		return nil, err
	}
	m.drivers[id] = d
	return &d, nil
}

func (m *MemoryStore) SaveUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.NotFound("user_not_found", "user not found")
	}
	return &u, nil
}

var (
	errRideNotFound   = apperr.NotFound("ride_not_found", "ride not found")
	errDriverNotFound = apperr.NotFound("driver_not_found", "driver not found")

	errDuplicateDriver = apperr.Validation("duplicate_driver", "driver already registered")
)
