package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/ridebus/internal/models"
)

var ErrNotFound = errors.New("storage: ride not found")

// RideStore keeps the ride service's log of incoming ride requests.
type RideStore interface {
	SaveRide(ctx context.Context, r *models.RideRecord) error
	UpdateRide(ctx context.Context, r *models.RideRecord) error
	GetRide(ctx context.Context, id string) (*models.RideRecord, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.RideRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.RideRecord)}
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.RideRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, r *models.RideRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return ErrNotFound
	}
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.RideRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}
