package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/example/ridebus/internal/models"
)

func sampleRide(id string) *models.RideRecord {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.RideRecord{
		ID:        id,
		Pickup:    models.Coord{Lat: 1, Lon: 2},
		Dropoff:   models.Coord{Lat: 3, Lon: 4},
		Status:    models.RideRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func exerciseStore(t *testing.T, s RideStore, id string) {
	t.Helper()
	ctx := context.Background()
	r := sampleRide(id)
	if err := s.SaveRide(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}
	r.Status = models.RideDispatched
	r.BusID = "bus-9"
	r.ETA = 120
	if err := s.UpdateRide(ctx, r); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetRide(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.RideDispatched || got.BusID != "bus-9" || got.ETA != 120 || got.Dropoff.Lon != 4 {
		t.Fatalf("unexpected ride %+v", got)
	}
	if _, err := s.GetRide(ctx, id+"-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateRide(ctx, sampleRide(id+"-missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(), "ride-1")
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r := sampleRide("ride-2")
	s.SaveRide(ctx, r)
	r.Status = "mutated"
	got, _ := s.GetRide(ctx, "ride-2")
	if got.Status != models.RideRequested {
		t.Fatalf("store shares memory with caller")
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set; skipping integration test")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	exerciseStore(t, s, fmt.Sprintf("ride-test-%d", time.Now().UnixNano()))
}
