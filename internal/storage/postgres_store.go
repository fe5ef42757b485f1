package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ridebus/internal/models"
)

//go:embed migrations/001_create_ride_requests.sql
var createRideRequests string

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate creates the ride_requests table when missing.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, createRideRequests)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.RideRecord) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests(id, bus_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, status, eta_seconds, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, nullString(r.BusID), r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon, r.Status, r.ETA, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.RideRecord) error {
	res, err := p.db.ExecContext(ctx, `UPDATE ride_requests SET bus_id=$1, status=$2, eta_seconds=$3, updated_at=$4 WHERE id=$5`,
		nullString(r.BusID), r.Status, r.ETA, time.Now(), r.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.RideRecord, error) {
	var (
		r     models.RideRecord
		busID sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, bus_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, status, eta_seconds, created_at, updated_at FROM ride_requests WHERE id=$1`, id).
		Scan(&r.ID, &busID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon, &r.Status, &r.ETA, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.BusID = busID.String
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
