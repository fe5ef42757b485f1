package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// GeoPoint is a selected map point with its display label. Address is the
// reverse-geocoded name, or the formatted coordinates when lookup failed.
type GeoPoint struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

func (p GeoPoint) Coord() Coord { return Coord{Lat: p.Lat, Lon: p.Lng} }

// SelectionState is the pickup/drop-off pair visible to the rest of the flow.
// Dropoff is never set while Pickup is nil.
type SelectionState struct {
	Pickup  *GeoPoint `json:"pickup"`
	Dropoff *GeoPoint `json:"dropoff"`
}

func (s SelectionState) Complete() bool { return s.Pickup != nil && s.Dropoff != nil }

type Bus struct {
	ID      string    `json:"id"`
	Loc     Coord     `json:"loc"`
	Online  bool      `json:"online"`
	Updated time.Time `json:"updated"`
}

// RideRecord is what the ride service keeps for every accepted request.
type RideRecord struct {
	ID        string    `json:"ride_id"`
	BusID     string    `json:"bus_id,omitempty"`
	Pickup    Coord     `json:"pickup"`
	Dropoff   Coord     `json:"dropoff"`
	Status    string    `json:"status"` // requested, dispatched, unassigned
	ETA       float64   `json:"eta_seconds"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	RideRequested  = "requested"
	RideDispatched = "dispatched"
	RideUnassigned = "unassigned"
)
