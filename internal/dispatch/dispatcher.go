package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ridebus/internal/eta"
	"github.com/example/ridebus/internal/geo"
	"github.com/example/ridebus/internal/models"
	"github.com/example/ridebus/internal/observability"
)

var ErrNoBus = errors.New("dispatch: no bus available")

// Assignment is the outcome of a successful dispatch. ETA is the bus's
// drive time to the pickup; TripSeconds is the cost it was chosen by.
type Assignment struct {
	BusID       string
	ETA         float64
	TripSeconds float64
}

// Dispatcher hands ride requests to the connected bus whose route absorbs
// the ride most cheaply.
type Dispatcher struct {
	Registry *Registry
	ETA      *eta.Estimator
	TopN     int
	Logger   *slog.Logger
}

type candidate struct {
	bus  *Bus
	loc  models.Coord
	dist float64
	cost float64
}

// candidates returns the TopN available buses nearest to pickup.
func (d *Dispatcher) candidates(pickup models.Coord) []candidate {
	var out []candidate
	for _, b := range d.Registry.All() {
		loc, _, ok := b.Location()
		if !ok || !b.Available() {
			continue
		}
		out = append(out, candidate{bus: b, loc: loc, dist: geo.Haversine(loc.Lat, loc.Lon, pickup.Lat, pickup.Lon)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].dist < out[j].dist })
	topN := d.TopN
	if topN <= 0 {
		topN = 8
	}
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

// Dispatch prices each candidate as the trip from its position through its
// remaining stops to pickup and dropoff, then sends the ride to the
// cheapest bus that accepts the write.
func (d *Dispatcher) Dispatch(ctx context.Context, rideID string, pickup, dropoff models.Coord) (Assignment, error) {
	start := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	est := d.ETA
	if est == nil {
		est = &eta.Estimator{}
	}
	cands := d.candidates(pickup)

	var wg sync.WaitGroup
	for i := range cands {
		wg.Add(1)
		go func(c *candidate) {
			defer wg.Done()
			stops := append([]models.Coord{c.loc}, c.bus.Route()...)
			stops = append(stops, pickup, dropoff)
			c.cost = est.Trip(ctx, stops)
		}(&cands[i])
	}
	wg.Wait()
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].cost < cands[j].cost })

	for _, c := range cands {
		if math.IsInf(c.cost, 1) {
			break
		}
		d.Logger.Debug("bus priced", "bus", c.bus.ID, "ride_id", rideID, "trip_seconds", c.cost)
		secs := est.Estimate(ctx, c.loc, pickup)
		msg := RideRequestMessage{
			Type:     TypeRideRequest,
			RideID:   rideID,
			Location: Point{Latitude: pickup.Lat, Longitude: pickup.Lon},
			Dropoff:  Point{Latitude: dropoff.Lat, Longitude: dropoff.Lon},
			ETA:      secs,
		}
		if err := c.bus.Send(msg); err != nil {
			d.Logger.Warn("ride request send failed", "bus", c.bus.ID, "ride_id", rideID, "error", err)
			continue
		}
		observability.RidesDispatched.Inc()
		d.Logger.Info("ride request sent", "bus", c.bus.ID, "ride_id", rideID, "eta_seconds", secs, "trip_seconds", c.cost)
		return Assignment{BusID: c.bus.ID, ETA: secs, TripSeconds: c.cost}, nil
	}
	observability.RidesUnassigned.Inc()
	d.Logger.Warn("no available bus", "ride_id", rideID, "lat", pickup.Lat, "lon", pickup.Lon, "candidates", len(cands))
	return Assignment{}, ErrNoBus
}
