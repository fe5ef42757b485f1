package eta

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/ridebus/internal/models"
)

type stubClient struct {
	v     float64
	err   error
	calls int
}

func (s *stubClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	s.calls++
	return s.v, s.err
}

func TestEstimateSecondsNaive(t *testing.T) {
	from := models.Coord{Lat: 0, Lon: 0}
	to := models.Coord{Lat: 1, Lon: 0}
	got := EstimateSeconds(from, to, 10)
	if math.Abs(got-11119.5) > 10 {
		t.Fatalf("expected ~11119s, got %f", got)
	}
	if EstimateSeconds(from, to, 0) <= got {
		t.Fatalf("default speed should be slower than 10 m/s")
	}
}

func TestEstimatorUsesClientAndCache(t *testing.T) {
	c := &stubClient{v: 42}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute), DefaultSpeedMps: 10}
	a, b := models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 1.01, Lon: 1}
	for i := 0; i < 3; i++ {
		if got := e.Estimate(context.Background(), a, b); got != 42 {
			t.Fatalf("estimate = %f", got)
		}
	}
	if c.calls != 1 {
		t.Fatalf("expected one client call, got %d", c.calls)
	}
}

func TestEstimatorFallsBack(t *testing.T) {
	e := &Estimator{Client: &stubClient{err: errors.New("down")}, DefaultSpeedMps: 10}
	a, b := models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: 0}
	if got := e.Estimate(context.Background(), a, b); math.Abs(got-EstimateSeconds(a, b, 10)) > 1e-9 {
		t.Fatalf("expected naive fallback, got %f", got)
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/-74.006000,40.712800;") {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":123.4}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	got, err := c.EstimateSeconds(context.Background(), models.Coord{Lat: 40.7128, Lon: -74.006}, models.Coord{Lat: 40.73, Lon: -74.0})
	if err != nil || got != 123.4 {
		t.Fatalf("estimate = %f, %v", got, err)
	}
}

func TestOSRMNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestOSRMTripSeconds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trip/v1/driving/-122.4,37.7;-122.5,37.8" || r.URL.Query().Get("source") != "first" {
			t.Errorf("url = %s", r.URL.String())
		}
		w.Write([]byte(`{"code":"Ok","trips":[{"duration":350.5}]}`))
	}))
	defer srv.Close()

	stops := []models.Coord{{Lat: 37.7, Lon: -122.4}, {Lat: 37.8, Lon: -122.5}}
	got, err := NewOSRMClient(srv.URL).TripSeconds(context.Background(), stops)
	if err != nil || got != 350.5 {
		t.Fatalf("trip = %f, %v", got, err)
	}
}

func TestOSRMTripErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","message":"Cannot find a route"}`))
	}))
	defer srv.Close()
	c := NewOSRMClient(srv.URL)

	if _, err := c.TripSeconds(context.Background(), []models.Coord{{Lat: 1, Lon: 1}}); !errors.Is(err, ErrTooFewStops) {
		t.Fatalf("expected ErrTooFewStops, got %v", err)
	}
	if _, err := c.TripSeconds(context.Background(), []models.Coord{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}); err == nil {
		t.Fatalf("expected error for NoRoute")
	}

	srv.Close()
	if _, err := c.TripSeconds(context.Background(), []models.Coord{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}); err == nil {
		t.Fatalf("expected error when OSRM is unreachable")
	}
}

type stubTrips struct {
	v   float64
	err error
}

func (s stubTrips) TripSeconds(context.Context, []models.Coord) (float64, error) { return s.v, s.err }

func TestEstimatorTrip(t *testing.T) {
	stops := []models.Coord{{Lat: 0, Lon: 0}, {Lat: 1, Lon: 0}, {Lat: 2, Lon: 0}}

	if got := (&Estimator{Trips: stubTrips{v: 100}}).Trip(context.Background(), stops); got != 100 {
		t.Fatalf("trip = %f", got)
	}

	fallback := (&Estimator{Trips: stubTrips{err: errors.New("down")}, DefaultSpeedMps: 10}).Trip(context.Background(), stops)
	if math.Abs(fallback-2*EstimateSeconds(stops[0], stops[1], 10)) > 1 {
		t.Fatalf("expected chained naive estimate, got %f", fallback)
	}

	if got := (&Estimator{}).Trip(context.Background(), stops[:1]); !math.IsInf(got, 1) {
		t.Fatalf("single stop should cost +Inf, got %f", got)
	}
	if !math.IsInf(ChainSeconds(nil, 10), 1) {
		t.Fatalf("empty chain should cost +Inf")
	}
}
