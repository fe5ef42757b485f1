package eta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/ridebus/internal/models"
)

// OSRMClient performs route/eta lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

// EstimateSeconds queries OSRM /route between points and returns duration in seconds.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	// OSRM wants lon,lat pairs
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return out.Routes[0].Duration, nil
}

// ErrTooFewStops is returned for trips with fewer than two stops.
var ErrTooFewStops = errors.New("eta: trip needs at least two stops")

// TripSeconds asks OSRM /trip for the duration of visiting stops, starting at
// the first one.
func (o *OSRMClient) TripSeconds(ctx context.Context, stops []models.Coord) (float64, error) {
	if len(stops) < 2 {
		return 0, ErrTooFewStops
	}
	coords := make([]string, len(stops))
	for i, s := range stops {
		coords[i] = strconv.FormatFloat(s.Lon, 'f', -1, 64) + "," + strconv.FormatFloat(s.Lat, 'f', -1, 64)
	}
	url := fmt.Sprintf("%s/trip/v1/driving/%s?source=first", o.Endpoint, strings.Join(coords, ";"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out struct {
		Trips []struct {
			Duration float64 `json:"duration"`
		} `json:"trips"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Code != "Ok" || len(out.Trips) == 0 {
		return 0, fmt.Errorf("osrm no trip: %v", out.Code)
	}
	return out.Trips[0].Duration, nil
}
