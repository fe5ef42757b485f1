// Package rideclient calls the external ride service on behalf of a rider.
package rideclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/example/ridebus/internal/models"
)

// StatusError is returned when the ride service answers with a non-2xx code.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string { return "ride service: unexpected status " + e.Status }

// Client issues GET {Endpoint}?pickup_lat=..&pickup_lon=..&dropoff_lat=..&dropoff_lon=..
type Client struct {
	Endpoint string
	HTTP     *http.Client
	Logger   *slog.Logger
}

func New(endpoint string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{Endpoint: endpoint, HTTP: httpClient, Logger: logger}
}

func coord(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// RequestRide sends one request and waits for it to settle. The response body
// must be JSON; its contents are only logged.
func (c *Client) RequestRide(ctx context.Context, pickup, dropoff models.GeoPoint) error {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("ride service url: %w", err)
	}
	q := u.Query()
	q.Set("pickup_lat", coord(pickup.Lat))
	q.Set("pickup_lon", coord(pickup.Lng))
	q.Set("dropoff_lat", coord(dropoff.Lat))
	q.Set("dropoff_lon", coord(dropoff.Lng))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("ride service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	var body json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("ride service: decode response: %w", err)
	}
	c.Logger.Info("ride request accepted", "status", resp.StatusCode, "body", string(body))
	return nil
}
