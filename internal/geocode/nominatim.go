package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const DefaultNominatimURL = "https://nominatim.openstreetmap.org"

// NominatimClient performs reverse lookups against a Nominatim server.
type NominatimClient struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
}

func NewNominatimClient(endpoint, userAgent string, timeout time.Duration) *NominatimClient {
	if endpoint == "" {
		endpoint = DefaultNominatimURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NominatimClient{Endpoint: endpoint, UserAgent: userAgent, Client: &http.Client{Timeout: timeout}}
}

type reverseResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

// Reverse queries /reverse and returns display_name.
func (n *NominatimClient) Reverse(ctx context.Context, lat, lng float64) (string, error) {
	params := url.Values{}
	params.Set("format", "json")
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lng, 'f', -1, 64))
	params.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.Endpoint+"/reverse?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}
	if n.UserAgent != "" {
		req.Header.Set("User-Agent", n.UserAgent)
	}
	resp, err := n.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("nominatim reverse: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("nominatim reverse: unexpected status %s", resp.Status)
	}
	var out reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("nominatim reverse: decode: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("nominatim reverse: %s", out.Error)
	}
	if out.DisplayName == "" {
		return "", ErrNoAddress
	}
	return out.DisplayName, nil
}
