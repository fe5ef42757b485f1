package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ridebus/internal/dispatch"
	"github.com/example/ridebus/internal/eta"
	"github.com/example/ridebus/internal/features"
	"github.com/example/ridebus/internal/geo"
	"github.com/example/ridebus/internal/geocode"
	"github.com/example/ridebus/internal/models"
	"github.com/example/ridebus/internal/rideclient"
	"github.com/example/ridebus/internal/session"
	"github.com/example/ridebus/internal/storage"
)

type coordResolver struct{}

func (coordResolver) Resolve(_ context.Context, lat, lng float64) models.GeoPoint {
	return models.GeoPoint{Lat: lat, Lng: lng, Address: geocode.FormatCoords(lat, lng)}
}

type okRequester struct{}

func (okRequester) RequestRide(context.Context, models.GeoPoint, models.GeoPoint) error { return nil }

// silentTicker never fires so countdown values stay put during a test.
type silentTicker struct{ c chan time.Time }

func (t silentTicker) C() <-chan time.Time { return t.c }
func (silentTicker) Stop()                 {}

func newSilentTicker(time.Duration) session.Ticker { return silentTicker{c: make(chan time.Time)} }

type recordingConn struct {
	mu   sync.Mutex
	msgs []interface{}
}

func (c *recordingConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, v)
	return nil
}

func (c *recordingConn) Close() error { return nil }

func (c *recordingConn) SetWriteDeadline(time.Time) error { return nil }

func (c *recordingConn) sent() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interface{}(nil), c.msgs...)
}

type fixture struct {
	srv      *Server
	sessions *session.Manager
	registry *dispatch.Registry
	geo      *geo.Index
	store    *storage.MemoryStore
}

func newFixture(t *testing.T, requester session.Requester) *fixture {
	t.Helper()
	return newFixtureWith(t, requester, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func newFixtureWith(t *testing.T, requester session.Requester, logger *slog.Logger, origins []string) *fixture {
	t.Helper()
	feats, err := features.Parse([]byte(`{"type":"FeatureCollection","features":[
		{"type":"Feature","id":"city-hall","geometry":{"type":"Point","coordinates":[-74.006,40.7128]},"properties":{"name":"City Hall"}}]}`))
	if err != nil {
		t.Fatalf("features: %v", err)
	}
	sessions := session.NewManager(session.Options{
		Resolver:  coordResolver{},
		Requester: requester,
		NewTicker: newSilentTicker,
		Logger:    logger,
	})
	t.Cleanup(sessions.CloseAll)

	reg := dispatch.NewRegistry()
	idx := geo.NewIndex()
	store := storage.NewMemoryStore()
	srv := NewServer(Deps{
		Sessions:   sessions,
		Channel:    &dispatch.Channel{Registry: reg, Geo: idx, Logger: logger},
		Dispatcher: &dispatch.Dispatcher{Registry: reg, ETA: &eta.Estimator{DefaultSpeedMps: 10}, Logger: logger},
		Store:      store,
		Features:   feats,
		Geo:        idx,
		Logger:     logger,

		AllowedOrigins: origins,
	})
	return &fixture{srv: srv, sessions: sessions, registry: reg, geo: idx, store: store}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(method, path, rdr))
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) session.Snapshot {
	t.Helper()
	var snap session.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot %q: %v", rec.Body.String(), err)
	}
	return snap
}

func (f *fixture) waitSnapshot(t *testing.T, id string, cond func(session.Snapshot) bool) session.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := f.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("get session: %d", rec.Code)
		}
		snap := decodeSnapshot(t, rec)
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached, last snapshot %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) createSession(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/sessions", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	snap := decodeSnapshot(t, rec)
	if snap.Phase != session.PhaseIdle || snap.ID == "" {
		t.Fatalf("unexpected new session %+v", snap)
	}
	return snap.ID
}

func TestSessionFlowToConfirmation(t *testing.T) {
	f := newFixture(t, okRequester{})
	id := f.createSession(t)

	rec := f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/request", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("request before selection: %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/clicks", map[string]float64{"lat": 37.6878, "lng": -121.7081})
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"slot":"pickup"`) {
		t.Fatalf("first click: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/clicks", map[string]string{"feature_id": "city-hall"})
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"slot":"dropoff"`) {
		t.Fatalf("feature click: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/clicks", map[string]float64{"lat": 1, "lng": 1})
	if rec.Code != http.StatusConflict {
		t.Fatalf("third click: %d", rec.Code)
	}

	snap := f.waitSnapshot(t, id, func(s session.Snapshot) bool { return s.CanRequest })
	if snap.Pickup.Address != "37.6878, -121.7081" || snap.Dropoff.Lat != 40.7128 {
		t.Fatalf("unexpected selection %+v / %+v", snap.Pickup, snap.Dropoff)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/request", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("request: %d %s", rec.Code, rec.Body.String())
	}
	snap = f.waitSnapshot(t, id, func(s session.Snapshot) bool { return s.Confirmed })
	if snap.Countdown != 300 || snap.CountdownText != "5:00" || snap.CanRequest {
		t.Fatalf("unexpected confirmed snapshot %+v", snap)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/clicks", map[string]float64{"lat": 1, "lng": 1})
	if rec.Code != http.StatusConflict {
		t.Fatalf("click after confirmation: %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: %d", rec.Code)
	}
	snap = decodeSnapshot(t, rec)
	if snap.Phase != session.PhaseIdle || snap.Pickup != nil || snap.Confirmed || snap.Countdown != 0 {
		t.Fatalf("unexpected reset snapshot %+v", snap)
	}
}

func TestClickValidation(t *testing.T) {
	f := newFixture(t, okRequester{})
	id := f.createSession(t)

	cases := []struct {
		name string
		body interface{}
		want int
	}{
		{"missing lng", map[string]float64{"lat": 1}, http.StatusBadRequest},
		{"out of range", map[string]float64{"lat": 91, "lng": 0}, http.StatusBadRequest},
		{"unknown feature", map[string]string{"feature_id": "nope"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/clicks", tc.body); rec.Code != tc.want {
				t.Fatalf("got %d, want %d", rec.Code, tc.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+id+"/clicks", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: %d", rec.Code)
	}
}

func TestUnknownAndClosedSessions(t *testing.T) {
	f := newFixture(t, okRequester{})
	if rec := f.do(t, http.MethodGet, "/api/v1/sessions/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session: %d", rec.Code)
	}
	id := f.createSession(t)
	if rec := f.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/reset", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("reset after delete: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", rec.Code)
	}
}

func TestFeaturesEndpoint(t *testing.T) {
	f := newFixture(t, okRequester{})
	rec := f.do(t, http.MethodGet, "/api/v1/features", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/geo+json" {
		t.Fatalf("features: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "City Hall") {
		t.Fatalf("features body: %s", rec.Body.String())
	}
}

func (f *fixture) connectBus(t *testing.T, id string, loc models.Coord) *recordingConn {
	t.Helper()
	conn := &recordingConn{}
	b := dispatch.NewBus(id, conn)
	b.UpdateLoc(loc, time.Now())
	b.AddStop(models.Coord{Lat: loc.Lat + 0.01, Lon: loc.Lon})
	f.registry.Add(b)
	if err := f.geo.Upsert(context.Background(), models.Bus{ID: id, Loc: loc, Online: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return conn
}

func TestPassengerRequestRide(t *testing.T) {
	f := newFixture(t, okRequester{})
	const q = "/passenger/request_ride?pickup_lat=40.7128&pickup_lon=-74.006&dropoff_lat=40.7484&dropoff_lon=-73.9857"

	if rec := f.do(t, http.MethodGet, "/passenger/request_ride?pickup_lat=x", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid params: %d", rec.Code)
	}
	rec := f.do(t, http.MethodGet, q, nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "no buses available") {
		t.Fatalf("no buses: %d %s", rec.Code, rec.Body.String())
	}

	conn := f.connectBus(t, "bus-1", models.Coord{Lat: 40.71, Lon: -74.0})
	rec = f.do(t, http.MethodGet, q, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("request: %d %s", rec.Code, rec.Body.String())
	}
	var resp rideResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.BusID != "bus-1" || resp.Status != models.RideDispatched || resp.ETA <= 0 {
		t.Fatalf("unexpected response %+v", resp)
	}

	sent := conn.sent()
	if len(sent) != 1 {
		t.Fatalf("expected one message to the bus, got %d", len(sent))
	}
	msg, ok := sent[0].(dispatch.RideRequestMessage)
	if !ok || msg.Type != dispatch.TypeRideRequest || msg.RideID != resp.RideID || msg.Dropoff.Latitude != 40.7484 {
		t.Fatalf("unexpected bus message %#v", sent[0])
	}

	rec = f.do(t, http.MethodGet, "/api/v1/rides/"+resp.RideID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get ride: %d", rec.Code)
	}
	var stored models.RideRecord
	_ = json.Unmarshal(rec.Body.Bytes(), &stored)
	if stored.Status != models.RideDispatched || stored.BusID != "bus-1" {
		t.Fatalf("stored ride %+v", stored)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/rides/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing ride: %d", rec.Code)
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestSessionWebsocketStreamsSnapshots(t *testing.T) {
	f := newFixture(t, okRequester{})
	ts := httptest.NewServer(f.srv)
	defer ts.Close()
	id := f.createSession(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/sessions/"+id), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snap session.Snapshot
	if err := conn.ReadJSON(&snap); err != nil || snap.ID != id {
		t.Fatalf("initial snapshot %+v: %v", snap, err)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/clicks", map[string]float64{"lat": 10, "lng": 20}); rec.Code != http.StatusAccepted {
		t.Fatalf("click: %d", rec.Code)
	}
	for snap.Pickup == nil {
		if err := conn.ReadJSON(&snap); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if snap.Pickup.Address != "10.0000, 20.0000" {
		t.Fatalf("pickup %+v", snap.Pickup)
	}

	if rec := f.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Fatalf("expected going-away close, got %v", err)
			}
			break
		}
	}
}

func TestDriverWebsocket(t *testing.T) {
	f := newFixture(t, okRequester{})
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	if rec := f.do(t, http.MethodGet, "/ws/driver", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing bus_id: %d", rec.Code)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/driver?bus_id=bus-7"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	exchange := func(frame string) map[string]interface{} {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write: %v", err)
		}
		var reply map[string]interface{}
		if err := conn.ReadJSON(&reply); err != nil {
			t.Fatalf("read: %v", err)
		}
		return reply
	}

	if r := exchange(`{"type":"LOC_PING","location":[40.71,-74.0],"loc_time":1700000000}`); r["msg"] != "Location ping received" {
		t.Fatalf("loc ping reply %v", r)
	}
	if r := exchange(`{"type":"STOP_RECVD","location":[40.72,-74.0]}`); r["msg"] != "Stop received" {
		t.Fatalf("stop reply %v", r)
	}
	if r := exchange(`{"type":"GET_NEXT"}`); r["msg"] != "Next stop" || r["stop"] == nil {
		t.Fatalf("next reply %v", r)
	}
	if r := exchange(`{"type":"DANCE"}`); r["msg"] != "Unknown message type" {
		t.Fatalf("unknown reply %v", r)
	}

	near, err := f.geo.Nearby(context.Background(), 40.71, -74.0, 1)
	if err != nil || len(near) != 1 || near[0].ID != "bus-7" {
		t.Fatalf("bus not indexed: %v %v", near, err)
	}
	if _, ok := f.registry.Get("bus-7"); !ok {
		t.Fatalf("bus not registered")
	}
}

// The rider flow calling this process's own ride service over HTTP.
func TestSessionRequestReachesBus(t *testing.T) {
	client := rideclient.New("", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f := newFixture(t, client)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()
	client.Endpoint = ts.URL + "/passenger/request_ride"

	conn := f.connectBus(t, "bus-1", models.Coord{Lat: 40.71, Lon: -74.0})
	id := f.createSession(t)
	f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/clicks", map[string]float64{"lat": 40.7128, "lng": -74.006})
	f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/clicks", map[string]float64{"lat": 40.7484, "lng": -73.9857})
	f.waitSnapshot(t, id, func(s session.Snapshot) bool { return s.CanRequest })

	if rec := f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/request", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("request: %d", rec.Code)
	}
	f.waitSnapshot(t, id, func(s session.Snapshot) bool { return s.Confirmed })
	if len(conn.sent()) != 1 {
		t.Fatalf("bus received %d messages", len(conn.sent()))
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, okRequester{})
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestNearbyBuses(t *testing.T) {
	f := newFixture(t, okRequester{})
	f.connectBus(t, "bus-far", models.Coord{Lat: 40.80, Lon: -74.0})
	f.connectBus(t, "bus-near", models.Coord{Lat: 40.713, Lon: -74.006})

	rec := f.do(t, http.MethodGet, "/api/v1/buses?lat=40.7128&lng=-74.006&limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("buses: %d %s", rec.Code, rec.Body.String())
	}
	var buses []models.Bus
	if err := json.Unmarshal(rec.Body.Bytes(), &buses); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(buses) != 1 || buses[0].ID != "bus-near" {
		t.Fatalf("buses = %+v", buses)
	}

	for _, q := range []string{"lat=x&lng=1", "lat=1&lng=1&limit=0"} {
		if rec := f.do(t, http.MethodGet, "/api/v1/buses?"+q, nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: %d", q, rec.Code)
		}
	}
	rec = f.do(t, http.MethodGet, "/api/v1/buses?lat=0&lng=0", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "[") {
		t.Fatalf("empty area: %d %s", rec.Code, rec.Body.String())
	}
}
