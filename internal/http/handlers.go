package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ridebus/internal/dispatch"
	"github.com/example/ridebus/internal/features"
	"github.com/example/ridebus/internal/geo"
	"github.com/example/ridebus/internal/models"
	"github.com/example/ridebus/internal/selection"
	"github.com/example/ridebus/internal/session"
	"github.com/example/ridebus/internal/storage"
)

// RidePublisher streams accepted ride requests to other consumers.
type RidePublisher interface {
	PublishRideRequest(ctx context.Context, r models.RideRecord) error
}

// Deps are the components the API is served from. Publisher may be nil.
type Deps struct {
	Sessions   *session.Manager
	Channel    *dispatch.Channel
	Dispatcher *dispatch.Dispatcher
	Store      storage.RideStore
	Publisher  RidePublisher
	Features   *features.Collection
	Geo        geo.Geo
	Logger     *slog.Logger

	// AllowedOrigins is passed to the websocket origin check.
	AllowedOrigins []string
}

type Server struct {
	sessions   *session.Manager
	channel    *dispatch.Channel
	dispatcher *dispatch.Dispatcher
	store      storage.RideStore
	publisher  RidePublisher
	features   *features.Collection
	geo        geo.Geo
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	mux        *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Features == nil {
		d.Features = features.Empty()
	}
	if d.Geo == nil {
		d.Geo = geo.NewIndex()
	}
	s := &Server{
		sessions:   d.Sessions,
		channel:    d.Channel,
		dispatcher: d.Dispatcher,
		store:      d.Store,
		publisher:  d.Publisher,
		features:   d.Features,
		geo:        d.Geo,
		logger:     d.Logger,
		upgrader:   websocket.Upgrader{CheckOrigin: originChecker(d.AllowedOrigins)},
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleCloseSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/clicks", s.handleClick).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/request", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/reset", s.handleReset).Methods(http.MethodPost)
	api.HandleFunc("/features", s.handleFeatures).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/buses", s.handleNearbyBuses).Methods(http.MethodGet)

	s.mux.HandleFunc("/passenger/request_ride", s.handlePassengerRequest).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws/sessions/{id}", s.handleSessionWS)
	s.mux.HandleFunc("/ws/driver", s.handleDriverWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

// sessionError maps session errors to responses. Closed sessions look the
// same as unknown ones.
func sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, selection.ErrSelectionFull),
		errors.Is(err, session.ErrNotSelecting),
		errors.Is(err, session.ErrNotReady):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Create()
	snap, err := sess.Snapshot()
	if err != nil {
		sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	snap, err := sess.Snapshot()
	if err != nil {
		sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type clickRequest struct {
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	FeatureID string   `json:"feature_id"`
}

type clickResponse struct {
	Slot selection.Slot `json:"slot"`
	Lat  float64        `json:"lat"`
	Lng  float64        `json:"lng"`
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	var req clickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	var lat, lng float64
	switch {
	case req.FeatureID != "":
		f, ok := s.features.Get(req.FeatureID)
		if !ok {
			writeError(w, http.StatusNotFound, "feature not found")
			return
		}
		lat, lng = f.Lat, f.Lng
	case req.Lat != nil && req.Lng != nil:
		lat, lng = *req.Lat, *req.Lng
	default:
		writeError(w, http.StatusBadRequest, "lat and lng required")
		return
	}
	if !validCoord(lat, lng) {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}
	slot, err := sess.Click(lat, lng)
	if err != nil {
		sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, clickResponse{Slot: slot, Lat: lat, Lng: lng})
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	if err := sess.RequestRide(); err != nil {
		sessionError(w, err)
		return
	}
	snap, err := sess.Snapshot()
	if err != nil {
		sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	snap, err := sess.Reset()
	if err != nil {
		sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	body, err := s.features.GeoJSON()
	if err != nil {
		s.logger.Error("render features", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(body)
}

// originChecker allows requests without an Origin header, any origin when
// "*" is listed, and otherwise only the listed origins. With nothing listed
// it returns nil, which keeps the upgrader's same-origin check.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

const wsWriteWait = 10 * time.Second

// handleSessionWS streams session snapshots until either side goes away.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("session websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	snaps, cancel, err := sess.Subscribe()
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
		return
	}
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case snap, ok := <-snaps:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		}
	}
}

func validCoord(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
