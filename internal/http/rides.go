package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ridebus/internal/dispatch"
	"github.com/example/ridebus/internal/models"
	"github.com/example/ridebus/internal/storage"
)

type rideResponse struct {
	RideID string  `json:"ride_id"`
	BusID  string  `json:"bus_id,omitempty"`
	ETA    float64 `json:"eta_seconds"`
	Status string  `json:"status"`
}

func parseCoord(r *http.Request, latKey, lonKey string) (models.Coord, bool) {
	lat, err := strconv.ParseFloat(r.URL.Query().Get(latKey), 64)
	if err != nil {
		return models.Coord{}, false
	}
	lon, err := strconv.ParseFloat(r.URL.Query().Get(lonKey), 64)
	if err != nil {
		return models.Coord{}, false
	}
	return models.Coord{Lat: lat, Lon: lon}, validCoord(lat, lon)
}

// handlePassengerRequest is the ride service: it records the request and
// hands it to the nearest available bus.
func (s *Server) handlePassengerRequest(w http.ResponseWriter, r *http.Request) {
	pickup, ok := parseCoord(r, "pickup_lat", "pickup_lon")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pickup location")
		return
	}
	dropoff, ok := parseCoord(r, "dropoff_lat", "dropoff_lon")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dropoff location")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	rec := models.RideRecord{
		ID:        uuid.NewString(),
		Pickup:    pickup,
		Dropoff:   dropoff,
		Status:    models.RideRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveRide(ctx, &rec); err != nil {
		s.logger.Error("save ride failed", "ride_id", rec.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if s.publisher != nil {
		if err := s.publisher.PublishRideRequest(ctx, rec); err != nil {
			s.logger.Warn("publish ride request failed", "ride_id", rec.ID, "error", err)
		}
	}

	a, err := s.dispatcher.Dispatch(ctx, rec.ID, pickup, dropoff)
	if err != nil {
		rec.Status = models.RideUnassigned
		s.updateRide(ctx, &rec)
		if errors.Is(err, dispatch.ErrNoBus) {
			writeError(w, http.StatusServiceUnavailable, "no buses available")
			return
		}
		s.logger.Error("dispatch failed", "ride_id", rec.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	rec.Status = models.RideDispatched
	rec.BusID = a.BusID
	rec.ETA = a.ETA
	s.updateRide(ctx, &rec)
	writeJSON(w, http.StatusOK, rideResponse{RideID: rec.ID, BusID: rec.BusID, ETA: rec.ETA, Status: rec.Status})
}

func (s *Server) updateRide(ctx context.Context, rec *models.RideRecord) {
	rec.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateRide(ctx, rec); err != nil {
		s.logger.Warn("update ride failed", "ride_id", rec.ID, "status", rec.Status, "error", err)
	}
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRide(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "ride not found")
		return
	}
	if err != nil {
		s.logger.Error("get ride failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleNearbyBuses lists online buses around a point, nearest first.
func (s *Server) handleNearbyBuses(w http.ResponseWriter, r *http.Request) {
	at, ok := parseCoord(r, "lat", "lng")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid location")
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	buses, err := s.geo.Nearby(r.Context(), at.Lat, at.Lon, limit)
	if err != nil {
		s.logger.Error("nearby buses failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if buses == nil {
		buses = []models.Bus{}
	}
	writeJSON(w, http.StatusOK, buses)
}

// handleDriverWS attaches a bus driver to the dispatch channel for the
// lifetime of the connection.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("bus_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "bus_id required")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("driver websocket upgrade failed", "bus", id, "error", err)
		return
	}
	defer conn.Close()
	s.channel.Serve(r.Context(), dispatch.NewBus(id, conn), conn)
}
