package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/example/ridebus/internal/geo"
	"github.com/example/ridebus/internal/models"
	"github.com/example/ridebus/internal/observability"
)

// Driver channel message types.
const (
	TypeLocPing     = "LOC_PING"
	TypeStopRecvd   = "STOP_RECVD"
	TypeStopRemoved = "STOP_REMOVED"
	TypeGetNext     = "GET_NEXT"
	TypePing        = "PING"
	TypeRideRequest = "RIDE_REQUEST"
)

type Message struct {
	Type string `json:"type"`
}

// inbound is a driver frame. Location is [lat, lon]; LocTime is unix seconds.
type inbound struct {
	Type     string    `json:"type"`
	Location []float64 `json:"location"`
	LocTime  float64   `json:"loc_time"`
}

type Reply struct {
	Msg string `json:"msg"`
}

type NextStopReply struct {
	Msg  string    `json:"msg"`
	Stop []float64 `json:"stop"`
}

type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type RideRequestMessage struct {
	Type     string  `json:"type"`
	RideID   string  `json:"ride_id"`
	Location Point   `json:"location"`
	Dropoff  Point   `json:"dropoff"`
	ETA      float64 `json:"eta_seconds"`
}

var errBadLocation = errors.New("location must be [lat, lon]")

func (m inbound) coord() (models.Coord, error) {
	if len(m.Location) != 2 {
		return models.Coord{}, errBadLocation
	}
	return models.Coord{Lat: m.Location[0], Lon: m.Location[1]}, nil
}

func locTime(v float64) time.Time {
	if v <= 0 {
		return time.Now()
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// LocationPublisher streams bus positions to other consumers.
type LocationPublisher interface {
	PublishBusLocation(ctx context.Context, b models.Bus) error
}

// Reader is the read side of a driver websocket.
type Reader interface {
	ReadMessage() (int, []byte, error)
}

// Channel implements the driver side protocol.
type Channel struct {
	Registry  *Registry
	Geo       geo.Geo
	Publisher LocationPublisher // optional
	Logger    *slog.Logger
}

// Serve registers b and answers its frames until the connection fails.
func (c *Channel) Serve(ctx context.Context, b *Bus, r Reader) {
	c.Registry.Add(b)
	c.Logger.Info("bus connected", "bus", b.ID)
	defer func() {
		c.Registry.Remove(b)
		if _, still := c.Registry.Get(b.ID); !still {
			if err := c.Geo.Remove(context.WithoutCancel(ctx), b.ID); err != nil {
				c.Logger.Warn("geo remove failed", "bus", b.ID, "error", err)
			}
		}
		c.Logger.Info("bus disconnected", "bus", b.ID)
	}()
	for {
		_, data, err := r.ReadMessage()
		if err != nil {
			return
		}
		if err := b.Send(c.Handle(ctx, b, data)); err != nil {
			c.Logger.Warn("bus reply failed", "bus", b.ID, "error", err)
			return
		}
	}
}

// Handle processes one frame and returns the reply to send.
func (c *Channel) Handle(ctx context.Context, b *Bus, data []byte) interface{} {
	var m inbound
	if err := json.Unmarshal(data, &m); err != nil {
		observability.BusMessagesTotal.WithLabelValues("invalid").Inc()
		return Reply{Msg: "Invalid message"}
	}
	switch m.Type {
	case TypeLocPing:
		observability.BusMessagesTotal.WithLabelValues(m.Type).Inc()
		loc, err := m.coord()
		if err != nil {
			return Reply{Msg: "Invalid location"}
		}
		at := locTime(m.LocTime)
		b.UpdateLoc(loc, at)
		rec := models.Bus{ID: b.ID, Loc: loc, Online: true, Updated: at}
		if err := c.Geo.Upsert(ctx, rec); err != nil {
			c.Logger.Warn("geo upsert failed", "bus", b.ID, "error", err)
		}
		if c.Publisher != nil {
			if err := c.Publisher.PublishBusLocation(ctx, rec); err != nil {
				c.Logger.Warn("publish bus location failed", "bus", b.ID, "error", err)
			}
		}
		return Reply{Msg: "Location ping received"}
	case TypeStopRecvd:
		observability.BusMessagesTotal.WithLabelValues(m.Type).Inc()
		loc, err := m.coord()
		if err != nil {
			return Reply{Msg: "Invalid location"}
		}
		b.AddStop(loc)
		c.Logger.Info("stop received", "bus", b.ID, "lat", loc.Lat, "lon", loc.Lon)
		return Reply{Msg: "Stop received"}
	case TypeStopRemoved:
		observability.BusMessagesTotal.WithLabelValues(m.Type).Inc()
		loc, err := m.coord()
		if err != nil {
			return Reply{Msg: "Invalid location"}
		}
		b.RemoveStop(loc)
		return Reply{Msg: "Stop removed"}
	case TypeGetNext:
		observability.BusMessagesTotal.WithLabelValues(m.Type).Inc()
		reply := NextStopReply{Msg: "Next stop"}
		if next, ok := b.NextStop(); ok {
			reply.Stop = []float64{next.Lat, next.Lon}
		}
		return reply
	default:
		observability.BusMessagesTotal.WithLabelValues("unknown").Inc()
		c.Logger.Error("unknown message type", "bus", b.ID, "type", m.Type)
		return Reply{Msg: "Unknown message type"}
	}
}
