package dispatch

import (
	"sync"
	"time"

	"github.com/example/ridebus/internal/models"
)

// Conn is the write side of a driver websocket.
type Conn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// SendTimeout bounds a single write to a driver so one stalled connection
// cannot hold the write lock.
var SendTimeout = 10 * time.Second

// Bus is a connected driver: its channel, last known position and the
// ordered stops it has accepted.
type Bus struct {
	ID string

	conn    Conn
	writeMu sync.Mutex

	mu      sync.RWMutex
	loc     *models.Coord
	locTime time.Time
	route   []models.Coord
}

func NewBus(id string, conn Conn) *Bus { return &Bus{ID: id, conn: conn} }

// Send serialises writes; websocket connections allow one writer at a time.
func (b *Bus) Send(v interface{}) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.SetWriteDeadline(time.Now().Add(SendTimeout)); err != nil {
		return err
	}
	return b.conn.WriteJSON(v)
}

func (b *Bus) UpdateLoc(c models.Coord, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loc = &c
	b.locTime = at
}

func (b *Bus) Location() (models.Coord, time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.loc == nil {
		return models.Coord{}, time.Time{}, false
	}
	return *b.loc, b.locTime, true
}

func (b *Bus) AddStop(c models.Coord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.route = append(b.route, c)
}

// RemoveStop drops the first stop equal to c and reports whether one was found.
func (b *Bus) RemoveStop(c models.Coord) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.route {
		if s == c {
			b.route = append(b.route[:i], b.route[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Bus) NextStop() (models.Coord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.route) == 0 {
		return models.Coord{}, false
	}
	return b.route[0], true
}

func (b *Bus) Route() []models.Coord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]models.Coord(nil), b.route...)
}

// Available reports whether the bus can take rides: it has sent a position
// and is running a route.
func (b *Bus) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loc != nil && len(b.route) > 0
}
