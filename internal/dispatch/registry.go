package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ridebus/internal/observability"
)

var ErrNoSession = errors.New("dispatch: bus not connected")

// Registry holds connected buses.
type Registry struct {
	mu    sync.RWMutex
	buses map[string]*Bus
}

func NewRegistry() *Registry { return &Registry{buses: make(map[string]*Bus)} }

// Add registers b, replacing and closing an older connection with the same id.
func (r *Registry) Add(b *Bus) {
	r.mu.Lock()
	old, ok := r.buses[b.ID]
	r.buses[b.ID] = b
	n := len(r.buses)
	r.mu.Unlock()
	if ok && old != b {
		_ = old.conn.Close()
	}
	observability.BusesOnline.Set(float64(n))
}

// Remove unregisters b if it is still the current connection for its id.
func (r *Registry) Remove(b *Bus) {
	r.mu.Lock()
	if cur, ok := r.buses[b.ID]; ok && cur == b {
		delete(r.buses, b.ID)
	}
	n := len(r.buses)
	r.mu.Unlock()
	observability.BusesOnline.Set(float64(n))
}

func (r *Registry) Get(id string) (*Bus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buses[id]
	return b, ok
}

func (r *Registry) All() []*Bus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Bus, 0, len(r.buses))
	for _, b := range r.buses {
		out = append(out, b)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buses)
}

// Send writes v to the bus with the given id.
func (r *Registry) Send(id string, v interface{}) error {
	b, ok := r.Get(id)
	if !ok {
		return ErrNoSession
	}
	return b.Send(v)
}

// RunPing sends a PING to every bus each interval until ctx is done.
func (r *Registry) RunPing(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, b := range r.All() {
				if err := b.Send(Message{Type: TypePing}); err != nil {
					logger.Warn("bus ping failed", "bus", b.ID, "error", err)
				}
			}
		}
	}
}
