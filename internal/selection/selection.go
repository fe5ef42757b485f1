// Package selection turns a stream of map clicks into a pickup/drop-off pair.
//
// The slot a click fills is decided when the click arrives, not when its
// reverse-geocode lookup resolves. The decision travels with the lookup as a
// Ticket, so two quick clicks keep their order whatever the lookup latency.
package selection

import (
	"errors"

	"github.com/example/ridebus/internal/models"
)

type Slot int

const (
	SlotPickup Slot = iota
	SlotDropoff
)

func (s Slot) String() string {
	switch s {
	case SlotPickup:
		return "pickup"
	case SlotDropoff:
		return "dropoff"
	default:
		return "unknown"
	}
}

func (s Slot) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ErrSelectionFull is returned for clicks arriving after both slots were
// claimed. Such clicks are ignored until Reset.
var ErrSelectionFull = errors.New("selection: pickup and drop-off already chosen")

// Ticket is handed out for an accepted click and must be passed back to
// Resolve once the point's address is known.
type Ticket struct {
	Slot  Slot
	Epoch uint64
	Lat   float64
	Lng   float64
}

// Machine is not safe for concurrent use; the owning session serialises
// access on its event loop.
type Machine struct {
	epoch   uint64
	claimed [2]bool
	points  [2]*models.GeoPoint
}

func New() *Machine { return &Machine{} }

// Click claims the next free slot.
func (m *Machine) Click(lat, lng float64) (Ticket, error) {
	for _, slot := range []Slot{SlotPickup, SlotDropoff} {
		if !m.claimed[slot] {
			m.claimed[slot] = true
			return Ticket{Slot: slot, Epoch: m.epoch, Lat: lat, Lng: lng}, nil
		}
	}
	return Ticket{}, ErrSelectionFull
}

// Resolve stores the point for a ticket. It reports whether the visible
// state changed; tickets from before the last Reset are dropped.
func (m *Machine) Resolve(t Ticket, p models.GeoPoint) bool {
	if t.Epoch != m.epoch || !m.claimed[t.Slot] || m.points[t.Slot] != nil {
		return false
	}
	m.points[t.Slot] = &p
	if t.Slot == SlotDropoff && m.points[SlotPickup] == nil {
		// held back until pickup resolves
		return false
	}
	return true
}

// State returns a copy of the visible selection.
func (m *Machine) State() models.SelectionState {
	var st models.SelectionState
	if p := m.points[SlotPickup]; p != nil {
		pickup := *p
		st.Pickup = &pickup
		if d := m.points[SlotDropoff]; d != nil {
			dropoff := *d
			st.Dropoff = &dropoff
		}
	}
	return st
}

func (m *Machine) Complete() bool { return m.State().Complete() }

// Empty reports whether no click has been accepted since the last reset.
func (m *Machine) Empty() bool { return !m.claimed[SlotPickup] && !m.claimed[SlotDropoff] }

// Pending counts claimed slots still waiting for their lookup.
func (m *Machine) Pending() int {
	n := 0
	for i := range m.claimed {
		if m.claimed[i] && m.points[i] == nil {
			n++
		}
	}
	return n
}

func (m *Machine) Epoch() uint64 { return m.epoch }

// Reset empties both slots and invalidates every outstanding ticket.
func (m *Machine) Reset() {
	m.epoch++
	m.claimed = [2]bool{}
	m.points = [2]*models.GeoPoint{}
}
