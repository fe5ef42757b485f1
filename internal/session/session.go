// Package session hosts one rider's booking flow: point selection, the ride
// request and the post-confirmation countdown.
//
// Every state transition runs on the session's event loop goroutine. Reverse
// lookups and the ride request run in their own goroutines under a context
// scoped to the current selection and post their results back to the loop,
// where results from before a reset are discarded.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/example/ridebus/internal/countdown"
	"github.com/example/ridebus/internal/models"
	"github.com/example/ridebus/internal/observability"
	"github.com/example/ridebus/internal/selection"
)

var (
	// ErrNotReady is returned by RequestRide unless both points are set and
	// no request is in flight.
	ErrNotReady = errors.New("session: pickup and drop-off required")
	// ErrNotSelecting is returned for clicks once a ride was requested.
	ErrNotSelecting = errors.New("session: selection closed until reset")
	ErrClosed       = errors.New("session: closed")
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSelecting  Phase = "selecting"
	PhaseRequesting Phase = "requesting"
	PhaseConfirmed  Phase = "confirmed"
)

// Resolver turns a click into a GeoPoint. It must always return a point.
type Resolver interface {
	Resolve(ctx context.Context, lat, lng float64) models.GeoPoint
}

// Requester sends the ride request and waits for it to settle.
type Requester interface {
	RequestRide(ctx context.Context, pickup, dropoff models.GeoPoint) error
}

type Options struct {
	Resolver  Resolver
	Requester Requester
	NewTicker TickerFunc
	Logger    *slog.Logger

	CountdownSeconds int
	TickInterval     time.Duration
	// RequestTimeout bounds the ride request; zero leaves it bounded only by
	// reset and close.
	RequestTimeout time.Duration
}

// Snapshot is the externally visible state of a session.
type Snapshot struct {
	ID             string           `json:"id"`
	Version        uint64           `json:"version"`
	Phase          Phase            `json:"phase"`
	Pickup         *models.GeoPoint `json:"pickup"`
	Dropoff        *models.GeoPoint `json:"dropoff"`
	PendingLookups int              `json:"pending_lookups"`
	CanRequest     bool             `json:"can_request"`
	Requesting     bool             `json:"requesting"`
	Confirmed      bool             `json:"confirmed"`
	Countdown      int              `json:"countdown"`
	CountdownText  string           `json:"countdown_text"`
}

const subBuffer = 16

type Session struct {
	id   string
	opts Options
	log  *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	ops        chan func()
	stopped    chan struct{}
	lastActive atomic.Int64
	watchers   atomic.Int32

	// owned by the loop
	sel        *selection.Machine
	flowCtx    context.Context
	flowCancel context.CancelFunc
	requesting bool
	confirmed  bool
	countdown  countdown.Countdown
	ticker     Ticker
	version    uint64
	subs       map[int]chan Snapshot
	nextSub    int
}

func New(id string, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewRealTicker
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.CountdownSeconds <= 0 {
		opts.CountdownSeconds = countdown.DefaultSeconds
	}
	s := &Session{
		id:      id,
		opts:    opts,
		log:     opts.Logger.With("session", id),
		ops:     make(chan func()),
		stopped: make(chan struct{}),
		sel:     selection.New(),
		subs:    make(map[int]chan Snapshot),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.flowCtx, s.flowCancel = context.WithCancel(s.ctx)
	s.touch()
	observability.SessionsActive.Inc()
	go s.run()
	return s
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session loop has exited.
func (s *Session) Done() <-chan struct{} { return s.stopped }

// LastActive is the time of the last caller interaction.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

func (s *Session) touch() { s.lastActive.Store(time.Now().UnixNano()) }

// Watched reports whether any snapshot subscription is open.
func (s *Session) Watched() bool { return s.watchers.Load() > 0 }

func (s *Session) run() {
	defer close(s.stopped)
	defer observability.SessionsActive.Dec()
	for {
		var tick <-chan time.Time
		if s.ticker != nil {
			tick = s.ticker.C()
		}
		select {
		case <-s.ctx.Done():
			s.flowCancel()
			s.stopTicker()
			for id, ch := range s.subs {
				close(ch)
				delete(s.subs, id)
			}
			s.watchers.Store(0)
			return
		case op := <-s.ops:
			op()
		case <-tick:
			s.onTick()
		}
	}
}

// exec runs fn on the loop and waits for it.
func (s *Session) exec(fn func()) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	done := make(chan struct{})
	select {
	case s.ops <- func() { defer close(done); fn() }:
	case <-s.stopped:
		return ErrClosed
	}
	<-done
	return nil
}

// post hands a result from a background goroutine to the loop.
func (s *Session) post(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.stopped:
	}
}

// Click accepts a map click and returns the slot it will fill once the
// address lookup completes.
func (s *Session) Click(lat, lng float64) (selection.Slot, error) {
	s.touch()
	var (
		slot selection.Slot
		cerr error
	)
	err := s.exec(func() {
		if s.requesting || s.confirmed {
			cerr = ErrNotSelecting
			return
		}
		t, err := s.sel.Click(lat, lng)
		if err != nil {
			cerr = err
			return
		}
		slot = t.Slot
		s.emit()
		go s.lookup(s.flowCtx, t)
	})
	if err != nil {
		return 0, err
	}
	switch {
	case cerr == nil:
		observability.ClicksTotal.WithLabelValues("accepted").Inc()
	case errors.Is(cerr, selection.ErrSelectionFull):
		observability.ClicksTotal.WithLabelValues("ignored").Inc()
	default:
		observability.ClicksTotal.WithLabelValues("rejected").Inc()
	}
	return slot, cerr
}

func (s *Session) lookup(ctx context.Context, t selection.Ticket) {
	p := s.opts.Resolver.Resolve(ctx, t.Lat, t.Lng)
	s.post(func() {
		if t.Epoch != s.sel.Epoch() {
			return
		}
		s.sel.Resolve(t, p)
		s.log.Debug("point resolved", "slot", t.Slot.String(), "address", p.Address)
		s.emit()
	})
}

// RequestRide starts the single outbound ride request. The session confirms
// when it settles, whether it succeeded or not.
func (s *Session) RequestRide() error {
	s.touch()
	var rerr error
	err := s.exec(func() {
		if !s.canRequest() {
			rerr = ErrNotReady
			return
		}
		st := s.sel.State()
		pickup, dropoff := *st.Pickup, *st.Dropoff
		s.requesting = true
		s.emit()

		ctx := s.flowCtx
		cancel := func() {}
		if s.opts.RequestTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		}
		epoch := s.sel.Epoch()
		go func() {
			defer cancel()
			err := s.opts.Requester.RequestRide(ctx, pickup, dropoff)
			s.post(func() { s.settle(epoch, err) })
		}()
	})
	if err != nil {
		return err
	}
	return rerr
}

func (s *Session) settle(epoch uint64, err error) {
	if epoch != s.sel.Epoch() || !s.requesting {
		return
	}
	if err != nil {
		// the rider is confirmed regardless; failures only show up here
		observability.RideRequestsTotal.WithLabelValues("failure").Inc()
		s.log.Warn("ride request failed", "error", err)
	} else {
		observability.RideRequestsTotal.WithLabelValues("success").Inc()
	}
	s.requesting = false
	s.confirmed = true
	s.countdown.Start(s.opts.CountdownSeconds)
	s.startTicker()
	observability.ConfirmationsTotal.Inc()
	s.log.Info("ride confirmed", "countdown", s.countdown.Remaining())
	s.emit()
}

// Reset returns the session to idle from any phase. Outstanding lookups and
// an in-flight request are cancelled and their results ignored.
func (s *Session) Reset() (Snapshot, error) {
	s.touch()
	var snap Snapshot
	err := s.exec(func() {
		s.flowCancel()
		s.flowCtx, s.flowCancel = context.WithCancel(s.ctx)
		s.sel.Reset()
		s.requesting = false
		s.confirmed = false
		s.countdown.Reset()
		s.stopTicker()
		s.emit()
		snap = s.snapshot()
	})
	return snap, err
}

func (s *Session) Snapshot() (Snapshot, error) {
	s.touch()
	var snap Snapshot
	err := s.exec(func() { snap = s.snapshot() })
	return snap, err
}

// Subscribe streams snapshots, starting with the current one. Slow readers
// lose intermediate snapshots, never the latest. The channel is closed by
// the returned cancel func or when the session closes.
func (s *Session) Subscribe() (<-chan Snapshot, func(), error) {
	s.touch()
	ch := make(chan Snapshot, subBuffer)
	var id int
	err := s.exec(func() {
		id = s.nextSub
		s.nextSub++
		s.subs[id] = ch
		s.watchers.Add(1)
		ch <- s.snapshot()
	})
	if err != nil {
		return nil, func() {}, err
	}
	cancel := func() {
		_ = s.exec(func() {
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				s.watchers.Add(-1)
				close(c)
			}
			s.touch()
		})
	}
	return ch, cancel, nil
}

// Close cancels all in-flight work and waits for the loop to exit.
func (s *Session) Close() {
	s.cancel()
	<-s.stopped
}

func (s *Session) canRequest() bool {
	return s.sel.Complete() && !s.requesting && !s.confirmed
}

func (s *Session) phase() Phase {
	switch {
	case s.confirmed:
		return PhaseConfirmed
	case s.requesting:
		return PhaseRequesting
	case s.sel.Empty():
		return PhaseIdle
	default:
		return PhaseSelecting
	}
}

func (s *Session) snapshot() Snapshot {
	st := s.sel.State()
	return Snapshot{
		ID:             s.id,
		Version:        s.version,
		Phase:          s.phase(),
		Pickup:         st.Pickup,
		Dropoff:        st.Dropoff,
		PendingLookups: s.sel.Pending(),
		CanRequest:     s.canRequest(),
		Requesting:     s.requesting,
		Confirmed:      s.confirmed,
		Countdown:      s.countdown.Remaining(),
		CountdownText:  countdown.Format(s.countdown.Remaining()),
	}
}

func (s *Session) emit() {
	s.version++
	snap := s.snapshot()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (s *Session) startTicker() {
	s.stopTicker()
	if s.countdown.Done() {
		return
	}
	s.ticker = s.opts.NewTicker(s.opts.TickInterval)
}

func (s *Session) stopTicker() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

func (s *Session) onTick() {
	if s.countdown.Tick() {
		s.emit()
	}
	if s.countdown.Done() {
		s.stopTicker()
	}
}
