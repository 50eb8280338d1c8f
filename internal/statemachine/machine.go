package statemachine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/trail-map-sync/internal/domain"
	"github.com/couchcryptid/trail-map-sync/internal/observability"
)

// Update is one published transition.
type Update struct {
	Token domain.FetchToken
	State domain.SyncState
	At    time.Time
}

// Outcome is the result of one refresh cycle.
type Outcome struct {
	Pins   []domain.Pin
	Source domain.Source
	Err    error
}

// Observer receives every published update, in order, while the machine
// holds its lock. Implementations must not block or call back into the machine.
type Observer interface {
	Observe(u Update)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(u Update)

func (f ObserverFunc) Observe(u Update) { f(u) }

// Machine owns the published SyncState and the latest FetchToken.
type Machine struct {
	mu        sync.Mutex
	seq       uint64
	latest    domain.FetchToken
	completed bool
	current   Update
	observers []Observer
	subs      map[uint64]chan Update
	nextSub   uint64

	ready   atomic.Bool
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the time source used to stamp updates.
func WithClock(c clockwork.Clock) Option {
	return func(m *Machine) {
		m.clock = c
	}
}

// WithObserver registers an observer at construction time.
func WithObserver(o Observer) Option {
	return func(m *Machine) {
		m.observers = append(m.observers, o)
	}
}

// New creates a Machine in the Loading state.
func New(logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Machine {
	m := &Machine{
		subs:    make(map[uint64]chan Update),
		clock:   clockwork.NewRealClock(),
		logger:  logger,
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.current = Update{State: domain.Loading{}, At: m.clock.Now()}
	return m
}

// AddObserver registers o for all subsequent updates.
func (m *Machine) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// BeginCycle mints a new latest token, superseding any earlier one, and
// publishes Loading before returning.
func (m *Machine) BeginCycle() domain.FetchToken {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	token := domain.NewFetchToken(m.seq)
	m.latest = token
	m.completed = false

	m.publishLocked(Update{Token: token, State: domain.Loading{}, At: m.clock.Now()})
	return token
}

// CompleteCycle publishes Ready or Error for token if it is still the latest
// and has not completed yet. It reports whether anything was published.
// Cancellation errors are never published.
func (m *Machine) CompleteCycle(token domain.FetchToken, out Outcome) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !token.Same(m.latest) || m.completed {
		m.metrics.StaleCompletions.Inc()
		m.logger.Debug("discarding stale cycle result",
			"cycle_id", token.CycleID(),
			"latest_cycle_id", m.latest.CycleID(),
		)
		return false
	}
	if domain.IsCancelled(out.Err) {
		m.logger.Debug("cycle cancelled", "cycle_id", token.CycleID())
		return false
	}

	var state domain.SyncState
	if out.Err != nil {
		state = domain.Error{Message: domain.ErrorMessage(out.Err)}
	} else {
		pins := out.Pins
		if pins == nil {
			pins = []domain.Pin{}
		}
		state = domain.Ready{Pins: pins, Source: out.Source}
	}

	m.completed = true
	m.publishLocked(Update{Token: token, State: state, At: m.clock.Now()})
	m.ready.Store(true)
	return true
}

// Current returns the most recently published update.
func (m *Machine) Current() Update {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Latest returns the most recently issued token.
func (m *Machine) Latest() domain.FetchToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// IsLatest reports whether token is still the most recently issued one.
func (m *Machine) IsLatest(token domain.FetchToken) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return token.Same(m.latest)
}

// Subscribe returns a channel that receives the current update immediately
// and every later one. When the subscriber falls behind by more than buffer
// updates the oldest queued update is dropped, so the newest state always
// arrives. The returned func unsubscribes and closes the channel.
func (m *Machine) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Update, buffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.current
	m.mu.Unlock()

	cancel := sync.OnceFunc(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
		close(ch)
	})
	return ch, cancel
}

// CheckReadiness returns nil once a Ready or Error state has been published.
func (m *Machine) CheckReadiness(_ context.Context) error {
	if !m.ready.Load() {
		return errors.New("no refresh cycle has completed yet")
	}
	return nil
}

func (m *Machine) publishLocked(u Update) {
	m.current = u

	kind := u.State.Kind()
	m.metrics.StatesPublished.WithLabelValues(string(kind)).Inc()
	if r, ok := u.State.(domain.Ready); ok {
		m.metrics.PinsPublished.WithLabelValues(string(r.Source)).Observe(float64(len(r.Pins)))
	}
	m.logger.Debug("state published", "state", kind, "cycle_id", u.Token.CycleID())

	for _, o := range m.observers {
		o.Observe(u)
	}
	for _, ch := range m.subs {
		offer(ch, u)
	}
}

// offer sends u, evicting the oldest queued update if ch is full.
func offer(ch chan Update, u Update) {
	for {
		select {
		case ch <- u:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
