package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/trail-map-sync/internal/domain"
	"github.com/couchcryptid/trail-map-sync/internal/observability"
	"github.com/couchcryptid/trail-map-sync/internal/statemachine"
)

// DefaultDebounce is how long the viewport must stay still before a fetch.
const DefaultDebounce = 250 * time.Millisecond

const (
	triggerInitial   = "initial"
	triggerDebounced = "debounced"
	triggerExplicit  = "explicit"
)

// Coordinator turns viewport events into refresh cycles. It debounces
// camera-idle events, keeps at most one cycle in flight, and hands each
// cycle's outcome to the state machine.
type Coordinator struct {
	primary  domain.PinSource
	fallback domain.PinSource
	machine  *statemachine.Machine
	clock    clockwork.Clock
	debounce time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics

	ctx context.Context

	mu       sync.Mutex
	timer    clockwork.Timer
	gen      uint64
	inFlight domain.FetchToken
	cancel   context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithClock sets the clock driving debounce timers.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// New creates a Coordinator and immediately dispatches a cycle for initial,
// without waiting for the debounce window. Cycles run until ctx is cancelled
// or Close is called.
func New(
	ctx context.Context,
	primary, fallback domain.PinSource,
	machine *statemachine.Machine,
	initial domain.VisibleRegion,
	logger *slog.Logger,
	metrics *observability.Metrics,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		primary:  primary,
		fallback: fallback,
		machine:  machine,
		clock:    clockwork.NewRealClock(),
		debounce: DefaultDebounce,
		logger:   logger,
		metrics:  metrics,
		ctx:      ctx,
	}
	for _, opt := range opts {
		opt(c)
	}

	metrics.CoordinatorActive.Set(1)

	c.mu.Lock()
	c.dispatchLocked(initial, triggerInitial)
	c.mu.Unlock()
	return c
}

// OnViewportSettled records a camera-idle event. Each call restarts the
// debounce window; a fetch for the last region happens once the window
// elapses without another event.
func (c *Coordinator) OnViewportSettled(region domain.VisibleRegion) {
	c.schedule(region)
}

// RequestRefresh is the rendering layer's entry point. It is debounced
// exactly like OnViewportSettled.
func (c *Coordinator) RequestRefresh(region domain.VisibleRegion) {
	c.schedule(region)
}

// RefreshNow dispatches a cycle for region immediately, dropping any
// pending debounced dispatch.
func (c *Coordinator) RefreshNow(region domain.VisibleRegion) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.stopTimerLocked()
	c.dispatchLocked(region, triggerExplicit)
}

// Close stops the pending timer, cancels the in-flight cycle and waits for
// cycle goroutines to return. Later calls on the Coordinator are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopTimerLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.metrics.CoordinatorActive.Set(0)
	c.logger.Info("coordinator closed")
}

func (c *Coordinator) schedule(region domain.VisibleRegion) {
	c.metrics.ViewportEvents.Inc()
	if err := region.Validate(); err != nil {
		c.logger.Warn("ignoring invalid viewport", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.stopTimerLocked() {
		c.metrics.DebounceRestarts.Inc()
	}
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.debounce, func() {
		c.fire(gen, region)
	})
}

func (c *Coordinator) fire(gen uint64, region domain.VisibleRegion) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A restart or explicit refresh after this timer was armed bumps gen.
	if c.closed || gen != c.gen {
		return
	}
	c.timer = nil
	c.gen++
	c.dispatchLocked(region, triggerDebounced)
}

// stopTimerLocked disarms the pending timer and invalidates its callback.
// It reports whether a dispatch was pending.
func (c *Coordinator) stopTimerLocked() bool {
	c.gen++
	if c.timer == nil {
		return false
	}
	stopped := c.timer.Stop()
	c.timer = nil
	return stopped
}

func (c *Coordinator) dispatchLocked(region domain.VisibleRegion, trigger string) {
	if c.cancel != nil {
		c.cancel()
		c.metrics.CyclesSuperseded.Inc()
		c.logger.Debug("superseding in-flight cycle", "cycle_id", c.inFlight.CycleID())
	}

	token := c.machine.BeginCycle()
	ctx, cancel := context.WithCancel(c.ctx)
	c.inFlight = token
	c.cancel = cancel

	center := region.Center()
	radius := domain.RadiusFromRegion(region)

	c.metrics.CyclesDispatched.WithLabelValues(trigger).Inc()
	c.metrics.SearchRadiusKm.Observe(radius.Kilometers())
	c.logger.Info("cycle dispatched",
		"cycle_id", token.CycleID(),
		"trigger", trigger,
		"lat", center.Lat,
		"lng", center.Lng,
		"radius_km", radius.Kilometers(),
	)

	c.wg.Add(1)
	go c.run(ctx, cancel, token, center, radius)
}

func (c *Coordinator) run(ctx context.Context, cancel context.CancelFunc, token domain.FetchToken, center domain.GeoPoint, radius domain.SearchRadius) {
	defer c.wg.Done()
	defer cancel()

	start := c.clock.Now()
	out := c.fetch(ctx, center, radius)
	c.metrics.CycleDuration.Observe(c.clock.Since(start).Seconds())

	if ctx.Err() != nil && !domain.IsCancelled(out.Err) {
		out = statemachine.Outcome{Err: fmt.Errorf("cycle %s: %w", token.CycleID(), domain.ErrCancelled)}
	}
	if out.Err != nil && !domain.IsCancelled(out.Err) {
		c.logger.Warn("cycle failed", "cycle_id", token.CycleID(), "error", out.Err)
	}

	if c.machine.CompleteCycle(token, out) && out.Err == nil {
		c.logger.Info("cycle completed",
			"cycle_id", token.CycleID(),
			"pins", len(out.Pins),
			"source", out.Source,
		)
	}

	c.mu.Lock()
	if c.inFlight.Same(token) {
		c.cancel = nil
	}
	c.mu.Unlock()
}

// fetch queries both sources concurrently. The first failure cancels the
// other request.
func (c *Coordinator) fetch(ctx context.Context, center domain.GeoPoint, radius domain.SearchRadius) statemachine.Outcome {
	var primary, fallback []domain.Pin

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pins, err := c.primary.Nearby(gctx, center, radius)
		if err != nil {
			return err
		}
		primary = pins
		return nil
	})
	g.Go(func() error {
		pins, err := c.fallback.Nearby(gctx, center, radius)
		if err != nil {
			return err
		}
		fallback = pins
		return nil
	})
	if err := g.Wait(); err != nil {
		return statemachine.Outcome{Err: err}
	}

	pins, source := domain.Reconcile(primary, fallback)
	return statemachine.Outcome{Pins: pins, Source: source}
}
