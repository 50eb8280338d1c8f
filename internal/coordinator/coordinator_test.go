package coordinator_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/trail-map-sync/internal/coordinator"
	"github.com/couchcryptid/trail-map-sync/internal/domain"
	"github.com/couchcryptid/trail-map-sync/internal/observability"
	"github.com/couchcryptid/trail-map-sync/internal/statemachine"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var nycRegion = domain.VisibleRegion{
	Northeast: domain.GeoPoint{Lat: 40.80, Lng: -73.93},
	Southwest: domain.GeoPoint{Lat: 40.70, Lng: -74.02},
}

func regionAt(lat, lng float64) domain.VisibleRegion {
	return domain.VisibleRegion{
		Northeast: domain.GeoPoint{Lat: lat + 0.05, Lng: lng + 0.05},
		Southwest: domain.GeoPoint{Lat: lat - 0.05, Lng: lng - 0.05},
	}
}

func trailPins() []domain.Pin {
	return []domain.Pin{
		{ID: "101", Label: "Hudson River Greenway", Position: domain.GeoPoint{Lat: 40.76, Lng: -73.99}},
		{ID: "102", Label: "Central Park Loop", Position: domain.GeoPoint{Lat: 40.78, Lng: -73.96}},
		{ID: "103", Label: "High Line", Position: domain.GeoPoint{Lat: 40.74, Lng: -74.00}},
	}
}

func parkPins() []domain.Pin {
	return []domain.Pin{
		{ID: "p1", Label: "Bryant Park", Position: domain.GeoPoint{Lat: 40.7536, Lng: -73.9832}},
		{ID: "p2", Label: "Washington Square Park", Position: domain.GeoPoint{Lat: 40.7308, Lng: -73.9973}},
	}
}

type harness struct {
	clock    *clockwork.FakeClock
	machine  *statemachine.Machine
	metrics  *observability.Metrics
	coord    *coordinator.Coordinator
	primary  *stubSource
	fallback *stubSource

	mu      sync.Mutex
	updates []statemachine.Update
}

func newHarness(t *testing.T, primary, fallback *stubSource) *harness {
	t.Helper()
	h := &harness{
		clock:    clockwork.NewFakeClock(),
		metrics:  observability.NewMetricsForTesting(),
		primary:  primary,
		fallback: fallback,
	}
	h.machine = statemachine.New(slog.Default(), h.metrics,
		statemachine.WithClock(h.clock),
		statemachine.WithObserver(statemachine.ObserverFunc(func(u statemachine.Update) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.updates = append(h.updates, u)
		})),
	)
	h.coord = coordinator.New(context.Background(), primary, fallback, h.machine, nycRegion,
		slog.Default(), h.metrics, coordinator.WithClock(h.clock))
	t.Cleanup(h.coord.Close)
	return h
}

func (h *harness) kinds() []domain.StateKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.StateKind, 0, len(h.updates))
	for _, u := range h.updates {
		out = append(out, u.State.Kind())
	}
	return out
}

func (h *harness) waitForState(t *testing.T, kind domain.StateKind) statemachine.Update {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.machine.Current().State.Kind() == kind
	}, waitFor, tick)
	return h.machine.Current()
}

func TestCoordinator_InitialFetchWithoutDebounce(t *testing.T) {
	h := newHarness(t, respond(trailPins(), nil), respond(nil, nil))

	u := h.waitForState(t, domain.KindReady)
	assert.Equal(t, uint64(1), u.Token.Seq())
	assert.Equal(t, 1, h.primary.callCount())
	assert.Equal(t, 1, h.fallback.callCount())

	call := h.primary.lastCall()
	assert.Equal(t, nycRegion.Center(), call.center)
	assert.Equal(t, domain.RadiusFromRegion(nycRegion), call.radius)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CyclesDispatched.WithLabelValues("initial")))
}

func TestCoordinator_ThreeTrailsReadyInOrder(t *testing.T) {
	h := newHarness(t, respond(trailPins(), nil), respond(parkPins(), nil))

	u := h.waitForState(t, domain.KindReady)
	ready := u.State.(domain.Ready)
	assert.Equal(t, domain.SourceTrails, ready.Source)
	if diff := cmp.Diff(trailPins(), ready.Pins); diff != "" {
		t.Errorf("pins mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []domain.StateKind{domain.KindLoading, domain.KindReady}, h.kinds())
}

func TestCoordinator_FallsBackToParks(t *testing.T) {
	h := newHarness(t, respond([]domain.Pin{}, nil), respond(parkPins(), nil))

	u := h.waitForState(t, domain.KindReady)
	ready := u.State.(domain.Ready)
	assert.Equal(t, domain.SourceParks, ready.Source)
	if diff := cmp.Diff(parkPins(), ready.Pins); diff != "" {
		t.Errorf("pins mismatch (-want +got):\n%s", diff)
	}
}

func TestCoordinator_NothingNearbyIsReady(t *testing.T) {
	h := newHarness(t, respond(nil, nil), respond(nil, nil))

	u := h.waitForState(t, domain.KindReady)
	assert.Empty(t, u.State.(domain.Ready).Pins)
}

func TestCoordinator_TransportFailureCancelsSibling(t *testing.T) {
	failure := domain.NewTransportError(domain.SourceTrails, errors.New("status 503: upstream unavailable"))
	fallback := &stubSource{fn: func(ctx context.Context, _ int) ([]domain.Pin, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, respond(nil, failure), fallback)

	u := h.waitForState(t, domain.KindError)
	msg := u.State.(domain.Error).Message
	assert.Contains(t, msg, "transport failure")
	assert.Contains(t, msg, "503")
	assert.Equal(t, []domain.StateKind{domain.KindLoading, domain.KindError}, h.kinds())
}

func TestCoordinator_DebounceAccumulates(t *testing.T) {
	h := newHarness(t, respond(trailPins(), nil), respond(nil, nil))
	h.waitForState(t, domain.KindReady)

	first, second, third := regionAt(40.6, -73.9), regionAt(40.65, -73.95), regionAt(40.7, -74.0)

	h.coord.OnViewportSettled(first)
	h.clock.Advance(100 * time.Millisecond)
	h.coord.OnViewportSettled(second)
	h.clock.Advance(100 * time.Millisecond)
	h.coord.OnViewportSettled(third)
	h.clock.Advance(249 * time.Millisecond)

	assert.Never(t, func() bool { return h.primary.callCount() > 1 }, 50*time.Millisecond, tick)

	h.clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return h.primary.callCount() == 2 }, waitFor, tick)
	assert.Equal(t, third.Center(), h.primary.lastCall().center)

	h.waitForState(t, domain.KindReady)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.ViewportEvents))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.DebounceRestarts))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CyclesDispatched.WithLabelValues("debounced")))
}

func TestCoordinator_RequestRefreshIsDebounced(t *testing.T) {
	h := newHarness(t, respond(trailPins(), nil), respond(nil, nil))
	h.waitForState(t, domain.KindReady)

	h.coord.RequestRefresh(regionAt(41, -74))
	assert.Never(t, func() bool { return h.primary.callCount() > 1 }, 50*time.Millisecond, tick)

	h.clock.Advance(coordinator.DefaultDebounce)
	require.Eventually(t, func() bool { return h.primary.callCount() == 2 }, waitFor, tick)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ViewportEvents))
}

func TestCoordinator_TwoRapidSettlesYieldOneCycle(t *testing.T) {
	h := newHarness(t, respond(trailPins(), nil), respond(nil, nil))
	h.waitForState(t, domain.KindReady)

	h.coord.OnViewportSettled(regionAt(40.6, -73.9))
	h.clock.Advance(50 * time.Millisecond)
	h.coord.OnViewportSettled(regionAt(40.7, -74.0))
	h.clock.Advance(coordinator.DefaultDebounce)

	require.Eventually(t, func() bool { return len(h.kinds()) == 4 }, waitFor, tick)
	assert.Never(t, func() bool { return len(h.kinds()) > 4 }, 50*time.Millisecond, tick)
	assert.Equal(t, []domain.StateKind{
		domain.KindLoading, domain.KindReady,
		domain.KindLoading, domain.KindReady,
	}, h.kinds())
}

func TestCoordinator_DebouncedCycleSupersedesUnresolvedOne(t *testing.T) {
	release := make(chan struct{})
	primary := &stubSource{fn: func(_ context.Context, call int) ([]domain.Pin, error) {
		switch call {
		case 1:
			return trailPins(), nil
		case 2:
			// Ignores cancellation and answers late.
			<-release
			return []domain.Pin{{ID: "first", Label: "First Settle"}}, nil
		default:
			return []domain.Pin{{ID: "second", Label: "Second Settle"}}, nil
		}
	}}
	h := newHarness(t, primary, respond(nil, nil))
	t.Cleanup(sync.OnceFunc(func() { close(release) }))
	h.waitForState(t, domain.KindReady)

	h.coord.OnViewportSettled(regionAt(40.6, -73.9))
	h.clock.Advance(coordinator.DefaultDebounce)
	require.Eventually(t, func() bool { return primary.callCount() == 2 }, waitFor, tick)

	h.coord.OnViewportSettled(regionAt(40.7, -74.0))
	h.clock.Advance(coordinator.DefaultDebounce)
	require.Eventually(t, func() bool { return len(h.kinds()) == 5 }, waitFor, tick)

	release <- struct{}{}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.StaleCompletions) == 1
	}, waitFor, tick)

	assert.Equal(t, []domain.StateKind{
		domain.KindLoading, domain.KindReady,
		domain.KindLoading, domain.KindLoading, domain.KindReady,
	}, h.kinds())
	cur := h.machine.Current()
	assert.Equal(t, uint64(3), cur.Token.Seq())
	assert.Equal(t, "second", cur.State.(domain.Ready).Pins[0].ID)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.CyclesDispatched.WithLabelValues("debounced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CyclesSuperseded))
}

func TestCoordinator_SupersededResultDiscarded(t *testing.T) {
	release := make(chan struct{})
	primary := &stubSource{fn: func(_ context.Context, call int) ([]domain.Pin, error) {
		if call == 1 {
			// Ignores cancellation and answers late.
			<-release
			return []domain.Pin{{ID: "old", Label: "Stale Trail"}}, nil
		}
		return []domain.Pin{{ID: "new", Label: "Fresh Trail"}}, nil
	}}
	h := newHarness(t, primary, respond(nil, nil))
	require.Eventually(t, func() bool { return primary.callCount() == 1 }, waitFor, tick)

	h.coord.RefreshNow(regionAt(41, -74))
	u := h.waitForState(t, domain.KindReady)
	assert.Equal(t, uint64(2), u.Token.Seq())
	assert.Equal(t, "new", u.State.(domain.Ready).Pins[0].ID)

	close(release)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.StaleCompletions) == 1
	}, waitFor, tick)

	assert.Equal(t, "new", h.machine.Current().State.(domain.Ready).Pins[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CyclesSuperseded))
	assert.Equal(t, []domain.StateKind{domain.KindLoading, domain.KindLoading, domain.KindReady}, h.kinds())
}

func TestCoordinator_RefreshNowCancelsPendingDebounce(t *testing.T) {
	h := newHarness(t, respond(trailPins(), nil), respond(nil, nil))
	h.waitForState(t, domain.KindReady)

	h.coord.OnViewportSettled(regionAt(40.6, -73.9))
	explicit := regionAt(40.9, -73.8)
	h.coord.RefreshNow(explicit)

	require.Eventually(t, func() bool { return h.primary.callCount() == 2 }, waitFor, tick)
	h.clock.Advance(time.Second)
	assert.Never(t, func() bool { return h.primary.callCount() > 2 }, 50*time.Millisecond, tick)
	assert.Equal(t, explicit.Center(), h.primary.lastCall().center)
}

func TestCoordinator_InvalidViewportIgnored(t *testing.T) {
	h := newHarness(t, respond(trailPins(), nil), respond(nil, nil))
	h.waitForState(t, domain.KindReady)

	h.coord.OnViewportSettled(domain.VisibleRegion{
		Northeast: domain.GeoPoint{Lat: 10, Lng: 0},
		Southwest: domain.GeoPoint{Lat: 20, Lng: 0},
	})
	h.clock.Advance(time.Second)
	assert.Never(t, func() bool { return h.primary.callCount() > 1 }, 50*time.Millisecond, tick)
}

func TestCoordinator_CloseCancelsInFlightAndStopsTimers(t *testing.T) {
	primary := &stubSource{fn: func(ctx context.Context, _ int) ([]domain.Pin, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, primary, respond(nil, nil))
	require.Eventually(t, func() bool { return primary.callCount() == 1 }, waitFor, tick)

	h.coord.OnViewportSettled(regionAt(41, -74))
	h.coord.Close()

	assert.Equal(t, domain.KindLoading, h.machine.Current().State.Kind(), "cancelled cycle must not publish")
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.CoordinatorActive))

	h.clock.Advance(time.Second)
	h.coord.RefreshNow(regionAt(42, -74))
	h.coord.Close()
	assert.Never(t, func() bool { return primary.callCount() > 1 }, 50*time.Millisecond, tick)
}

// --- stubs ---

type call struct {
	center domain.GeoPoint
	radius domain.SearchRadius
}

type stubSource struct {
	fn func(ctx context.Context, call int) ([]domain.Pin, error)

	mu    sync.Mutex
	calls []call
}

func respond(pins []domain.Pin, err error) *stubSource {
	return &stubSource{fn: func(context.Context, int) ([]domain.Pin, error) {
		return pins, err
	}}
}

func (s *stubSource) Nearby(ctx context.Context, center domain.GeoPoint, radius domain.SearchRadius) ([]domain.Pin, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{center: center, radius: radius})
	n := len(s.calls)
	s.mu.Unlock()
	return s.fn(ctx, n)
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubSource) lastCall() call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}
