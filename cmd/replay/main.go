// Command replay feeds a recorded gesture trace through the request
// coordinator on a simulated clock and prints every published state. It is
// used to check debounce and supersession behavior against real gesture
// timing without a device.
//
// Usage:
//
//	go run ./cmd/replay -trace cmd/replay/testdata/pan_and_zoom.json -fixtures cmd/replay/testdata/manhattan.json
//	go run ./cmd/replay -trace cmd/replay/testdata/pan_and_zoom.json -api-url http://localhost:8000
//
// A trace is a JSON array of camera-idle events ordered by time:
//
//	[{"at_ms": 0, "region": {"northeast": {...}, "southwest": {...}}}, ...]
//
// The first event's region is fetched immediately, like the initial map
// position; the rest are replayed as viewport events.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/trail-map-sync/internal/adapter/trailsapi"
	"github.com/couchcryptid/trail-map-sync/internal/coordinator"
	"github.com/couchcryptid/trail-map-sync/internal/domain"
	"github.com/couchcryptid/trail-map-sync/internal/observability"
	"github.com/couchcryptid/trail-map-sync/internal/statemachine"
)

var startTime = time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)

type traceEvent struct {
	AtMs   int64                `json:"at_ms"`
	Region domain.VisibleRegion `json:"region"`
}

type fixtures struct {
	Trails []domain.Pin `json:"trails"`
	Parks  []domain.Pin `json:"parks"`
}

func main() {
	tracePath := flag.String("trace", "", "path to a JSON gesture trace")
	fixturePath := flag.String("fixtures", "", "path to JSON pin fixtures {\"trails\":[...],\"parks\":[...]}")
	apiURL := flag.String("api-url", "", "query a live Trailblazer API instead of fixtures")
	debounce := flag.Duration("debounce", coordinator.DefaultDebounce, "debounce window")
	settle := flag.Duration("settle-timeout", 10*time.Second, "real time to wait for each cycle to finish")
	verbose := flag.Bool("v", false, "log coordinator activity to stderr")
	flag.Parse()

	if *tracePath == "" || (*fixturePath == "") == (*apiURL == "") {
		fmt.Fprintln(os.Stderr, "replay: -trace and exactly one of -fixtures or -api-url are required")
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*tracePath, *fixturePath, *apiURL, *debounce, *settle, *verbose); code != 0 {
		os.Exit(code)
	}
}

func run(tracePath, fixturePath, apiURL string, debounce, settle time.Duration, verbose bool) int {
	trace, err := loadTrace(tracePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load trace: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	metrics := observability.NewMetricsForTesting()

	var trails, parks domain.PinSource
	if apiURL != "" {
		client := trailsapi.NewClient(strings.TrimRight(apiURL, "/"), settle, 0, metrics, logger)
		trails, parks = client.Trails(), client.Parks()
	} else {
		fx, err := loadJSON[fixtures](fixturePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load fixtures: %v\n", err)
			return 1
		}
		trails, parks = fixtureSource(fx.Trails), fixtureSource(fx.Parks)
	}

	clock := clockwork.NewFakeClockAt(startTime)
	rec := &recorder{out: os.Stdout}
	machine := statemachine.New(logger, metrics, statemachine.WithClock(clock), statemachine.WithObserver(rec))

	fmt.Printf("=== Replaying %d viewport events (debounce %s) ===\n\n", len(trace), debounce)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := coordinator.New(ctx, trails, parks, machine, trace[0].Region, logger, metrics,
		coordinator.WithClock(clock),
		coordinator.WithDebounce(debounce),
	)
	defer coord.Close()

	if !waitIdle(machine, settle) {
		fmt.Fprintln(os.Stderr, "FATAL: initial cycle did not finish")
		return 1
	}

	for _, ev := range trace[1:] {
		advanceTo(clock, startTime.Add(time.Duration(ev.AtMs)*time.Millisecond))
		coord.OnViewportSettled(ev.Region)
		// Cycles dispatched between events run to completion before time moves on.
		if !waitIdle(machine, settle) {
			fmt.Fprintln(os.Stderr, "FATAL: cycle did not finish")
			return 1
		}
	}
	clock.Advance(debounce)
	if !waitIdle(machine, settle) {
		fmt.Fprintln(os.Stderr, "FATAL: final cycle did not finish")
		return 1
	}

	rec.summary(len(trace))
	return 0
}

func advanceTo(clock *clockwork.FakeClock, t time.Time) {
	if d := t.Sub(clock.Now()); d > 0 {
		clock.Advance(d)
	}
}

// waitIdle gives a just-fired timer a moment to dispatch, then waits until
// the latest cycle has published a terminal state.
func waitIdle(machine *statemachine.Machine, timeout time.Duration) bool {
	time.Sleep(20 * time.Millisecond)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		cur := machine.Current()
		if cur.State.Kind() != domain.KindLoading || cur.Token.IsZero() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// fixtureSource serves pins within the search radius, preserving fixture order.
func fixtureSource(pins []domain.Pin) domain.PinSource {
	return domain.PinSourceFunc(func(_ context.Context, center domain.GeoPoint, radius domain.SearchRadius) ([]domain.Pin, error) {
		limit := radius.Kilometers() * 1000
		var out []domain.Pin
		for _, p := range pins {
			if domain.HaversineMeters(center, p.Position) <= limit {
				out = append(out, p)
			}
		}
		return out, nil
	})
}

// recorder prints each published update with its offset on the simulated clock.
type recorder struct {
	mu      sync.Mutex
	out     io.Writer
	loading int
	ready   int
	failed  int
}

func (r *recorder) Observe(u statemachine.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	offset := u.At.Sub(startTime).Milliseconds()
	detail := domain.Match(u.State,
		func() string {
			r.loading++
			return ""
		},
		func(ready domain.Ready) string {
			r.ready++
			return fmt.Sprintf("source=%s pins=%d", ready.Source, len(ready.Pins))
		},
		func(e domain.Error) string {
			r.failed++
			return fmt.Sprintf("message=%q", e.Message)
		},
	)
	fmt.Fprintf(r.out, "  +%6dms  cycle %-3d %-8s %s\n", offset, u.Token.Seq(), u.State.Kind(), detail)
}

func (r *recorder) summary(events int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "Events: %d viewport, %d cycles dispatched, %d ready, %d error, %d superseded\n",
		events, r.loading, r.ready, r.failed, r.loading-r.ready-r.failed)
}

func loadTrace(path string) ([]traceEvent, error) {
	trace, err := loadJSON[[]traceEvent](path)
	if err != nil {
		return nil, err
	}
	if len(trace) == 0 {
		return nil, fmt.Errorf("%s: trace is empty", path)
	}
	for i, ev := range trace {
		if err := ev.Region.Validate(); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		if i > 0 && ev.AtMs < trace[i-1].AtMs {
			return nil, fmt.Errorf("event %d: at_ms %d is before previous event", i, ev.AtMs)
		}
	}
	return trace, nil
}

func loadJSON[T any](path string) (T, error) {
	var v T
	data, err := os.ReadFile(path)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}
