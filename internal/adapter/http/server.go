package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/trail-map-sync/internal/domain"
	"github.com/couchcryptid/trail-map-sync/internal/statemachine"
)

const maxRequestBody = 64 << 10

// StateSource exposes the published sync states.
type StateSource interface {
	Current() statemachine.Update
	Subscribe(buffer int) (<-chan statemachine.Update, func())
}

// Refresher accepts viewport changes from the rendering layer.
type Refresher interface {
	RequestRefresh(region domain.VisibleRegion)
	RefreshNow(region domain.VisibleRegion)
}

// Server is the bridge between the sync engine and a map renderer. Besides
// the operational endpoints it serves the current state, streams updates and
// accepts viewport changes.
type Server struct {
	httpServer *http.Server
	states     StateSource
	refresher  Refresher
	logger     *slog.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates an HTTP server with operational and /v1 render routes.
func NewServer(addr string, ready sharedobs.ReadinessChecker, states StateSource, refresher Refresher, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		states:    states,
		refresher: refresher,
		logger:    logger,
		closing:   make(chan struct{}),
	}
	// Event streams would otherwise hold Shutdown open until its deadline.
	s.httpServer.RegisterOnShutdown(s.closeStreams)

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.HandleFunc("GET /v1/state.geojson", s.handleGeoJSON)
	mux.HandleFunc("GET /v1/state/events", s.handleEvents)
	mux.HandleFunc("POST /v1/viewport", s.handleViewport(refresher.RequestRefresh))
	mux.HandleFunc("POST /v1/refresh", s.handleViewport(refresher.RefreshNow))

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, s.states.Current().Snapshot())
}

func (s *Server) handleViewport(apply func(domain.VisibleRegion)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		region, err := decodeRegion(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		apply(region)
		sharedobs.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	sharedobs.WriteJSON(w, status, map[string]string{"error": err.Error()})
}
