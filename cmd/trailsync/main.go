package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	httpadapter "github.com/couchcryptid/trail-map-sync/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/trail-map-sync/internal/adapter/kafka"
	"github.com/couchcryptid/trail-map-sync/internal/adapter/trailsapi"
	"github.com/couchcryptid/trail-map-sync/internal/config"
	"github.com/couchcryptid/trail-map-sync/internal/coordinator"
	"github.com/couchcryptid/trail-map-sync/internal/domain"
	"github.com/couchcryptid/trail-map-sync/internal/observability"
	"github.com/couchcryptid/trail-map-sync/internal/statemachine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	client := trailsapi.NewClient(cfg.TrailsAPIURL, cfg.APITimeout, cfg.APIPinLimit, metrics, logger)
	var trails, parks domain.PinSource = client.Trails(), client.Parks()
	if cfg.APICacheSize > 0 {
		trails = trailsapi.NewCachedSource(trails, domain.SourceTrails, cfg.APICacheSize, cfg.APICacheTTL, clock, metrics)
		parks = trailsapi.NewCachedSource(parks, domain.SourceParks, cfg.APICacheSize, cfg.APICacheTTL, clock, metrics)
		logger.Info("pin cache enabled", "cache_size", cfg.APICacheSize, "ttl", cfg.APICacheTTL)
	} else {
		logger.Info("pin cache disabled")
	}

	machine := statemachine.New(logger, metrics, statemachine.WithClock(clock))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start state sink (feature-flagged via KAFKA_ENABLED).
	var sink *kafkaadapter.StateSink
	sinkDone := make(chan struct{})
	if cfg.KafkaEnabled {
		sink = kafkaadapter.NewStateSink(cfg, logger, metrics)
		machine.AddObserver(sink)
		go func() {
			defer close(sinkDone)
			if err := sink.Run(ctx); err != nil {
				logger.Error("state sink error", "error", err)
			}
		}()
		logger.Info("kafka state sink enabled", "topic", cfg.KafkaStateTopic, "brokers", cfg.KafkaBrokers)
	} else {
		close(sinkDone)
		logger.Info("kafka state sink disabled")
	}

	region := cfg.DefaultRegion()
	coord := coordinator.New(ctx, trails, parks, machine, region, logger, metrics,
		coordinator.WithClock(clock),
		coordinator.WithDebounce(cfg.DebounceWindow),
	)

	srv := httpadapter.NewServer(cfg.HTTPAddr, machine, machine, coord, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	coord.Close()

	select {
	case <-sinkDone:
	case <-shutdownCtx.Done():
		logger.Error("state sink did not drain before shutdown deadline")
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
