package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/trail-map-sync/internal/domain"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Trails API configuration.
	TrailsAPIURL string
	APITimeout   time.Duration
	APICacheSize int
	APICacheTTL  time.Duration
	APIPinLimit  int

	// Viewport sync configuration.
	DebounceWindow  time.Duration
	DefaultCenter   domain.GeoPoint
	DefaultRadiusKm float64

	// Kafka state sink configuration.
	KafkaEnabled       bool
	KafkaBrokers       []string
	KafkaStateTopic    string
	BatchSize          int
	BatchFlushInterval time.Duration
}

// DefaultRegion is the region fetched at startup before any viewport event.
func (c *Config) DefaultRegion() domain.VisibleRegion {
	return domain.RegionAround(c.DefaultCenter, c.DefaultRadiusKm)
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	apiTimeout, err := parsePositiveDuration("API_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}

	cacheTTL, err := parsePositiveDuration("API_CACHE_TTL", "30s")
	if err != nil {
		return nil, err
	}

	debounce, err := parsePositiveDuration("DEBOUNCE_WINDOW", "250ms")
	if err != nil {
		return nil, err
	}

	cacheSize, err := parseNonNegativeInt("API_CACHE_SIZE", 256)
	if err != nil {
		return nil, err
	}

	pinLimit, err := parseNonNegativeInt("API_PIN_LIMIT", 0)
	if err != nil {
		return nil, err
	}

	center, err := parseCenter(sharedcfg.EnvOrDefault("DEFAULT_CENTER", "40.7128,-74.0060"))
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_CENTER: %w", err)
	}

	radiusKm, err := strconv.ParseFloat(sharedcfg.EnvOrDefault("DEFAULT_RADIUS_KM", "50"), 64)
	if err != nil || radiusKm <= 0 {
		return nil, errors.New("invalid DEFAULT_RADIUS_KM")
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		TrailsAPIURL: strings.TrimRight(sharedcfg.EnvOrDefault("TRAILS_API_URL", "http://localhost:8000"), "/"),
		APITimeout:   apiTimeout,
		APICacheSize: cacheSize,
		APICacheTTL:  cacheTTL,
		APIPinLimit:  pinLimit,

		DebounceWindow:  debounce,
		DefaultCenter:   center,
		DefaultRadiusKm: radiusKm,

		KafkaEnabled:       os.Getenv("KAFKA_ENABLED") == "true",
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaStateTopic:    sharedcfg.EnvOrDefault("KAFKA_STATE_TOPIC", "trail-sync-states"),
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,
	}

	if u, err := url.Parse(cfg.TrailsAPIURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New("TRAILS_API_URL must be an absolute URL")
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
	}
	if cfg.KafkaEnabled && cfg.KafkaStateTopic == "" {
		return nil, errors.New("KAFKA_STATE_TOPIC is required when KAFKA_ENABLED is true")
	}

	return cfg, nil
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseNonNegativeInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

// parseCenter parses "lat,lng".
func parseCenter(s string) (domain.GeoPoint, error) {
	latStr, lngStr, ok := strings.Cut(s, ",")
	if !ok {
		return domain.GeoPoint{}, errors.New(`expected "lat,lng"`)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return domain.GeoPoint{}, fmt.Errorf("latitude: %w", err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngStr), 64)
	if err != nil {
		return domain.GeoPoint{}, fmt.Errorf("longitude: %w", err)
	}
	p := domain.GeoPoint{Lat: lat, Lng: lng}
	if err := p.Validate(); err != nil {
		return domain.GeoPoint{}, err
	}
	return p, nil
}
