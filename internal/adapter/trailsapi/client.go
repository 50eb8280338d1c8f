package trailsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/couchcryptid/trail-map-sync/internal/domain"
	"github.com/couchcryptid/trail-map-sync/internal/observability"
)

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// Client queries the Trailblazer REST API for trails and parks near a point.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limit      int
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a Trailblazer API client. A limit of 0 lets the server
// apply its own page size.
func NewClient(baseURL string, timeout time.Duration, limit int, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		limit:   limit,
		metrics: metrics,
		logger:  logger,
	}
}

// Trails returns the primary pin source.
func (c *Client) Trails() domain.PinSource {
	return domain.PinSourceFunc(c.NearbyTrails)
}

// Parks returns the fallback pin source.
func (c *Client) Parks() domain.PinSource {
	return domain.PinSourceFunc(c.NearbyParks)
}

// NearbyTrails lists trails within radius of center. Trails without
// coordinates cannot be drawn and are skipped; repeated IDs keep their first
// occurrence.
func (c *Client) NearbyTrails(ctx context.Context, center domain.GeoPoint, radius domain.SearchRadius) ([]domain.Pin, error) {
	var trails []trailDTO
	if err := c.get(ctx, domain.SourceTrails, center, radius, &trails); err != nil {
		return nil, err
	}

	pins := make([]domain.Pin, 0, len(trails))
	for _, t := range trails {
		if t.Lat == nil || t.Lon == nil {
			continue
		}
		pins = append(pins, domain.Pin{
			ID:       strconv.Itoa(t.ID),
			Label:    t.Name,
			Position: domain.GeoPoint{Lat: *t.Lat, Lng: *t.Lon},
		})
	}
	if skipped := len(trails) - len(pins); skipped > 0 {
		c.logger.Debug("skipped trails without coordinates", "count", skipped)
	}
	return domain.DedupeByID(pins), nil
}

// NearbyParks lists parks within radius of center.
func (c *Client) NearbyParks(ctx context.Context, center domain.GeoPoint, radius domain.SearchRadius) ([]domain.Pin, error) {
	var parks []parkDTO
	if err := c.get(ctx, domain.SourceParks, center, radius, &parks); err != nil {
		return nil, err
	}

	pins := make([]domain.Pin, 0, len(parks))
	for _, p := range parks {
		if p.Lat == nil || p.Lon == nil {
			continue
		}
		pins = append(pins, domain.Pin{
			ID:       strconv.Itoa(p.ID),
			Label:    p.Name,
			Position: domain.GeoPoint{Lat: *p.Lat, Lng: *p.Lon},
		})
	}
	return domain.DedupeByID(pins), nil
}

func (c *Client) get(ctx context.Context, source domain.Source, center domain.GeoPoint, radius domain.SearchRadius, out any) error {
	params := url.Values{
		"near":   {fmt.Sprintf("%.6f,%.6f", center.Lat, center.Lng)},
		"radius": {strconv.FormatFloat(radius.Kilometers(), 'f', 3, 64)},
	}
	if c.limit > 0 {
		params.Set("limit", strconv.Itoa(c.limit))
	}
	fullURL := fmt.Sprintf("%s/%s/?%s", c.baseURL, source, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return domain.NewTransportError(source, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.SourceAPIDuration.WithLabelValues(string(source)).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return domain.NewCancelledError(source, fmt.Errorf("%s request: %w", source, ctx.Err()))
		}
		c.metrics.SourceErrors.WithLabelValues(string(source), "transport").Inc()
		return domain.NewTransportError(source, fmt.Errorf("%s request: %w", source, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.metrics.SourceErrors.WithLabelValues(string(source), "transport").Inc()
		return domain.NewTransportError(source, fmt.Errorf("trails API error: status %d: %s", resp.StatusCode, body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.metrics.SourceErrors.WithLabelValues(string(source), "decoding").Inc()
		return domain.NewDecodingError(source, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Trailblazer API response types.

type trailDTO struct {
	ID   int      `json:"id"`
	Name string   `json:"name"`
	Lat  *float64 `json:"lat"`
	Lon  *float64 `json:"lon"`
}

type parkDTO struct {
	ID   int      `json:"id"`
	Name string   `json:"name"`
	Lat  *float64 `json:"lat"`
	Lon  *float64 `json:"lon"`
}
