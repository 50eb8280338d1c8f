package trailsapi

import (
	"container/list"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/trail-map-sync/internal/domain"
	"github.com/couchcryptid/trail-map-sync/internal/observability"
)

// CachedSource wraps a PinSource with an in-memory LRU cache whose entries
// expire after ttl. Nearby map positions share an entry: the key rounds the
// center to four decimal places and the radius to 0.1 km.
type CachedSource struct {
	inner   domain.PinSource
	source  domain.Source
	cache   *lruCache
	ttl     time.Duration
	clock   clockwork.Clock
	metrics *observability.Metrics
}

// NewCachedSource creates a cache decorator around a pin source.
func NewCachedSource(inner domain.PinSource, source domain.Source, maxEntries int, ttl time.Duration, clock clockwork.Clock, metrics *observability.Metrics) *CachedSource {
	return &CachedSource{
		inner:   inner,
		source:  source,
		cache:   newLRUCache(maxEntries),
		ttl:     ttl,
		clock:   clock,
		metrics: metrics,
	}
}

func (c *CachedSource) Nearby(ctx context.Context, center domain.GeoPoint, radius domain.SearchRadius) ([]domain.Pin, error) {
	key := cacheKey(center, radius)
	now := c.clock.Now()
	if pins, ok := c.cache.get(key, now); ok {
		c.metrics.SourceCache.WithLabelValues(string(c.source), "hit").Inc()
		return slices.Clone(pins), nil
	}
	c.metrics.SourceCache.WithLabelValues(string(c.source), "miss").Inc()

	pins, err := c.inner.Nearby(ctx, center, radius)
	if err != nil {
		return nil, err
	}
	// Empty results are not cached so a region that is still being
	// populated upstream is queried again on the next cycle.
	if len(pins) > 0 {
		c.cache.put(key, slices.Clone(pins), c.clock.Now().Add(c.ttl))
	}
	return pins, nil
}

func cacheKey(center domain.GeoPoint, radius domain.SearchRadius) string {
	return fmt.Sprintf("%.4f,%.4f|%.1f", center.Lat, center.Lng, radius.Kilometers())
}

// lruCache is a thread-safe LRU of pin lists with per-entry expiry. The
// front of order is the most recently used entry.
type lruCache struct {
	maxEntries int
	mu         sync.Mutex
	index      map[string]*list.Element
	order      *list.List
}

type cacheEntry struct {
	key     string
	pins    []domain.Pin
	expires time.Time
}

func newLRUCache(maxEntries int) *lruCache {
	return &lruCache{
		maxEntries: maxEntries,
		index:      make(map[string]*list.Element),
		order:      list.New(),
	}
}

func (c *lruCache) get(key string, now time.Time) ([]domain.Pin, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	ce := el.Value.(*cacheEntry)
	if !now.Before(ce.expires) {
		c.drop(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return ce.pins, true
}

func (c *lruCache) put(key string, pins []domain.Pin, expires time.Time) {
	if c.maxEntries <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		ce := el.Value.(*cacheEntry)
		ce.pins, ce.expires = pins, expires
		c.order.MoveToFront(el)
		return
	}

	c.index[key] = c.order.PushFront(&cacheEntry{key: key, pins: pins, expires: expires})
	for c.order.Len() > c.maxEntries {
		c.drop(c.order.Back())
	}
}

func (c *lruCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *lruCache) drop(el *list.Element) {
	ce := c.order.Remove(el).(*cacheEntry)
	delete(c.index, ce.key)
}
