package route

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/carpool/internal/models"
)

var (
	ErrNoRoute       = errors.New("route: no route found")
	ErrQueryTooShort = errors.New("route: query must be longer than 2 characters")
	ErrUnsupported   = errors.New("route: operation not supported by provider")
)

const maxSuggestions = 5

// Place is one geocoding suggestion.
type Place struct {
	Name  string       `json:"place_name"`
	Coord models.Coord `json:"coord"`
}

// Resolver is the routing/geocoding provider used by trip creation.
type Resolver interface {
	Geocode(ctx context.Context, query string) ([]Place, error)
	Directions(ctx context.Context, from, to models.Coord) ([]models.Coord, error)
}

// Straight is the two-point polyline used when no provider answers.
func Straight(from, to models.Coord) []models.Coord {
	return []models.Coord{from, to}
}

// Cache is a tiny in-memory cache for polylines keyed by endpoints.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  []models.Coord
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) ([]models.Coord, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return nil, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v []models.Coord) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Cached wraps a Resolver with a polyline cache and a per-call timeout.
type Cached struct {
	Next    Resolver
	Cache   *Cache
	Timeout time.Duration
}

func (c *Cached) Geocode(ctx context.Context, query string) ([]Place, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.Next.Geocode(ctx, query)
}

func (c *Cached) Directions(ctx context.Context, from, to models.Coord) ([]models.Coord, error) {
	if c.Cache != nil {
		if v, ok := c.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	v, err := c.Next.Directions(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if c.Cache != nil {
		c.Cache.Set(from, to, v)
	}
	return v, nil
}

func (c *Cached) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}

// lonLat converts a GeoJSON position.
func lonLat(p []float64) (models.Coord, bool) {
	if len(p) < 2 {
		return models.Coord{}, false
	}
	return models.Coord{Lat: p[1], Lon: p[0]}, true
}
