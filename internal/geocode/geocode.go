package geocode

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"googlemaps.github.io/maps"

	"github.com/example/ride-wallet/internal/models"
)

// UnknownLocation is shown when an address cannot be resolved.
const UnknownLocation = "Unknown location"

// Resolver turns a coordinate into a human-readable address.
type Resolver interface {
	Reverse(ctx context.Context, c models.Coordinate) (string, error)
}

// Describe resolves c and never fails: errors and empty answers become
// UnknownLocation.
func Describe(ctx context.Context, r Resolver, c models.Coordinate) string {
	if r == nil {
		return UnknownLocation
	}
	addr, err := r.Reverse(ctx, c)
	if err != nil || strings.TrimSpace(addr) == "" {
		return UnknownLocation
	}
	return addr
}

// GoogleResolver uses the Google Maps Geocoding API.
type GoogleResolver struct {
	client *maps.Client
}

func NewGoogleResolver(apiKey string, opts ...maps.ClientOption) (*GoogleResolver, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleResolver{client: client}, nil
}

func (g *GoogleResolver) Reverse(ctx context.Context, c models.Coordinate) (string, error) {
	res, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: c.Latitude, Lng: c.Longitude},
	})
	if err != nil {
		return "", fmt.Errorf("maps api error: %w", err)
	}
	if len(res) == 0 {
		return "", nil
	}
	return res[0].FormattedAddress, nil
}

// Cached memoises a Resolver per coordinate for ttl. Failed lookups are not
// cached.
type Cached struct {
	Resolver Resolver

	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  string
	ts time.Time
}

func NewCached(r Resolver, ttl time.Duration) *Cached {
	return &Cached{Resolver: r, store: make(map[string]cacheEntry), ttl: ttl}
}

// keyFor rounds to ~11cm so jittery GPS fixes share an entry.
func keyFor(c models.Coordinate) string {
	return fmt.Sprintf("%.6f,%.6f", c.Latitude, c.Longitude)
}

func (c *Cached) Reverse(ctx context.Context, coord models.Coordinate) (string, error) {
	k := keyFor(coord)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && time.Since(e.ts) <= c.ttl {
		return e.v, nil
	}
	if ok {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
	}

	v, err := c.Resolver.Reverse(ctx, coord)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
	return v, nil
}
