package locate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-wallet/internal/geo"
	"github.com/example/ride-wallet/internal/models"
)

var (
	ErrPermissionDenied = errors.New("location permission denied")
	ErrUnavailable      = errors.New("location unavailable")
)

// Provider supplies a device's current position.
type Provider interface {
	Current(ctx context.Context, deviceID string) (models.Coordinate, error)
}

// RedisLocator keeps the last reported device positions in a Redis GEO set
// and the devices that granted location access in a plain set.
type RedisLocator struct {
	client     *redis.Client
	key        string
	grantedKey string
}

func NewRedisLocator(client *redis.Client, key string) *RedisLocator {
	return &RedisLocator{client: client, key: key, grantedKey: key + ":granted"}
}

func (r *RedisLocator) SetPermission(ctx context.Context, deviceID string, granted bool) error {
	if granted {
		return r.client.SAdd(ctx, r.grantedKey, deviceID).Err()
	}
	return r.client.SRem(ctx, r.grantedKey, deviceID).Err()
}

// Report stores the device position. Reports from devices without
// permission are refused.
func (r *RedisLocator) Report(ctx context.Context, deviceID string, c models.Coordinate) error {
	if err := geo.Validate(c); err != nil {
		return err
	}
	if err := r.checkPermission(ctx, deviceID); err != nil {
		return err
	}
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Longitude, Latitude: c.Latitude, Name: deviceID}).Err()
}

func (r *RedisLocator) Current(ctx context.Context, deviceID string) (models.Coordinate, error) {
	if err := r.checkPermission(ctx, deviceID); err != nil {
		return models.Coordinate{}, err
	}
	res, err := r.client.GeoPos(ctx, r.key, deviceID).Result()
	if err != nil {
		return models.Coordinate{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) == 0 || res[0] == nil {
		return models.Coordinate{}, ErrUnavailable
	}
	return models.Coordinate{Latitude: res[0].Latitude, Longitude: res[0].Longitude}, nil
}

func (r *RedisLocator) checkPermission(ctx context.Context, deviceID string) error {
	ok, err := r.client.SIsMember(ctx, r.grantedKey, deviceID).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return ErrPermissionDenied
	}
	return nil
}

// Static is an in-process Provider for local runs without Redis.
type Static struct {
	mu        sync.RWMutex
	positions map[string]models.Coordinate
	granted   map[string]bool
}

func NewStatic() *Static {
	return &Static{positions: make(map[string]models.Coordinate), granted: make(map[string]bool)}
}

func (s *Static) SetPermission(ctx context.Context, deviceID string, granted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.granted[deviceID] = granted
	return nil
}

func (s *Static) Report(ctx context.Context, deviceID string, c models.Coordinate) error {
	if err := geo.Validate(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.granted[deviceID] {
		return ErrPermissionDenied
	}
	s.positions[deviceID] = c
	return nil
}

func (s *Static) Current(ctx context.Context, deviceID string) (models.Coordinate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.granted[deviceID] {
		return models.Coordinate{}, ErrPermissionDenied
	}
	c, ok := s.positions[deviceID]
	if !ok {
		return models.Coordinate{}, ErrUnavailable
	}
	return c, nil
}
