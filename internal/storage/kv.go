package storage

import (
	"context"
	"sync"
	"time"
)

// KV is the string-keyed persistence contract the ledger writes through.
// Get reports absence with ok=false rather than an error.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Delayed wraps a KV and sleeps before every call, standing in for the
// network latency of a remote store. A cancelled context aborts the wait.
type Delayed struct {
	KV    KV
	Delay time.Duration
}

func (d *Delayed) wait(ctx context.Context) error {
	if d.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Delayed) Get(ctx context.Context, key string) (string, bool, error) {
	if err := d.wait(ctx); err != nil {
		return "", false, err
	}
	return d.KV.Get(ctx, key)
}

func (d *Delayed) Set(ctx context.Context, key, value string) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	return d.KV.Set(ctx, key, value)
}

func (d *Delayed) Remove(ctx context.Context, key string) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	return d.KV.Remove(ctx, key)
}
