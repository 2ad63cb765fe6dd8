// Package cache is the local key-value mirror kept for offline continuity.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Well-known keys.
const (
	KeyActiveTrip   = "active_trip"
	KeyTrips        = "viajes"
	KeyPendingTrips = "pending_trips"
	KeyDraft        = "draft"
)

var ErrMiss = errors.New("cache: miss")

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

type Memory struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string][]byte)}
}

func (c *Memory) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	if !ok {
		return nil, ErrMiss
	}
	return append([]byte(nil), v...), nil
}

func (c *Memory) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = append([]byte(nil), value...)
	return nil
}

func (c *Memory) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

// Scoped namespaces every key under one user so per-session mirrors never
// collide.
type Scoped struct {
	Inner  Cache
	UserID string
}

func ForUser(c Cache, userID string) Scoped { return Scoped{Inner: c, UserID: userID} }

func (s Scoped) key(k string) string { return "u:" + s.UserID + ":" + k }

func (s Scoped) Get(ctx context.Context, key string) ([]byte, error) {
	return s.Inner.Get(ctx, s.key(key))
}

func (s Scoped) Set(ctx context.Context, key string, value []byte) error {
	return s.Inner.Set(ctx, s.key(key), value)
}

func (s Scoped) Remove(ctx context.Context, key string) error {
	return s.Inner.Remove(ctx, s.key(key))
}

// GetJSON decodes the cached value at key into v.
func GetJSON(ctx context.Context, c Cache, key string, v any) error {
	b, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func SetJSON(ctx context.Context, c Cache, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, b)
}
