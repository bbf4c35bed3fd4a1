// Package cache keeps the most recent reading per device for quick lookups.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"spoilwatch/internal/device"
	"spoilwatch/internal/freshness"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// DefaultTTL bounds how long a latest reading stays visible.
const DefaultTTL = 5 * time.Minute

// KV is the minimal key/value surface the cache needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// RedisKV adapts a go-redis client.
type RedisKV struct {
	c *redis.Client
}

// NewRedisClient dials lazily; call Ping to verify connectivity.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisKV(c *redis.Client) *RedisKV { return &RedisKV{c: c} }

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.c.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

// MemoryKV is an in-process KV honouring TTLs.
type MemoryKV struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: make(map[string]memoryItem), now: time.Now}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return "", ErrMiss
	}
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		delete(m.items, key)
		return "", ErrMiss
	}
	return item.value, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := memoryItem{value: value}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = item
	return nil
}

// Entry is the cached view of a device's newest reading.
type Entry struct {
	DeviceID   string          `json:"device_id"`
	Ratio      float64         `json:"ratio"`
	Ro         float64         `json:"ro"`
	Rs         float64         `json:"rs"`
	Vout       float64         `json:"vout"`
	State      freshness.State `json:"state"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Latest stores one Entry per device under latest_reading:<id>.
type Latest struct {
	kv  KV
	ttl time.Duration
}

// NewLatest wraps kv. A non-positive ttl falls back to DefaultTTL.
func NewLatest(kv KV, ttl time.Duration) *Latest {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Latest{kv: kv, ttl: ttl}
}

func latestKey(deviceID string) string {
	return "latest_reading:" + deviceID
}

// Put records a classified reading.
func (l *Latest) Put(ctx context.Context, r device.Reading, state freshness.State) error {
	body, err := json.Marshal(Entry{
		DeviceID:   r.DeviceID,
		Ratio:      r.Ratio,
		Ro:         r.Ro,
		Rs:         r.Rs,
		Vout:       r.Vout,
		State:      state,
		ObservedAt: r.ObservedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode latest reading: %w", err)
	}
	if err := l.kv.Set(ctx, latestKey(r.DeviceID), string(body), l.ttl); err != nil {
		return fmt.Errorf("cache latest reading: %w", err)
	}
	return nil
}

// Get returns the cached entry or ErrMiss.
func (l *Latest) Get(ctx context.Context, deviceID string) (Entry, error) {
	raw, err := l.kv.Get(ctx, latestKey(deviceID))
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, fmt.Errorf("decode latest reading: %w", err)
	}
	return e, nil
}
