// Package identity maintains the cross-channel identity mapping, the
// short-window message dedup, and per-user notification preferences.
//
// State lives in a key/value store with TTL and set semantics:
//
//	id:<channel>:<channelUserId>  → ChannelIdentity JSON (forward index)
//	id:user:<userId>              → set of "<channel>:<channelUserId>" (reverse)
//	dedup:<userId>:<fingerprint>  → "1" with TTL
//	prefs:<userId>                → Preferences JSON
//	sess:<sessionId>              → userID with TTL (web sessions)
package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key is absent.
var ErrNotFound = errors.New("identity: not found")

// KV is the minimal store contract. Any backend with atomic set-if-absent
// and sets suffices; production uses Redis, tests and standalone mode use
// the in-memory implementation.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// redisKV backs KV with Redis.
type redisKV struct {
	rdb *redis.Client
}

// NewRedisKV wraps a Redis client as a KV.
func NewRedisKV(rdb *redis.Client) KV {
	return &redisKV{rdb: rdb}
}

func (r *redisKV) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *redisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *redisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (r *redisKV) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *redisKV) SAdd(ctx context.Context, key string, members ...string) error {
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return r.rdb.SAdd(ctx, key, vals...).Err()
}

func (r *redisKV) SRem(ctx context.Context, key string, members ...string) error {
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return r.rdb.SRem(ctx, key, vals...).Err()
}

func (r *redisKV) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.rdb.SMembers(ctx, key).Result()
}

// memoryKV is the in-process KV for tests and single-node standalone runs.
type memoryKV struct {
	mu   sync.Mutex
	vals map[string]memEntry
	sets map[string]map[string]struct{}
}

type memEntry struct {
	value   string
	expires time.Time // zero = no expiry
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() KV {
	return &memoryKV{
		vals: make(map[string]memEntry),
		sets: make(map[string]map[string]struct{}),
	}
}

func (m *memoryKV) live(key string) (memEntry, bool) {
	e, ok := m.vals[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(m.vals, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *memoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *memoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = entryWithTTL(value, ttl)
	return nil
}

func (m *memoryKV) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.vals[key] = entryWithTTL(value, ttl)
	return true, nil
}

func (m *memoryKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.vals, k)
		delete(m.sets, k)
	}
	return nil
}

func (m *memoryKV) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	return nil
}

func (m *memoryKV) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.sets[key]; ok {
		for _, mem := range members {
			delete(set, mem)
		}
	}
	return nil
}

func (m *memoryKV) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for mem := range set {
		out = append(out, mem)
	}
	return out, nil
}

func entryWithTTL(value string, ttl time.Duration) memEntry {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	return e
}
