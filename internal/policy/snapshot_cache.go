package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/clearance/model"
)

// SnapshotCache is the optional second-level cache of fetched snapshots.
// It exists to warm restarted instances, not to extend freshness: the
// Store still applies its own TTLs to whatever it reads back, and
// override expiration is recomputed on every read regardless of where a
// snapshot came from. The key format is "policy:{tenantId}".
type SnapshotCache interface {
	// Get returns the cached snapshot and the time it was originally
	// fetched from the backend.
	Get(ctx context.Context, tenantID string) (snapshot *model.ResolvedPolicy, fetchedAt time.Time, ok bool)

	// Put saves a snapshot with a TTL.
	Put(ctx context.Context, tenantID string, snapshot *model.ResolvedPolicy, fetchedAt time.Time, ttl time.Duration) error

	// Delete removes a tenant's cached snapshot.
	Delete(ctx context.Context, tenantID string)
}

// snapshotEntry is the stored value for a cached snapshot. The policy is
// kept in the backend wire format so the stored form round-trips through
// the same validated decoder as a live fetch.
type snapshotEntry struct {
	FetchedAt time.Time       `json:"fetched_at"`
	Policy    json.RawMessage `json:"policy"`
}

func encodeSnapshotEntry(snapshot *model.ResolvedPolicy, fetchedAt time.Time) ([]byte, error) {
	policy, err := encodePolicy(snapshot)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snapshotEntry{FetchedAt: fetchedAt, Policy: policy})
}

func decodeSnapshotEntry(raw []byte) (*model.ResolvedPolicy, time.Time, error) {
	var e snapshotEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, time.Time{}, fmt.Errorf("policy: unmarshal snapshot entry: %w", err)
	}
	snapshot, err := DecodePolicy(e.Policy)
	if err != nil {
		return nil, time.Time{}, err
	}
	return snapshot, e.FetchedAt, nil
}

// FormatSnapshotKey builds the standard snapshot cache key.
func FormatSnapshotKey(tenantID string) string {
	return "policy:" + tenantID
}

// --- MemorySnapshotCache ---

// MemorySnapshotCache is an in-memory SnapshotCache with TTL support.
// Suitable for testing and single-instance deployments.
type MemorySnapshotCache struct {
	mu      sync.RWMutex
	entries map[string]*memSnapshot
}

type memSnapshot struct {
	snapshot  *model.ResolvedPolicy
	fetchedAt time.Time
	expiresAt time.Time
}

// NewMemorySnapshotCache creates a new in-memory snapshot cache.
func NewMemorySnapshotCache() *MemorySnapshotCache {
	return &MemorySnapshotCache{entries: make(map[string]*memSnapshot)}
}

// Get returns a cached snapshot if present and unexpired.
func (c *MemorySnapshotCache) Get(_ context.Context, tenantID string) (*model.ResolvedPolicy, time.Time, bool) {
	key := FormatSnapshotKey(tenantID)

	c.mu.RLock()
	e, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return nil, time.Time{}, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, time.Time{}, false
	}
	return e.snapshot, e.fetchedAt, true
}

// Put saves a snapshot with TTL.
func (c *MemorySnapshotCache) Put(_ context.Context, tenantID string, snapshot *model.ResolvedPolicy, fetchedAt time.Time, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[FormatSnapshotKey(tenantID)] = &memSnapshot{
		snapshot:  snapshot,
		fetchedAt: fetchedAt,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Delete removes a tenant's cached snapshot.
func (c *MemorySnapshotCache) Delete(_ context.Context, tenantID string) {
	c.mu.Lock()
	delete(c.entries, FormatSnapshotKey(tenantID))
	c.mu.Unlock()
}

// Len returns the number of entries (including expired ones). For testing.
func (c *MemorySnapshotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// --- RedisSnapshotCache ---

// RedisSnapshotCache is a Redis-backed SnapshotCache shared by all
// clearance instances.
type RedisSnapshotCache struct {
	client redis.Cmdable
}

// NewRedisSnapshotCache creates a new Redis-backed snapshot cache.
func NewRedisSnapshotCache(client redis.Cmdable) *RedisSnapshotCache {
	return &RedisSnapshotCache{client: client}
}

// Get returns a cached snapshot from Redis. A corrupt or non-conforming
// stored value is treated as a miss; the caller falls through to the
// backend.
func (c *RedisSnapshotCache) Get(ctx context.Context, tenantID string) (*model.ResolvedPolicy, time.Time, bool) {
	raw, err := c.client.Get(ctx, FormatSnapshotKey(tenantID)).Bytes()
	if err != nil {
		return nil, time.Time{}, false
	}
	snapshot, fetchedAt, err := decodeSnapshotEntry(raw)
	if err != nil {
		return nil, time.Time{}, false
	}
	return snapshot, fetchedAt, true
}

// Put saves a snapshot in Redis with TTL.
func (c *RedisSnapshotCache) Put(ctx context.Context, tenantID string, snapshot *model.ResolvedPolicy, fetchedAt time.Time, ttl time.Duration) error {
	data, err := encodeSnapshotEntry(snapshot, fetchedAt)
	if err != nil {
		return err
	}
	key := FormatSnapshotKey(tenantID)
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("policy: redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes a tenant's cached snapshot from Redis.
func (c *RedisSnapshotCache) Delete(ctx context.Context, tenantID string) {
	c.client.Del(ctx, FormatSnapshotKey(tenantID))
}

// HealthCheck verifies Redis connectivity for readiness checks.
func (c *RedisSnapshotCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
