package policy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/clearance/model"
)

// Store caches one ResolvedPolicy per tenant.
//
// Freshness model: a snapshot younger than FreshTTL is served without a
// refetch. Between FreshTTL and EvictTTL the snapshot is stale: Fetch
// refreshes it, and if the refresh fails the stale snapshot is still
// returned alongside the error. At EvictTTL the entry is dropped
// entirely and the tenant must be refetched from scratch.
//
// Snapshot replacement is atomic: readers observe either the prior or
// the new snapshot, never a mix. Concurrent fetches for one tenant
// collapse into a single backend call.
type Store struct {
	fetcher  Fetcher
	warm     SnapshotCache
	freshTTL time.Duration
	evictTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry
	gens    map[string]uint64
}

type entry struct {
	snapshot  *model.ResolvedPolicy
	fetchedAt time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithWarmCache attaches a second-level snapshot cache consulted before
// the backend on a cold start.
func WithWarmCache(c SnapshotCache) StoreOption {
	return func(s *Store) { s.warm = c }
}

// WithStoreClock pins the store's clock. For tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store over the given fetcher.
func NewStore(fetcher Fetcher, freshTTL, evictTTL time.Duration, logger *zap.Logger, opts ...StoreOption) *Store {
	if freshTTL <= 0 {
		freshTTL = 5 * time.Minute
	}
	if evictTTL <= freshTTL {
		evictTTL = 2 * freshTTL
	}
	s := &Store{
		fetcher:  fetcher,
		freshTTL: freshTTL,
		evictTTL: evictTTL,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]*entry),
		gens:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the tenant's cached snapshot without triggering any
// I/O, or nil when none is cached (or the entry has aged past the
// eviction bound). This is the read path capability resolution uses; a
// nil return resolves fail-closed.
func (s *Store) Snapshot(_ context.Context, tenantID string) *model.ResolvedPolicy {
	s.mu.RLock()
	e, ok := s.entries[tenantID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if s.now().Sub(e.fetchedAt) >= s.evictTTL {
		s.evictAged(tenantID, e)
		return nil
	}
	return e.snapshot
}

// evictAged removes an entry that aged out, re-checking under the write
// lock that it was not replaced meanwhile.
func (s *Store) evictAged(tenantID string, aged *entry) {
	s.mu.Lock()
	if cur, ok := s.entries[tenantID]; ok && cur == aged {
		delete(s.entries, tenantID)
	}
	s.mu.Unlock()
}

// Fetch returns the tenant's policy, refreshing it when stale or absent.
// It is idempotent and safe to call on every request:
//   - fresh cache → snapshot, nil
//   - stale cache, refresh fails → stale snapshot, error
//   - no cache, fetch fails → nil, error
//
// A nil snapshot with a nil error never occurs. Concurrent calls for the
// same tenant share one backend request.
func (s *Store) Fetch(ctx context.Context, tenantID string) (*model.ResolvedPolicy, error) {
	now := s.now()

	s.mu.RLock()
	e, ok := s.entries[tenantID]
	s.mu.RUnlock()

	if ok {
		age := now.Sub(e.fetchedAt)
		switch {
		case age < s.freshTTL:
			return e.snapshot, nil
		case age >= s.evictTTL:
			s.evictAged(tenantID, e)
			e = nil
		}
	} else {
		e = nil
	}

	snapshot, err := s.refresh(ctx, tenantID)
	if err != nil {
		if e != nil {
			// Stale-but-present beats fail-closed; surface the error so
			// the UI can warn, but keep serving the last-known policy.
			return e.snapshot, err
		}
		return nil, err
	}
	return snapshot, nil
}

// Refresh forces a refetch regardless of freshness. Any in-flight fetch
// started before the refresh is superseded: its late-arriving response
// is discarded at commit time.
func (s *Store) Refresh(ctx context.Context, tenantID string) (*model.ResolvedPolicy, error) {
	s.bumpGeneration(tenantID)
	s.group.Forget(tenantID)
	return s.refresh(ctx, tenantID)
}

// Invalidate drops the tenant's cached snapshot and supersedes any fetch
// in flight. Called when the tenant context ends.
func (s *Store) Invalidate(tenantID string) {
	s.bumpGeneration(tenantID)
	s.group.Forget(tenantID)
	s.mu.Lock()
	delete(s.entries, tenantID)
	s.mu.Unlock()
	if s.warm != nil {
		s.warm.Delete(context.Background(), tenantID)
	}
}

func (s *Store) bumpGeneration(tenantID string) {
	s.mu.Lock()
	s.gens[tenantID]++
	s.mu.Unlock()
}

func (s *Store) generation(tenantID string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gens[tenantID]
}

// refresh performs the single-flight fetch and commits the result under
// a generation check so a superseded response never overwrites a newer
// snapshot.
func (s *Store) refresh(ctx context.Context, tenantID string) (*model.ResolvedPolicy, error) {
	gen := s.generation(tenantID)

	ch := s.group.DoChan(tenantID, func() (any, error) {
		return s.fetchAndCommit(context.WithoutCancel(ctx), tenantID, gen)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.ResolvedPolicy), nil
	}
}

func (s *Store) fetchAndCommit(ctx context.Context, tenantID string, gen uint64) (*model.ResolvedPolicy, error) {
	// Cold start: a warm snapshot within the fresh window avoids hitting
	// the backend after a restart. Read-time override expiration keeps
	// warm snapshots safe to serve.
	if s.warm != nil {
		if snapshot, fetchedAt, ok := s.warm.Get(ctx, tenantID); ok {
			if s.now().Sub(fetchedAt) < s.freshTTL {
				s.commit(tenantID, gen, snapshot, fetchedAt)
				return snapshot, nil
			}
		}
	}

	snapshot, err := s.fetcher.FetchPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	fetchedAt := s.now()
	s.commit(tenantID, gen, snapshot, fetchedAt)

	if s.warm != nil {
		if err := s.warm.Put(ctx, tenantID, snapshot, fetchedAt, s.evictTTL); err != nil {
			s.logger.Warn("policy: warm cache write failed",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
		}
	}
	return snapshot, nil
}

// commit installs a snapshot unless the tenant's generation moved while
// the fetch was in flight, in which case the response is stale by
// definition and dropped.
func (s *Store) commit(tenantID string, gen uint64, snapshot *model.ResolvedPolicy, fetchedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[tenantID] != gen {
		s.logger.Debug("policy: discarding superseded fetch",
			zap.String("tenant_id", tenantID),
		)
		return
	}
	s.entries[tenantID] = &entry{snapshot: snapshot, fetchedAt: fetchedAt}
}
