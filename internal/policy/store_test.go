package policy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/clearance/model"
)

// fakeFetcher counts calls and can be made to fail or block.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   int32
	err     error
	policy  *model.ResolvedPolicy
	blockCh chan struct{}
}

func (f *fakeFetcher) FetchPolicy(ctx context.Context, tenantID string) (*model.ResolvedPolicy, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.blockCh != nil {
		select {
		case <-f.blockCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.policy, nil
}

func (f *fakeFetcher) callCount() int { return int(atomic.LoadInt32(&f.calls)) }

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func testPolicy(planCode string) *model.ResolvedPolicy {
	return &model.ResolvedPolicy{
		Plan:         model.Plan{Code: planCode, Version: "v1"},
		Capabilities: model.CapabilitySet{"purchase_orders": model.BoolValue(true)},
	}
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(f Fetcher, opts ...StoreOption) (*Store, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append(opts, WithStoreClock(clock.Now))
	return NewStore(f, 5*time.Minute, 10*time.Minute, zap.NewNop(), opts...), clock
}

func TestStore_FetchCachesWithinFreshWindow(t *testing.T) {
	f := &fakeFetcher{policy: testPolicy("growth")}
	s, clock := newTestStore(f)
	ctx := context.Background()

	if _, err := s.Fetch(ctx, "t1"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	clock.Advance(4 * time.Minute)
	if _, err := s.Fetch(ctx, "t1"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if got := f.callCount(); got != 1 {
		t.Errorf("backend calls = %d, want 1 within fresh window", got)
	}
}

func TestStore_StaleRefreshFailureServesLastKnown(t *testing.T) {
	f := &fakeFetcher{policy: testPolicy("growth")}
	s, clock := newTestStore(f)
	ctx := context.Background()

	if _, err := s.Fetch(ctx, "t1"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	clock.Advance(6 * time.Minute) // past fresh, before evict
	f.setErr(errors.New("backend down"))

	snapshot, err := s.Fetch(ctx, "t1")
	if err == nil {
		t.Fatal("Fetch() error = nil, want surfaced refresh failure")
	}
	if snapshot == nil {
		t.Fatal("Fetch() snapshot = nil, want stale last-known snapshot")
	}
	if snapshot.Plan.Code != "growth" {
		t.Errorf("snapshot plan = %q, want growth", snapshot.Plan.Code)
	}
}

func TestStore_EvictionForcesRefetchFromScratch(t *testing.T) {
	f := &fakeFetcher{policy: testPolicy("growth")}
	s, clock := newTestStore(f)
	ctx := context.Background()

	if _, err := s.Fetch(ctx, "t1"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	clock.Advance(11 * time.Minute) // past evict bound
	f.setErr(errors.New("backend down"))

	if got := s.Snapshot(ctx, "t1"); got != nil {
		t.Error("Snapshot() after eviction window = non-nil, want nil")
	}
	snapshot, err := s.Fetch(ctx, "t1")
	if err == nil {
		t.Fatal("Fetch() error = nil, want failure with no cached fallback")
	}
	if snapshot != nil {
		t.Errorf("Fetch() snapshot = %+v, want nil after eviction", snapshot)
	}
}

func TestStore_NeverFetchedReturnsNil(t *testing.T) {
	f := &fakeFetcher{err: errors.New("backend down")}
	s, _ := newTestStore(f)

	if got := s.Snapshot(context.Background(), "t1"); got != nil {
		t.Errorf("Snapshot() = %+v, want nil before any fetch", got)
	}
	snapshot, err := s.Fetch(context.Background(), "t1")
	if err == nil {
		t.Fatal("Fetch() error = nil, want failure")
	}
	if snapshot != nil {
		t.Errorf("Fetch() snapshot = %+v, want nil when never obtained", snapshot)
	}
}

func TestStore_ConcurrentFetchesSingleFlight(t *testing.T) {
	f := &fakeFetcher{policy: testPolicy("growth"), blockCh: make(chan struct{})}
	s, _ := newTestStore(f)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*model.ResolvedPolicy, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Fetch(ctx, "t1")
		}(i)
	}

	// Give the goroutines time to pile onto the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(f.blockCh)
	wg.Wait()

	if got := f.callCount(); got != 1 {
		t.Errorf("backend calls = %d, want 1 for concurrent fetches", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d error = %v", i, errs[i])
		}
		if results[i] == nil || results[i].Plan.Code != "growth" {
			t.Errorf("caller %d snapshot = %+v, want shared growth snapshot", i, results[i])
		}
	}
}

func TestStore_SupersededFetchDiscarded(t *testing.T) {
	block := make(chan struct{})
	f := &fakeFetcher{policy: testPolicy("old"), blockCh: block}
	s, _ := newTestStore(f)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Fetch(ctx, "t1")
	}()
	time.Sleep(50 * time.Millisecond)

	// Tenant context changes while the fetch is in flight.
	s.Invalidate("t1")

	close(block)
	<-done

	if got := s.Snapshot(ctx, "t1"); got != nil {
		t.Errorf("Snapshot() = %+v, want nil: superseded response must not be committed", got)
	}
}

func TestStore_RefreshSupersedesInFlightFetch(t *testing.T) {
	block := make(chan struct{})
	f := &fakeFetcher{policy: testPolicy("old"), blockCh: block}
	s, _ := newTestStore(f)
	ctx := context.Background()

	started := make(chan struct{})
	go func() {
		close(started)
		s.Fetch(ctx, "t1")
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	// Explicit refresh supersedes the stalled fetch and gets new data.
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		f.mu.Lock()
		f.policy = testPolicy("new")
		f.mu.Unlock()
		s.Refresh(ctx, "t1")
	}()

	time.Sleep(50 * time.Millisecond)
	close(block)
	<-refreshDone

	snapshot := s.Snapshot(ctx, "t1")
	if snapshot == nil {
		t.Fatal("Snapshot() = nil after refresh")
	}
	if snapshot.Plan.Code != "new" {
		t.Errorf("plan = %q, want %q: stale response must not overwrite the refresh", snapshot.Plan.Code, "new")
	}
}

func TestStore_WarmCacheServesColdStart(t *testing.T) {
	warm := NewMemorySnapshotCache()
	fetchedAt := time.Date(2026, 3, 1, 11, 58, 0, 0, time.UTC) // 2m before test clock
	if err := warm.Put(context.Background(), "t1", testPolicy("growth"), fetchedAt, time.Hour); err != nil {
		t.Fatalf("warm Put() error = %v", err)
	}

	f := &fakeFetcher{policy: testPolicy("growth")}
	s, _ := newTestStore(f, WithWarmCache(warm))

	snapshot, err := s.Fetch(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if snapshot == nil {
		t.Fatal("Fetch() snapshot = nil")
	}
	if got := f.callCount(); got != 0 {
		t.Errorf("backend calls = %d, want 0: warm snapshot within fresh window", got)
	}
}

func TestStore_WarmCacheTooOldFallsThroughToBackend(t *testing.T) {
	warm := NewMemorySnapshotCache()
	fetchedAt := time.Date(2026, 3, 1, 11, 50, 0, 0, time.UTC) // 10m before test clock
	if err := warm.Put(context.Background(), "t1", testPolicy("stale"), fetchedAt, time.Hour); err != nil {
		t.Fatalf("warm Put() error = %v", err)
	}

	f := &fakeFetcher{policy: testPolicy("fresh")}
	s, _ := newTestStore(f, WithWarmCache(warm))

	snapshot, err := s.Fetch(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if snapshot.Plan.Code != "fresh" {
		t.Errorf("plan = %q, want fresh from backend", snapshot.Plan.Code)
	}
	if got := f.callCount(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
}
