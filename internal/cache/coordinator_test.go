package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ranktracker/internal/domain"
)

type fakeFetcher struct {
	calls  int32
	delay  time.Duration
	err    error
	markup []byte
}

func (f *fakeFetcher) Fetch(ctx context.Context, region domain.Region) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.markup, nil
}

func (f *fakeFetcher) count() int32 { return atomic.LoadInt32(&f.calls) }

type fakeStore struct {
	mu         sync.Mutex
	persisted  map[domain.Region][]domain.LeaderboardEntry
	fetchedAt  map[domain.Region]time.Time
	replaceErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		persisted: make(map[domain.Region][]domain.LeaderboardEntry),
		fetchedAt: make(map[domain.Region]time.Time),
	}
}

func (s *fakeStore) Replace(ctx context.Context, region domain.Region, entries []domain.LeaderboardEntry, fetchedAt time.Time) ([]domain.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceErr != nil {
		return nil, s.replaceErr
	}
	s.persisted[region] = entries
	s.fetchedAt[region] = fetchedAt
	return entries, nil
}

func (s *fakeStore) GetByRegion(ctx context.Context, region domain.Region) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &domain.Snapshot{
		Region:    region,
		Entries:   s.persisted[region],
		FetchedAt: s.fetchedAt[region],
	}, nil
}

func leaderboardMarkup(n int) []byte {
	markup := "<html><body>"
	for i := 1; i <= n; i++ {
		markup += fmt.Sprintf(`<div class="leaderboard_row"><span class="rank">%d</span><span class="player-name">Player%d</span></div>`, i, i)
	}
	return []byte(markup + "</body></html>")
}

func newTestCoordinator(fetcher Fetcher, store Store, ttl time.Duration) *Coordinator {
	return NewCoordinator(fetcher, store, ttl, zerolog.Nop())
}

func TestGetFetchesAndCaches(t *testing.T) {
	fetcher := &fakeFetcher{markup: leaderboardMarkup(5)}
	store := newFakeStore()
	c := newTestCoordinator(fetcher, store, 24*time.Hour)

	res := c.Get(context.Background(), domain.RegionEurope)
	if !res.Success || res.Source != SourceLive || res.TotalCount != 5 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if fetcher.count() != 1 {
		t.Fatalf("expected 1 fetch, got %d", fetcher.count())
	}

	// fresh cache answers without another fetch
	res2 := c.Get(context.Background(), domain.RegionEurope)
	if fetcher.count() != 1 {
		t.Fatalf("fresh cache should not refetch, got %d fetches", fetcher.count())
	}
	if res2.FetchedAt != res.FetchedAt {
		t.Error("second get should return the cached snapshot")
	}

	if len(store.persisted[domain.RegionEurope]) != 5 {
		t.Error("snapshot was not persisted")
	}
}

func TestSingleFlight(t *testing.T) {
	fetcher := &fakeFetcher{markup: leaderboardMarkup(3), delay: 50 * time.Millisecond}
	c := newTestCoordinator(fetcher, newFakeStore(), 24*time.Hour)

	const callers = 20
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Get(context.Background(), domain.RegionAmericas)
		}()
	}
	wg.Wait()

	if fetcher.count() != 1 {
		t.Fatalf("concurrent gets should collapse to 1 fetch, got %d", fetcher.count())
	}
	for i, r := range results {
		if !r.Success || r.TotalCount != 3 {
			t.Fatalf("caller %d got %+v", i, r)
		}
		if r.FetchedAt != results[0].FetchedAt {
			t.Fatalf("caller %d resolved to a different snapshot", i)
		}
	}
}

func TestSingleFlightPerRegion(t *testing.T) {
	fetcher := &fakeFetcher{markup: leaderboardMarkup(2), delay: 20 * time.Millisecond}
	c := newTestCoordinator(fetcher, newFakeStore(), 24*time.Hour)

	var wg sync.WaitGroup
	for _, region := range domain.AllRegions() {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.Get(context.Background(), region)
			}()
		}
	}
	wg.Wait()

	if got := fetcher.count(); got != int32(len(domain.AllRegions())) {
		t.Fatalf("expected one fetch per region, got %d", got)
	}
}

func TestTTLExpiryTriggersRefetch(t *testing.T) {
	fetcher := &fakeFetcher{markup: leaderboardMarkup(2)}
	c := newTestCoordinator(fetcher, newFakeStore(), 30*time.Millisecond)

	c.Get(context.Background(), domain.RegionSEA)
	c.Get(context.Background(), domain.RegionSEA)
	if fetcher.count() != 1 {
		t.Fatalf("expected 1 fetch before expiry, got %d", fetcher.count())
	}

	time.Sleep(40 * time.Millisecond)
	c.Get(context.Background(), domain.RegionSEA)
	if fetcher.count() != 2 {
		t.Fatalf("expected refetch after TTL expiry, got %d fetches", fetcher.count())
	}
}

func TestFallbackToDatabase(t *testing.T) {
	store := newFakeStore()
	entries := make([]domain.LeaderboardEntry, 50)
	for i := range entries {
		entries[i] = domain.LeaderboardEntry{
			Region: domain.RegionAmericas, Rank: i + 1, DisplayName: fmt.Sprintf("P%d", i+1),
		}
	}
	store.persisted[domain.RegionAmericas] = entries
	store.fetchedAt[domain.RegionAmericas] = time.Now().Add(-48 * time.Hour)

	fetcher := &fakeFetcher{err: errors.New("upstream down")}
	c := newTestCoordinator(fetcher, store, 24*time.Hour)

	res := c.Get(context.Background(), domain.RegionAmericas)
	if !res.Success || res.Source != SourceDatabase || res.TotalCount != 50 {
		t.Fatalf("expected database fallback with 50 rows, got %+v", res)
	}
	// failed scrapes must not populate the in-memory cache
	if c.Cached(domain.RegionAmericas) != nil {
		t.Error("fallback result leaked into cache")
	}
}

func TestColdRegionReturnsExplicitEmpty(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("upstream down")}
	c := newTestCoordinator(fetcher, newFakeStore(), 24*time.Hour)

	res := c.Get(context.Background(), domain.RegionEurope)
	if res.Success {
		t.Fatal("cold region should not report success")
	}
	if res.Entries == nil || len(res.Entries) != 0 || res.TotalCount != 0 {
		t.Fatalf("cold region should return an explicit empty list, got %+v", res)
	}
}

func TestEmptyExtractionFallsBack(t *testing.T) {
	fetcher := &fakeFetcher{markup: []byte("<html><body></body></html>")}
	store := newFakeStore()
	store.persisted[domain.RegionChina] = []domain.LeaderboardEntry{
		{Region: domain.RegionChina, Rank: 1, DisplayName: "Old"},
	}
	c := newTestCoordinator(fetcher, store, 24*time.Hour)

	res := c.Get(context.Background(), domain.RegionChina)
	if !res.Success || res.Source != SourceDatabase {
		t.Fatalf("empty extraction should degrade to database, got %+v", res)
	}
}

func TestForceUpdateBypassesTTL(t *testing.T) {
	fetcher := &fakeFetcher{markup: leaderboardMarkup(2)}
	c := newTestCoordinator(fetcher, newFakeStore(), 24*time.Hour)

	c.Get(context.Background(), domain.RegionEurope)
	res := c.ForceUpdate(context.Background(), domain.RegionEurope)
	if fetcher.count() != 2 {
		t.Fatalf("force update should refetch, got %d fetches", fetcher.count())
	}
	if !res.Success || res.Source != SourceLive {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPersistenceFailureStillServes(t *testing.T) {
	store := newFakeStore()
	store.replaceErr = errors.New("disk full")
	fetcher := &fakeFetcher{markup: leaderboardMarkup(4)}
	c := newTestCoordinator(fetcher, store, 24*time.Hour)

	res := c.Get(context.Background(), domain.RegionEurope)
	if !res.Success || res.Source != SourceLive || res.TotalCount != 4 {
		t.Fatalf("persistence failure must not block the live result, got %+v", res)
	}
}

func TestClearDropsMemoryOnly(t *testing.T) {
	fetcher := &fakeFetcher{markup: leaderboardMarkup(2)}
	store := newFakeStore()
	c := newTestCoordinator(fetcher, store, 24*time.Hour)

	c.Get(context.Background(), domain.RegionEurope)
	c.Clear()
	if c.Cached(domain.RegionEurope) != nil {
		t.Error("clear should drop cached snapshots")
	}
	if len(store.persisted[domain.RegionEurope]) == 0 {
		t.Error("clear must not touch persistence")
	}
}
