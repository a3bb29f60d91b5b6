package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"ranktracker/internal/constants"
	"ranktracker/internal/domain"
	"ranktracker/internal/scraper"
)

// Fetcher retrieves raw leaderboard markup for one region.
type Fetcher interface {
	Fetch(ctx context.Context, region domain.Region) ([]byte, error)
}

// Store is the durable fallback behind the in-memory cache.
type Store interface {
	Replace(ctx context.Context, region domain.Region, entries []domain.LeaderboardEntry, fetchedAt time.Time) ([]domain.LeaderboardEntry, error)
	GetByRegion(ctx context.Context, region domain.Region) (*domain.Snapshot, error)
}

// Result is what read callers get back. Source tells them whether the entries
// came from a live scrape or the persisted fallback.
type Result struct {
	Success    bool                      `json:"success"`
	Region     domain.Region             `json:"region"`
	Entries    []domain.LeaderboardEntry `json:"entries"`
	FetchedAt  time.Time                 `json:"fetchedAt"`
	Source     string                    `json:"source"` // "live" or "database"
	TotalCount int                       `json:"totalCount"`
}

const (
	SourceLive     = "live"
	SourceDatabase = "database"
)

type cachedSnapshot struct {
	snapshot *domain.Snapshot
}

// Coordinator owns the per-region in-memory cache and collapses concurrent
// refreshes for the same region into one network fetch. All state is
// process-local; a horizontally scaled deployment would duplicate fetch work,
// which is an accepted limitation of the single-instance design.
type Coordinator struct {
	fetcher Fetcher
	store   Store
	ttl     time.Duration
	logger  zerolog.Logger

	mu        sync.RWMutex
	snapshots map[domain.Region]*cachedSnapshot

	group singleflight.Group
}

func NewCoordinator(fetcher Fetcher, store Store, ttl time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		fetcher:   fetcher,
		store:     store,
		ttl:       ttl,
		logger:    logger,
		snapshots: make(map[domain.Region]*cachedSnapshot),
	}
}

// Get returns the region's leaderboard, serving from cache while the snapshot
// is younger than the TTL. A stale or missing snapshot triggers one refresh;
// concurrent callers for the same region share that single in-flight fetch
// instead of issuing their own. Waiting is bounded: a caller that outlives the
// wait window proceeds with whatever is cached, possibly nothing.
func (c *Coordinator) Get(ctx context.Context, region domain.Region) *Result {
	if snap := c.fresh(region); snap != nil {
		return liveResult(snap)
	}
	return c.refresh(ctx, region)
}

// ForceUpdate invalidates the cached snapshot and refreshes synchronously.
func (c *Coordinator) ForceUpdate(ctx context.Context, region domain.Region) *Result {
	c.Invalidate(region)
	return c.refresh(ctx, region)
}

func (c *Coordinator) Invalidate(region domain.Region) {
	c.mu.Lock()
	delete(c.snapshots, region)
	c.mu.Unlock()
}

// Clear drops all in-memory state. Persistence is untouched.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	c.snapshots = make(map[domain.Region]*cachedSnapshot)
	c.mu.Unlock()
}

// Cached returns the in-memory snapshot regardless of freshness, or nil.
func (c *Coordinator) Cached(region domain.Region) *domain.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cs, ok := c.snapshots[region]; ok {
		return cs.snapshot
	}
	return nil
}

func (c *Coordinator) fresh(region domain.Region) *domain.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cs, ok := c.snapshots[region]
	if !ok {
		return nil
	}
	if time.Since(cs.snapshot.FetchedAt) >= c.ttl {
		return nil
	}
	return cs.snapshot
}

func (c *Coordinator) refresh(ctx context.Context, region domain.Region) *Result {
	ch := c.group.DoChan(string(region), func() (interface{}, error) {
		return c.doRefresh(context.WithoutCancel(ctx), region), nil
	})

	waitCtx, cancel := context.WithTimeout(ctx, constants.InflightWaitTimeout)
	defer cancel()

	select {
	case res := <-ch:
		return res.Val.(*Result)
	case <-waitCtx.Done():
		// the in-flight fetch keeps running; this caller settles for whatever
		// is cached right now
		c.logger.Warn().Str("region", string(region)).Msg("timed out waiting for in-flight refresh")
		if snap := c.Cached(region); snap != nil {
			return liveResult(snap)
		}
		return emptyResult(region)
	}
}

// doRefresh runs at most once per region at any time, guarded by the
// singleflight group. Failures never propagate: they degrade to the persisted
// snapshot, or to an explicit empty result when none exists.
func (c *Coordinator) doRefresh(ctx context.Context, region domain.Region) *Result {
	markup, err := c.fetcher.Fetch(ctx, region)
	if err != nil {
		c.logger.Warn().Err(err).Str("region", string(region)).Msg("leaderboard fetch failed")
		return c.fallback(ctx, region)
	}

	entries := scraper.Extract(region, markup)
	if len(entries) == 0 {
		c.logger.Warn().Err(scraper.ErrNoEntries).Str("region", string(region)).
			Msg("upstream markup may have drifted")
		return c.fallback(ctx, region)
	}

	fetchedAt := time.Now()
	persisted, err := c.store.Replace(ctx, region, entries, fetchedAt)
	if err != nil {
		// the in-memory result is still good; losing one durable write is
		// recoverable on the next cycle
		c.logger.Error().Err(err).Str("region", string(region)).Msg("failed to persist snapshot")
		persisted = entries
	}

	snap := &domain.Snapshot{Region: region, Entries: persisted, FetchedAt: fetchedAt}
	c.mu.Lock()
	c.snapshots[region] = &cachedSnapshot{snapshot: snap}
	c.mu.Unlock()

	c.logger.Info().Str("region", string(region)).Int("entries", len(persisted)).Msg("leaderboard refreshed")
	return liveResult(snap)
}

func (c *Coordinator) fallback(ctx context.Context, region domain.Region) *Result {
	snap, err := c.store.GetByRegion(ctx, region)
	if err != nil {
		c.logger.Error().Err(err).Str("region", string(region)).Msg("fallback read failed")
		return emptyResult(region)
	}
	if len(snap.Entries) == 0 {
		return emptyResult(region)
	}
	return &Result{
		Success:    true,
		Region:     region,
		Entries:    snap.Entries,
		FetchedAt:  snap.FetchedAt,
		Source:     SourceDatabase,
		TotalCount: len(snap.Entries),
	}
}

func liveResult(snap *domain.Snapshot) *Result {
	return &Result{
		Success:    true,
		Region:     snap.Region,
		Entries:    snap.Entries,
		FetchedAt:  snap.FetchedAt,
		Source:     SourceLive,
		TotalCount: len(snap.Entries),
	}
}

func emptyResult(region domain.Region) *Result {
	return &Result{
		Success: false,
		Region:  region,
		Entries: []domain.LeaderboardEntry{},
	}
}
