package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"ranktracker/internal/cache"
	"ranktracker/internal/constants"
	"ranktracker/internal/domain"
	"ranktracker/internal/service"
)

// Stats is the scheduler's lifetime bookkeeping. successfulRuns counts only
// cycles where every region refreshed live.
type Stats struct {
	TotalRuns      int       `json:"totalRuns"`
	SuccessfulRuns int       `json:"successfulRuns"`
	FailedRuns     int       `json:"failedRuns"`
	LastSuccess    time.Time `json:"lastSuccess"`
	LastError      string    `json:"lastError"`
	IsRunning      bool      `json:"isRunning"`
	NextRun        time.Time `json:"nextRun"`
}

// Scheduler drives the hourly refresh cycle. Each cycle fans out one
// goroutine per region; a region that panics or fails never takes its
// siblings down with it. A cycle already in progress when the next trigger
// fires is skipped, not queued.
type Scheduler struct {
	coordinator *cache.Coordinator
	known       *service.KnownPlayerService
	logger      zerolog.Logger

	cron    *cron.Cron
	entryID cron.EntryID
	running atomic.Bool

	mu    sync.Mutex
	stats Stats
}

func New(coordinator *cache.Coordinator, known *service.KnownPlayerService, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		coordinator: coordinator,
		known:       known,
		logger:      logger,
		cron:        cron.New(),
	}
}

func (s *Scheduler) Start() error {
	id, err := s.cron.AddFunc(constants.RefreshCronSpec, func() {
		s.runCycle(context.Background())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule refresh cycle: %w", err)
	}
	s.entryID = id
	s.cron.Start()
	s.logger.Info().Str("cron", constants.RefreshCronSpec).Msg("scheduler started")
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

// RunManual triggers one cycle outside the cron cadence. Returns false when a
// cycle was already in progress and this one was skipped.
func (s *Scheduler) RunManual(ctx context.Context) bool {
	return s.runCycle(ctx)
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()

	stats.IsRunning = s.running.Load()
	if s.entryID != 0 {
		stats.NextRun = s.cron.Entry(s.entryID).Next
	}
	return stats
}

type regionOutcome struct {
	region domain.Region
	ok     bool
	err    error
}

func (s *Scheduler) runCycle(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("refresh cycle already in progress, skipping")
		return false
	}
	defer s.running.Store(false)

	start := time.Now()
	regions := domain.AllRegions()
	s.logger.Info().Int("regions", len(regions)).Msg("refresh cycle starting")

	outcomes := make([]regionOutcome, len(regions))
	var wg sync.WaitGroup
	for i, region := range regions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = s.refreshRegion(ctx, region)
		}()
	}
	wg.Wait()

	succeeded := 0
	var firstErr error
	for _, o := range outcomes {
		if o.ok {
			succeeded++
			continue
		}
		if firstErr == nil && o.err != nil {
			firstErr = fmt.Errorf("region %s: %w", o.region, o.err)
		}
	}

	// cross-reference only makes sense against data that actually refreshed
	if succeeded > 0 {
		s.reconcile(ctx, outcomes)
	}

	s.mu.Lock()
	s.stats.TotalRuns++
	if succeeded == len(regions) {
		s.stats.SuccessfulRuns++
		s.stats.LastSuccess = time.Now()
		s.stats.LastError = ""
	} else {
		s.stats.FailedRuns++
		if firstErr != nil {
			s.stats.LastError = firstErr.Error()
		} else {
			s.stats.LastError = fmt.Sprintf("%d/%d regions refreshed", succeeded, len(regions))
		}
	}
	s.mu.Unlock()

	s.logger.Info().
		Int("succeeded", succeeded).
		Int("regions", len(regions)).
		Dur("elapsed", time.Since(start)).
		Msg("refresh cycle finished")
	return true
}

// refreshRegion is the per-region failure boundary: errors and panics are
// captured into the outcome so sibling regions keep going.
func (s *Scheduler) refreshRegion(ctx context.Context, region domain.Region) (out regionOutcome) {
	out.region = region
	defer func() {
		if r := recover(); r != nil {
			out.ok = false
			out.err = fmt.Errorf("panic: %v", r)
			s.logger.Error().Str("region", string(region)).Interface("panic", r).Msg("region refresh panicked")
		}
	}()

	result := s.coordinator.ForceUpdate(ctx, region)
	if result.Success && result.Source == cache.SourceLive {
		out.ok = true
		return out
	}

	out.err = fmt.Errorf("refresh degraded to %q", result.Source)
	if !result.Success {
		out.err = fmt.Errorf("no data available")
	}
	return out
}

// reconcile runs the identity-linking pass and the registry sync for every
// region that refreshed live this cycle.
func (s *Scheduler) reconcile(ctx context.Context, outcomes []regionOutcome) {
	for _, o := range outcomes {
		if !o.ok {
			continue
		}
		if _, err := s.known.LinkIdentities(ctx, o.region); err != nil {
			s.logger.Warn().Err(err).Str("region", string(o.region)).Msg("identity linking failed")
		}
		if _, err := s.known.SyncWithLeaderboard(ctx, string(o.region)); err != nil {
			s.logger.Warn().Err(err).Str("region", string(o.region)).Msg("registry sync failed")
		}
	}
}
