package service

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"ranktracker/internal/cache"
	"ranktracker/internal/constants"
	"ranktracker/internal/domain"
	"ranktracker/internal/repository"
)

type LeaderboardService struct {
	coordinator *cache.Coordinator
	snapshots   *repository.SnapshotRepository
	logger      zerolog.Logger
}

func NewLeaderboardService(coordinator *cache.Coordinator, snapshots *repository.SnapshotRepository, logger zerolog.Logger) *LeaderboardService {
	return &LeaderboardService{coordinator: coordinator, snapshots: snapshots, logger: logger}
}

// GetLeaderboard serves a region's ranking, from cache when fresh, refreshing
// otherwise. Scrape failures degrade to persisted data; a region with no data
// at all yields success=false with an empty list, never an error.
func (s *LeaderboardService) GetLeaderboard(ctx context.Context, regionCode string) (*cache.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	region, err := domain.ParseRegion(regionCode)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("region", regionCode).Msg("getting leaderboard")
	return s.coordinator.Get(ctx, region), nil
}

// ForceRefresh always attempts a live fetch, bypassing the TTL.
func (s *LeaderboardService) ForceRefresh(ctx context.Context, regionCode string) (*cache.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	region, err := domain.ParseRegion(regionCode)
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("region", regionCode).Msg("forcing leaderboard refresh")
	return s.coordinator.ForceUpdate(ctx, region), nil
}

const (
	MatchExact       = "exact"
	MatchApproximate = "approximate"
)

type PlayerMatch struct {
	Entry     domain.LeaderboardEntry `json:"entry"`
	Region    domain.Region           `json:"region"`
	MatchType string                  `json:"matchType"`
	Score     float64                 `json:"score"`
}

// FindPlayerAcrossRegions searches every region's current snapshot for a
// display name, exact matches first, then approximate ones above the
// similarity threshold. Reads through cache and persistence only; it never
// triggers a scrape.
func (s *LeaderboardService) FindPlayerAcrossRegions(ctx context.Context, name string) ([]PlayerMatch, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.DatabaseTimeout)
	defer cancel()

	query := strings.TrimSpace(name)
	if query == "" {
		return nil, domain.ErrValidation
	}

	var matches []PlayerMatch
	for _, region := range domain.AllRegions() {
		snap := s.coordinator.Cached(region)
		if snap == nil {
			persisted, err := s.snapshots.GetByRegion(ctx, region)
			if err != nil {
				s.logger.Warn().Err(err).Str("region", string(region)).Msg("skipping region in player search")
				continue
			}
			snap = persisted
		}

		for _, e := range snap.Entries {
			if strings.EqualFold(e.DisplayName, query) {
				matches = append(matches, PlayerMatch{Entry: e, Region: region, MatchType: MatchExact, Score: 1})
				continue
			}
			if score := nameSimilarity(e.DisplayName, query); score >= constants.SimilarityThreshold {
				matches = append(matches, PlayerMatch{Entry: e, Region: region, MatchType: MatchApproximate, Score: score})
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].MatchType != matches[j].MatchType {
			return matches[i].MatchType == MatchExact
		}
		return matches[i].Score > matches[j].Score
	})

	s.logger.Debug().Str("name", query).Int("matches", len(matches)).Msg("cross-region player search completed")
	return matches, nil
}
