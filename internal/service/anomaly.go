package service

import (
	"context"

	"github.com/rs/zerolog"

	"ranktracker/internal/cache"
	"ranktracker/internal/constants"
	"ranktracker/internal/domain"
	"ranktracker/internal/repository"
)

// AnomalyService computes suspicion reports from the current snapshot and the
// known-players registry. Strictly read-only: repeated detection over the same
// state yields the same report and never writes a change-log row. Log writes
// belong to the reconciliation path in KnownPlayerService.
type AnomalyService struct {
	players     *repository.KnownPlayerRepository
	snapshots   *repository.SnapshotRepository
	coordinator *cache.Coordinator
	logger      zerolog.Logger
}

func NewAnomalyService(
	players *repository.KnownPlayerRepository,
	snapshots *repository.SnapshotRepository,
	coordinator *cache.Coordinator,
	logger zerolog.Logger,
) *AnomalyService {
	return &AnomalyService{players: players, snapshots: snapshots, coordinator: coordinator, logger: logger}
}

type VolatilityAnomaly struct {
	Entry      domain.LeaderboardEntry `json:"entry"`
	Player     *domain.KnownPlayer     `json:"player,omitempty"`
	ExceededBy int                     `json:"exceededBy"`
	Sector     int                     `json:"sector"`
}

type NameChange struct {
	SteamID  string `json:"steamId"`
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
	Rank     int    `json:"rank"`
}

type AnomalySummary struct {
	VolatilityCount    int `json:"volatilityCount"`
	UnknownPlayerCount int `json:"unknownPlayerCount"`
	NameChangeCount    int `json:"nameChangeCount"`
	EntriesScanned     int `json:"entriesScanned"`
	KnownPlayerCount   int `json:"knownPlayerCount"`
}

type AnomalyReport struct {
	Region              domain.Region             `json:"region"`
	VolatilityAnomalies []VolatilityAnomaly       `json:"volatilityAnomalies"`
	UnknownPlayers      []domain.LeaderboardEntry `json:"unknownPlayers"`
	NameChanges         []NameChange              `json:"nameChanges"`
	Summary             AnomalySummary            `json:"summary"`
}

// DetectAnomalies flags three classes of movement for one region: known
// players who moved further than their sector allows, top-N entries with no
// curated identity (a worklist for humans, never auto-created), and known
// identities whose displayed name changed.
func (s *AnomalyService) DetectAnomalies(ctx context.Context, regionCode string) (*AnomalyReport, error) {
	region, err := domain.ParseRegion(regionCode)
	if err != nil {
		return nil, err
	}

	report := &AnomalyReport{
		Region:              region,
		VolatilityAnomalies: []VolatilityAnomaly{},
		UnknownPlayers:      []domain.LeaderboardEntry{},
		NameChanges:         []NameChange{},
	}

	snap := s.currentSnapshot(ctx, region)
	if snap == nil || len(snap.Entries) == 0 {
		return report, nil
	}

	players, err := s.players.ListByRegion(ctx, region)
	if err != nil {
		return nil, err
	}

	knownBySteamID := make(map[string]*domain.KnownPlayer, len(players))
	knownNames := make(map[string]bool, len(players)*2)
	for i := range players {
		knownBySteamID[players[i].SteamID] = &players[i]
		knownNames[players[i].CompetitiveName] = true
		if players[i].ObservedDisplayName != "" {
			knownNames[players[i].ObservedDisplayName] = true
		}
	}

	for _, e := range snap.Entries {
		player := knownBySteamID[e.SteamID]

		if exceededBy, exceeded := domain.ExceedsVolatility(e.PreviousRank, e.Rank); exceeded && player != nil {
			report.VolatilityAnomalies = append(report.VolatilityAnomalies, VolatilityAnomaly{
				Entry:      e,
				Player:     player,
				ExceededBy: exceededBy,
				Sector:     domain.VolatilitySector(e.Rank),
			})
		}

		if e.Rank <= constants.UnknownPlayerTopN && player == nil && !knownNames[e.DisplayName] {
			report.UnknownPlayers = append(report.UnknownPlayers, e)
		}

		if player != nil && player.ObservedDisplayName != "" && player.ObservedDisplayName != e.DisplayName {
			report.NameChanges = append(report.NameChanges, NameChange{
				SteamID:  e.SteamID,
				OldValue: player.ObservedDisplayName,
				NewValue: e.DisplayName,
				Rank:     e.Rank,
			})
		}
	}

	report.Summary = AnomalySummary{
		VolatilityCount:    len(report.VolatilityAnomalies),
		UnknownPlayerCount: len(report.UnknownPlayers),
		NameChangeCount:    len(report.NameChanges),
		EntriesScanned:     len(snap.Entries),
		KnownPlayerCount:   len(players),
	}

	s.logger.Debug().Str("region", regionCode).
		Int("volatility", report.Summary.VolatilityCount).
		Int("unknown", report.Summary.UnknownPlayerCount).
		Int("name_changes", report.Summary.NameChangeCount).
		Msg("anomaly detection completed")
	return report, nil
}

// persisted snapshot first, it carries the identity links; cache covers a
// failed persistence write
func (s *AnomalyService) currentSnapshot(ctx context.Context, region domain.Region) *domain.Snapshot {
	snap, err := s.snapshots.GetByRegion(ctx, region)
	if err == nil && len(snap.Entries) > 0 {
		return snap
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("region", string(region)).Msg("persisted snapshot unavailable")
	}
	return s.coordinator.Cached(region)
}
