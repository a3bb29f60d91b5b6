package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"ranktracker/internal/cache"
	"ranktracker/internal/constants"
	"ranktracker/internal/domain"
	"ranktracker/internal/repository"
)

// steam64 ids are 17 decimal digits
var steamIDRegex = regexp.MustCompile(`^\d{17}$`)

type KnownPlayerService struct {
	players     *repository.KnownPlayerRepository
	snapshots   *repository.SnapshotRepository
	changes     *repository.ChangeLogRepository
	coordinator *cache.Coordinator
	logger      zerolog.Logger
}

func NewKnownPlayerService(
	players *repository.KnownPlayerRepository,
	snapshots *repository.SnapshotRepository,
	changes *repository.ChangeLogRepository,
	coordinator *cache.Coordinator,
	logger zerolog.Logger,
) *KnownPlayerService {
	return &KnownPlayerService{
		players:     players,
		snapshots:   snapshots,
		changes:     changes,
		coordinator: coordinator,
		logger:      logger,
	}
}

func (s *KnownPlayerService) List(ctx context.Context, regionCode string) ([]domain.KnownPlayer, error) {
	region, err := domain.ParseRegion(regionCode)
	if err != nil {
		return nil, err
	}
	return s.players.ListByRegion(ctx, region)
}

// Add registers a curated identity. Confidence is human-assigned here;
// automated paths can only ever lower it later.
func (s *KnownPlayerService) Add(ctx context.Context, steamID, competitiveName, regionCode, notes string, confidence domain.ConfidenceLevel) (*domain.KnownPlayer, error) {
	region, err := domain.ParseRegion(regionCode)
	if err != nil {
		return nil, err
	}
	if !steamIDRegex.MatchString(steamID) {
		return nil, fmt.Errorf("%w: malformed steam id %q", domain.ErrValidation, steamID)
	}
	if competitiveName == "" {
		return nil, fmt.Errorf("%w: competitive name is required", domain.ErrValidation)
	}
	if confidence == "" {
		confidence = domain.ConfidenceMedium
	}
	if _, err := domain.ParseConfidence(string(confidence)); err != nil {
		return nil, err
	}

	player := &domain.KnownPlayer{
		SteamID:          steamID,
		CompetitiveName:  competitiveName,
		Region:           region,
		ConfidenceLevel:  confidence,
		VolatilitySector: domain.SectorAdaptation,
		Status:           domain.StatusActive,
		Notes:            notes,
	}

	// seed rank data from the current snapshot when the player is already on it
	if snap := s.currentSnapshot(ctx, region); snap != nil {
		for _, e := range snap.Entries {
			if e.SteamID == steamID {
				player.ObservedDisplayName = e.DisplayName
				player.LastKnownRank = e.Rank
				player.VolatilitySector = domain.VolatilitySector(e.Rank)
				break
			}
		}
	}

	id, err := s.players.Insert(ctx, player)
	if err != nil {
		return nil, err
	}
	player.ID = id

	s.appendChanges(ctx, []domain.ChangeLogEntry{{
		Region:       region,
		SteamID:      steamID,
		DisplayName:  player.ObservedDisplayName,
		ChangeType:   domain.ChangeNewKnownPlayer,
		NewValue:     competitiveName,
		RankPosition: player.LastKnownRank,
	}})

	s.logger.Info().Str("steam_id", steamID).Str("region", regionCode).
		Str("name", competitiveName).Msg("known player added")
	return player, nil
}

// UpdateFields carries the optional mutations of a human edit. Nil means
// leave the column alone.
type UpdateFields struct {
	CompetitiveName *string
	Confidence      *domain.ConfidenceLevel
	Status          *domain.PlayerStatus
	Notes           *string
}

// Update applies a human edit. This is the only path allowed to raise a
// confidence level.
func (s *KnownPlayerService) Update(ctx context.Context, id int64, fields UpdateFields) (*domain.KnownPlayer, error) {
	player, err := s.players.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	oldName := player.CompetitiveName
	if fields.CompetitiveName != nil {
		if *fields.CompetitiveName == "" {
			return nil, fmt.Errorf("%w: competitive name cannot be empty", domain.ErrValidation)
		}
		player.CompetitiveName = *fields.CompetitiveName
	}
	if fields.Confidence != nil {
		if _, err := domain.ParseConfidence(string(*fields.Confidence)); err != nil {
			return nil, err
		}
		player.ConfidenceLevel = *fields.Confidence
	}
	if fields.Status != nil {
		switch *fields.Status {
		case domain.StatusActive, domain.StatusMissing, domain.StatusInactive:
		default:
			return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, *fields.Status)
		}
		player.Status = *fields.Status
	}
	if fields.Notes != nil {
		player.Notes = *fields.Notes
	}

	if err := s.players.Update(ctx, player); err != nil {
		return nil, err
	}

	s.appendChanges(ctx, []domain.ChangeLogEntry{{
		Region:       player.Region,
		SteamID:      player.SteamID,
		DisplayName:  player.ObservedDisplayName,
		ChangeType:   domain.ChangePlayerUpdated,
		OldValue:     oldName,
		NewValue:     player.CompetitiveName,
		RankPosition: player.LastKnownRank,
	}})

	return player, nil
}

func (s *KnownPlayerService) Remove(ctx context.Context, id int64) error {
	player, err := s.players.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.players.Delete(ctx, id); err != nil {
		return err
	}

	s.appendChanges(ctx, []domain.ChangeLogEntry{{
		Region:      player.Region,
		SteamID:     player.SteamID,
		DisplayName: player.ObservedDisplayName,
		ChangeType:  domain.ChangePlayerRemoved,
		OldValue:    player.CompetitiveName,
	}})

	s.logger.Info().Int64("id", id).Str("steam_id", player.SteamID).Msg("known player removed")
	return nil
}

type SyncResult struct {
	Updated []domain.KnownPlayer `json:"updated"`
	Missing []domain.KnownPlayer `json:"missing"`
}

// SyncWithLeaderboard is the write-path reconciliation: every known player
// present on the current snapshot gets its rank, sector, observed name and
// active status refreshed; previously active players absent from the snapshot
// are marked missing. History is never deleted. This is also where the
// automated confidence downgrade happens: a volatility breach drops the player
// to observation, never below, never up.
func (s *KnownPlayerService) SyncWithLeaderboard(ctx context.Context, regionCode string) (*SyncResult, error) {
	region, err := domain.ParseRegion(regionCode)
	if err != nil {
		return nil, err
	}

	snap := s.currentSnapshot(ctx, region)
	if snap == nil || len(snap.Entries) == 0 {
		return &SyncResult{}, nil
	}

	players, err := s.players.ListByRegion(ctx, region)
	if err != nil {
		return nil, err
	}

	bySteamID := make(map[string]domain.LeaderboardEntry, len(snap.Entries))
	for _, e := range snap.Entries {
		if e.SteamID != "" {
			bySteamID[e.SteamID] = e
		}
	}

	result := &SyncResult{}
	var log []domain.ChangeLogEntry

	for i := range players {
		p := &players[i]
		entry, onBoard := bySteamID[p.SteamID]
		if !onBoard {
			if p.Status == domain.StatusActive {
				p.Status = domain.StatusMissing
				if err := s.players.Update(ctx, p); err != nil {
					return nil, err
				}
				log = append(log, domain.ChangeLogEntry{
					Region:       region,
					SteamID:      p.SteamID,
					DisplayName:  p.ObservedDisplayName,
					ChangeType:   domain.ChangeMissingPlayer,
					OldValue:     string(domain.StatusActive),
					NewValue:     string(domain.StatusMissing),
					PreviousRank: p.LastKnownRank,
				})
				result.Missing = append(result.Missing, *p)
			}
			continue
		}

		if p.ObservedDisplayName != "" && p.ObservedDisplayName != entry.DisplayName {
			log = append(log, domain.ChangeLogEntry{
				Region:       region,
				SteamID:      p.SteamID,
				DisplayName:  entry.DisplayName,
				ChangeType:   domain.ChangeNameChange,
				OldValue:     p.ObservedDisplayName,
				NewValue:     entry.DisplayName,
				RankPosition: entry.Rank,
			})
		}

		if exceededBy, exceeded := domain.ExceedsVolatility(p.LastKnownRank, entry.Rank); exceeded {
			log = append(log, domain.ChangeLogEntry{
				Region:             region,
				SteamID:            p.SteamID,
				DisplayName:        entry.DisplayName,
				ChangeType:         domain.ChangeVolatilityAlert,
				OldValue:           strconv.Itoa(p.LastKnownRank),
				NewValue:           strconv.Itoa(entry.Rank),
				RankPosition:       entry.Rank,
				PreviousRank:       p.LastKnownRank,
				VolatilityExceeded: true,
				Detail:             volatilityDetail(p.LastKnownRank, entry.Rank, exceededBy),
			})
			// suspicion is cheap to raise; confirmation stays with humans
			if domain.ConfidenceObservation.IsDowngradeFrom(p.ConfidenceLevel) {
				log = append(log, domain.ChangeLogEntry{
					Region:       region,
					SteamID:      p.SteamID,
					DisplayName:  entry.DisplayName,
					ChangeType:   domain.ChangeConfidenceDowngrade,
					OldValue:     string(p.ConfidenceLevel),
					NewValue:     string(domain.ConfidenceObservation),
					RankPosition: entry.Rank,
				})
				p.ConfidenceLevel = domain.ConfidenceObservation
			}
		}

		p.ObservedDisplayName = entry.DisplayName
		p.LastKnownRank = entry.Rank
		p.VolatilitySector = domain.VolatilitySector(entry.Rank)
		p.Status = domain.StatusActive
		if err := s.players.Update(ctx, p); err != nil {
			return nil, err
		}
		result.Updated = append(result.Updated, *p)
	}

	s.appendChanges(ctx, log)
	s.logger.Info().Str("region", regionCode).
		Int("updated", len(result.Updated)).
		Int("missing", len(result.Missing)).
		Msg("known players synced with leaderboard")
	return result, nil
}

type SimilarPlayer struct {
	Player domain.KnownPlayer `json:"player"`
	Score  float64            `json:"score"`
}

// FindSimilarPlayers scores a query against both the competitive and observed
// names of every known player in the region. Feeds manual linking only.
func (s *KnownPlayerService) FindSimilarPlayers(ctx context.Context, regionCode, query string) ([]SimilarPlayer, error) {
	region, err := domain.ParseRegion(regionCode)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return nil, fmt.Errorf("%w: query name is required", domain.ErrValidation)
	}

	players, err := s.players.ListByRegion(ctx, region)
	if err != nil {
		return nil, err
	}

	var similar []SimilarPlayer
	for _, p := range players {
		score := nameSimilarity(p.CompetitiveName, query)
		if obs := nameSimilarity(p.ObservedDisplayName, query); obs > score {
			score = obs
		}
		if score >= constants.SimilarityThreshold {
			similar = append(similar, SimilarPlayer{Player: p, Score: score})
		}
	}

	sort.SliceStable(similar, func(i, j int) bool { return similar[i].Score > similar[j].Score })
	if len(similar) > constants.SimilarPlayerLimit {
		similar = similar[:constants.SimilarPlayerLimit]
	}
	return similar, nil
}

// LinkIdentities attaches known players' stable ids to snapshot rows whose
// display name matches the registered names. Runs after a scrape cycle so the
// next reconciliation sees them.
func (s *KnownPlayerService) LinkIdentities(ctx context.Context, region domain.Region) (int, error) {
	snap := s.currentSnapshot(ctx, region)
	if snap == nil || len(snap.Entries) == 0 {
		return 0, nil
	}

	players, err := s.players.ListByRegion(ctx, region)
	if err != nil {
		return 0, err
	}

	linked := 0
	for _, p := range players {
		for _, e := range snap.Entries {
			if e.SteamID != "" {
				continue
			}
			if !matchesKnownName(p, e.DisplayName) {
				continue
			}
			if err := s.snapshots.LinkSteamID(ctx, region, e.DisplayName, p.SteamID); err != nil {
				s.logger.Warn().Err(err).Str("steam_id", p.SteamID).Msg("identity link failed")
				continue
			}
			linked++
			break
		}
	}

	if linked > 0 {
		s.logger.Info().Str("region", string(region)).Int("linked", linked).Msg("identities linked")
	}
	return linked, nil
}

func (s *KnownPlayerService) RecentChanges(ctx context.Context, regionCode string, limit int) ([]domain.ChangeLogEntry, error) {
	region, err := domain.ParseRegion(regionCode)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = constants.RecentChangesLimit
	}
	return s.changes.RecentByRegion(ctx, region, limit)
}

// currentSnapshot reads the persisted snapshot, which is authoritative for
// identity links; the in-memory cache only covers a persistence write that
// failed mid-cycle.
func (s *KnownPlayerService) currentSnapshot(ctx context.Context, region domain.Region) *domain.Snapshot {
	snap, err := s.snapshots.GetByRegion(ctx, region)
	if err == nil && len(snap.Entries) > 0 {
		return snap
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("region", string(region)).Msg("persisted snapshot unavailable")
	}
	return s.coordinator.Cached(region)
}

// appendChanges logs audit rows; a failed write is reported but never blocks
// the operation that produced it.
func (s *KnownPlayerService) appendChanges(ctx context.Context, entries []domain.ChangeLogEntry) {
	if len(entries) == 0 {
		return
	}
	if err := s.changes.Append(ctx, entries); err != nil {
		s.logger.Error().Err(err).Int("entries", len(entries)).Msg("failed to append change log")
	}
}

// exact competitive/observed name hit, or near-identical spelling
func matchesKnownName(p domain.KnownPlayer, displayName string) bool {
	if nameSimilarity(p.CompetitiveName, displayName) >= 0.85 {
		return true
	}
	return p.ObservedDisplayName != "" && nameSimilarity(p.ObservedDisplayName, displayName) >= 0.85
}

func volatilityDetail(previousRank, rank, exceededBy int) string {
	b, _ := json.Marshal(map[string]int{
		"previousRank": previousRank,
		"rank":         rank,
		"exceededBy":   exceededBy,
		"sector":       domain.VolatilitySector(rank),
	})
	return string(b)
}
