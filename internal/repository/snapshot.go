package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ranktracker/internal/domain"
)

// SnapshotRepository holds the durable copy of the latest snapshot per region
// in the leaderboard_cache table. Replacement is delete-then-bulk-insert so a
// restart or scrape failure can still serve the last known-good ranking.
type SnapshotRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewSnapshotRepository(sqlDB *sql.DB, logger zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{db: sqlDB, logger: logger}
}

// Replace swaps the persisted snapshot for one region. Previous-rank tracking
// is derived here by matching incoming entries against the rows being
// replaced, by steam id first and display name second; that is what feeds
// previous_rank/rank_change to anomaly detection.
func (r *SnapshotRepository) Replace(ctx context.Context, region domain.Region, entries []domain.LeaderboardEntry, fetchedAt time.Time) ([]domain.LeaderboardEntry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	bySteamID, byName, err := previousRanks(ctx, tx, region)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM leaderboard_cache WHERE region = ?`, region); err != nil {
		return nil, fmt.Errorf("failed to clear snapshot for %s: %w", region, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO leaderboard_cache
			(region, rank, display_name, team_tag, country, steam_id, previous_rank, rank_change, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	out := make([]domain.LeaderboardEntry, 0, len(entries))
	seenRanks := make(map[int]bool, len(entries))
	for i, e := range entries {
		e.Region = region
		if e.Rank <= 0 {
			e.Rank = i + 1
		}
		// upstream occasionally repeats rank numbers, keep the row by shifting
		for seenRanks[e.Rank] {
			e.Rank++
		}
		seenRanks[e.Rank] = true

		prev := 0
		if e.SteamID != "" {
			prev = bySteamID[e.SteamID]
		}
		if prev == 0 {
			prev = byName[e.DisplayName]
		}
		e.PreviousRank = prev
		if prev > 0 {
			e.RankChange = prev - e.Rank
		}

		if _, err := stmt.ExecContext(ctx,
			e.Region, e.Rank, e.DisplayName, e.TeamTag, e.Country, e.SteamID,
			e.PreviousRank, e.RankChange, fetchedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to insert snapshot row %d for %s: %w", e.Rank, region, err)
		}
		out = append(out, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot for %s: %w", region, err)
	}

	r.logger.Debug().Str("region", string(region)).Int("entries", len(out)).Msg("snapshot persisted")
	return out, nil
}

func previousRanks(ctx context.Context, tx *sql.Tx, region domain.Region) (map[string]int, map[string]int, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT rank, display_name, steam_id FROM leaderboard_cache WHERE region = ?`, region)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read previous snapshot for %s: %w", region, err)
	}
	defer rows.Close()

	bySteamID := make(map[string]int)
	byName := make(map[string]int)
	for rows.Next() {
		var rank int
		var name, steamID string
		if err := rows.Scan(&rank, &name, &steamID); err != nil {
			return nil, nil, fmt.Errorf("failed to scan previous snapshot row: %w", err)
		}
		if steamID != "" {
			bySteamID[steamID] = rank
		}
		if _, dup := byName[name]; !dup {
			byName[name] = rank
		}
	}
	return bySteamID, byName, rows.Err()
}

// GetByRegion returns the persisted snapshot ordered by rank, or nil entries
// when nothing has ever been stored for the region.
func (r *SnapshotRepository) GetByRegion(ctx context.Context, region domain.Region) (*domain.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT rank, display_name, team_tag, country, steam_id, previous_rank, rank_change, fetched_at
		FROM leaderboard_cache WHERE region = ? ORDER BY rank`, region)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot for %s: %w", region, err)
	}
	defer rows.Close()

	snap := &domain.Snapshot{Region: region}
	for rows.Next() {
		e := domain.LeaderboardEntry{Region: region}
		if err := rows.Scan(&e.Rank, &e.DisplayName, &e.TeamTag, &e.Country, &e.SteamID,
			&e.PreviousRank, &e.RankChange, &snap.FetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row for %s: %w", region, err)
		}
		snap.Entries = append(snap.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snap, nil
}

// LinkSteamID attaches a stable identity to the persisted row matching a
// display name, used by the identity-linking pass after scraping.
func (r *SnapshotRepository) LinkSteamID(ctx context.Context, region domain.Region, displayName, steamID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE leaderboard_cache SET steam_id = ?
		WHERE region = ? AND display_name = ? AND steam_id = ''`,
		steamID, region, displayName)
	if err != nil {
		return fmt.Errorf("failed to link steam id in %s: %w", region, err)
	}
	return nil
}
