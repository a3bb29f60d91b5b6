package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"ranktracker/internal/domain"
)

// ChangeLogRepository appends audit rows to leaderboard_changes. The table is
// append-only; nothing here updates or deletes.
type ChangeLogRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewChangeLogRepository(sqlDB *sql.DB, logger zerolog.Logger) *ChangeLogRepository {
	return &ChangeLogRepository{db: sqlDB, logger: logger}
}

func (r *ChangeLogRepository) Append(ctx context.Context, entries []domain.ChangeLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		id := e.ID
		if id == "" {
			id, err = gonanoid.New()
			if err != nil {
				return fmt.Errorf("failed to generate nanoid: %w", err)
			}
		}
		detectedAt := e.DetectedAt
		if detectedAt.IsZero() {
			detectedAt = time.Now()
		}
		detail := e.Detail
		if detail == "" {
			detail = "{}"
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO leaderboard_changes
				(id, region, steam_id, display_name, change_type, old_value, new_value,
				 rank_position, previous_rank, volatility_exceeded, detail, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, e.Region, e.SteamID, e.DisplayName, e.ChangeType, e.OldValue, e.NewValue,
			e.RankPosition, e.PreviousRank, e.VolatilityExceeded, detail, detectedAt,
		); err != nil {
			return fmt.Errorf("failed to append change log entry: %w", err)
		}
	}

	return tx.Commit()
}

func (r *ChangeLogRepository) RecentByRegion(ctx context.Context, region domain.Region, limit int) ([]domain.ChangeLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, region, steam_id, display_name, change_type, old_value, new_value,
		       rank_position, previous_rank, volatility_exceeded, detail, detected_at
		FROM leaderboard_changes
		WHERE region = ?
		ORDER BY detected_at DESC
		LIMIT ?`, region, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log for %s: %w", region, err)
	}
	defer rows.Close()

	var entries []domain.ChangeLogEntry
	for rows.Next() {
		var e domain.ChangeLogEntry
		if err := rows.Scan(&e.ID, &e.Region, &e.SteamID, &e.DisplayName, &e.ChangeType,
			&e.OldValue, &e.NewValue, &e.RankPosition, &e.PreviousRank,
			&e.VolatilityExceeded, &e.Detail, &e.DetectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan change log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
