package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ranktracker/internal/domain"
)

var ErrNotFound = errors.New("not found")

type KnownPlayerRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewKnownPlayerRepository(sqlDB *sql.DB, logger zerolog.Logger) *KnownPlayerRepository {
	return &KnownPlayerRepository{db: sqlDB, logger: logger}
}

const knownPlayerColumns = `id, steam_id, competitive_name, observed_display_name, region,
	confidence_level, last_known_rank, volatility_sector, status, notes, created_at, updated_at`

func scanKnownPlayer(row interface{ Scan(...any) error }) (*domain.KnownPlayer, error) {
	var p domain.KnownPlayer
	err := row.Scan(&p.ID, &p.SteamID, &p.CompetitiveName, &p.ObservedDisplayName, &p.Region,
		&p.ConfidenceLevel, &p.LastKnownRank, &p.VolatilitySector, &p.Status, &p.Notes,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *KnownPlayerRepository) Insert(ctx context.Context, p *domain.KnownPlayer) (int64, error) {
	now := time.Now()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO known_players
			(steam_id, competitive_name, observed_display_name, region, confidence_level,
			 last_known_rank, volatility_sector, status, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SteamID, p.CompetitiveName, p.ObservedDisplayName, p.Region, p.ConfidenceLevel,
		p.LastKnownRank, p.VolatilitySector, p.Status, p.Notes, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert known player: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read known player id: %w", err)
	}
	return id, nil
}

func (r *KnownPlayerRepository) Get(ctx context.Context, id int64) (*domain.KnownPlayer, error) {
	p, err := scanKnownPlayer(r.db.QueryRowContext(ctx,
		`SELECT `+knownPlayerColumns+` FROM known_players WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("known player %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get known player %d: %w", id, err)
	}
	return p, nil
}

func (r *KnownPlayerRepository) GetBySteamID(ctx context.Context, region domain.Region, steamID string) (*domain.KnownPlayer, error) {
	p, err := scanKnownPlayer(r.db.QueryRowContext(ctx,
		`SELECT `+knownPlayerColumns+` FROM known_players WHERE region = ? AND steam_id = ?`,
		region, steamID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("known player %s in %s: %w", steamID, region, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get known player by steam id: %w", err)
	}
	return p, nil
}

func (r *KnownPlayerRepository) ListByRegion(ctx context.Context, region domain.Region) ([]domain.KnownPlayer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+knownPlayerColumns+` FROM known_players
		WHERE region = ?
		ORDER BY CASE WHEN last_known_rank = 0 THEN 1 ELSE 0 END, last_known_rank`, region)
	if err != nil {
		return nil, fmt.Errorf("failed to list known players for %s: %w", region, err)
	}
	defer rows.Close()

	var players []domain.KnownPlayer
	for rows.Next() {
		p, err := scanKnownPlayer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan known player: %w", err)
		}
		players = append(players, *p)
	}
	return players, rows.Err()
}

func (r *KnownPlayerRepository) Update(ctx context.Context, p *domain.KnownPlayer) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE known_players SET
			competitive_name = ?, observed_display_name = ?, confidence_level = ?,
			last_known_rank = ?, volatility_sector = ?, status = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		p.CompetitiveName, p.ObservedDisplayName, p.ConfidenceLevel,
		p.LastKnownRank, p.VolatilitySector, p.Status, p.Notes, time.Now(), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update known player %d: %w", p.ID, err)
	}
	return nil
}

func (r *KnownPlayerRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM known_players WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete known player %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("known player %d: %w", id, ErrNotFound)
	}
	return nil
}
