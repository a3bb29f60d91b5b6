package domain

import (
	"fmt"
	"time"
)

// Region is one of the fixed geographic leaderboard partitions upstream serves.
type Region string

const (
	RegionAmericas Region = "americas"
	RegionEurope   Region = "europe"
	RegionSEA      Region = "sea"
	RegionChina    Region = "china"
)

func AllRegions() []Region {
	return []Region{RegionAmericas, RegionEurope, RegionSEA, RegionChina}
}

func ParseRegion(s string) (Region, error) {
	switch Region(s) {
	case RegionAmericas, RegionEurope, RegionSEA, RegionChina:
		return Region(s), nil
	}
	return "", fmt.Errorf("%w: unknown region %q", ErrValidation, s)
}

type LeaderboardEntry struct {
	Region       Region
	Rank         int
	DisplayName  string
	TeamTag      string
	Country      string
	SteamID      string // stable identity, empty until linked
	PreviousRank int    // 0 when unknown, derived from the replaced row
	RankChange   int
}

// Snapshot is one complete ordered read-out of a region's leaderboard.
// It is never mutated after creation; a newer snapshot supersedes it.
type Snapshot struct {
	Region    Region
	Entries   []LeaderboardEntry
	FetchedAt time.Time
}

type ConfidenceLevel string

const (
	ConfidenceConfirmed   ConfidenceLevel = "confirmed"
	ConfidenceHigh        ConfidenceLevel = "high"
	ConfidenceMedium      ConfidenceLevel = "medium"
	ConfidenceObservation ConfidenceLevel = "observation"
	ConfidenceUnknown     ConfidenceLevel = "unknown"
)

// confidenceOrder ranks levels for downgrade checks; higher is more trusted.
var confidenceOrder = map[ConfidenceLevel]int{
	ConfidenceConfirmed:   4,
	ConfidenceHigh:        3,
	ConfidenceMedium:      2,
	ConfidenceObservation: 1,
	ConfidenceUnknown:     0,
}

func ParseConfidence(s string) (ConfidenceLevel, error) {
	c := ConfidenceLevel(s)
	if _, ok := confidenceOrder[c]; !ok {
		return "", fmt.Errorf("%w: unknown confidence level %q", ErrValidation, s)
	}
	return c, nil
}

// IsDowngradeFrom reports whether moving from prev to c lowers trust.
func (c ConfidenceLevel) IsDowngradeFrom(prev ConfidenceLevel) bool {
	return confidenceOrder[c] < confidenceOrder[prev]
}

type PlayerStatus string

const (
	StatusActive   PlayerStatus = "active"
	StatusMissing  PlayerStatus = "missing"
	StatusInactive PlayerStatus = "inactive"
)

// KnownPlayer is a curated identity record linking a stable steam identity to a
// human-assigned competitive name and trust level. Automated reconciliation may
// only ever lower ConfidenceLevel; raising it requires a human edit.
type KnownPlayer struct {
	ID                  int64
	SteamID             string
	CompetitiveName     string
	ObservedDisplayName string
	Region              Region
	ConfidenceLevel     ConfidenceLevel
	LastKnownRank       int
	VolatilitySector    int
	Status              PlayerStatus
	Notes               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type ChangeType string

const (
	ChangeNewKnownPlayer      ChangeType = "new_known_player"
	ChangePlayerUpdated       ChangeType = "player_updated"
	ChangePlayerRemoved       ChangeType = "player_removed"
	ChangeVolatilityAlert     ChangeType = "volatility_alert"
	ChangeNameChange          ChangeType = "name_change"
	ChangeNewPlayer           ChangeType = "new_player"
	ChangeMissingPlayer       ChangeType = "missing_player"
	ChangeConfidenceDowngrade ChangeType = "confidence_downgrade"
)

// ChangeLogEntry is an append-only audit row; normal operation never mutates or
// deletes one.
type ChangeLogEntry struct {
	ID                 string
	Region             Region
	SteamID            string
	DisplayName        string
	ChangeType         ChangeType
	OldValue           string
	NewValue           string
	RankPosition       int
	PreviousRank       int
	VolatilityExceeded bool
	Detail             string // JSON payload
	DetectedAt         time.Time
}
