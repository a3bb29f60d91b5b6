package service

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"ranktracker/internal/cache"
	"ranktracker/internal/database"
	"ranktracker/internal/domain"
	"ranktracker/internal/repository"
)

// failingFetcher keeps the coordinator off the network so tests exercise the
// persisted-snapshot path only.
type failingFetcher struct{}

func (failingFetcher) Fetch(ctx context.Context, region domain.Region) ([]byte, error) {
	return nil, errors.New("no network in tests")
}

type fixture struct {
	db          *sql.DB
	snapshots   *repository.SnapshotRepository
	players     *repository.KnownPlayerRepository
	changes     *repository.ChangeLogRepository
	coordinator *cache.Coordinator
	known       *KnownPlayerService
	anomalies   *AnomalyService
	leaderboard *LeaderboardService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.RunMigrations(db, zerolog.Nop()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	log := zerolog.Nop()
	snapshots := repository.NewSnapshotRepository(db, log)
	players := repository.NewKnownPlayerRepository(db, log)
	changes := repository.NewChangeLogRepository(db, log)
	coordinator := cache.NewCoordinator(failingFetcher{}, snapshots, 24*time.Hour, log)

	return &fixture{
		db:          db,
		snapshots:   snapshots,
		players:     players,
		changes:     changes,
		coordinator: coordinator,
		known:       NewKnownPlayerService(players, snapshots, changes, coordinator, log),
		anomalies:   NewAnomalyService(players, snapshots, coordinator, log),
		leaderboard: NewLeaderboardService(coordinator, snapshots, log),
	}
}

func (f *fixture) persistSnapshot(t *testing.T, region domain.Region, entries []domain.LeaderboardEntry) {
	t.Helper()
	if _, err := f.snapshots.Replace(context.Background(), region, entries, time.Now()); err != nil {
		t.Fatalf("failed to persist snapshot: %v", err)
	}
}

func (f *fixture) changeCount(t *testing.T, region domain.Region, changeType domain.ChangeType) int {
	t.Helper()
	recent, err := f.changes.RecentByRegion(context.Background(), region, 500)
	if err != nil {
		t.Fatalf("failed to read change log: %v", err)
	}
	n := 0
	for _, e := range recent {
		if e.ChangeType == changeType {
			n++
		}
	}
	return n
}

const steamA = "76561190000000001"

func TestAddKnownPlayerValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.known.Add(ctx, "notanid", "Ace", "europe", "", ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("malformed steam id should be rejected, got %v", err)
	}
	if _, err := f.known.Add(ctx, steamA, "Ace", "narnia", "", ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("bad region should be rejected, got %v", err)
	}
	if _, err := f.known.Add(ctx, steamA, "", "europe", "", ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("empty name should be rejected, got %v", err)
	}

	player, err := f.known.Add(ctx, steamA, "Ace", "europe", "strong igl", domain.ConfidenceHigh)
	if err != nil {
		t.Fatalf("valid add failed: %v", err)
	}
	if player.ID == 0 || player.ConfidenceLevel != domain.ConfidenceHigh {
		t.Errorf("got %+v", player)
	}
	if f.changeCount(t, domain.RegionEurope, domain.ChangeNewKnownPlayer) != 1 {
		t.Error("add should log one new_known_player entry")
	}
}

func TestAddSeedsRankFromSnapshot(t *testing.T) {
	f := newFixture(t)
	f.persistSnapshot(t, domain.RegionEurope, []domain.LeaderboardEntry{
		{Rank: 7, DisplayName: "AceOnBoard", SteamID: steamA},
	})

	player, err := f.known.Add(context.Background(), steamA, "Ace", "europe", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if player.LastKnownRank != 7 || player.ObservedDisplayName != "AceOnBoard" {
		t.Errorf("rank not seeded from snapshot: %+v", player)
	}
	if player.VolatilitySector != domain.SectorTop100 {
		t.Errorf("sector = %d, want %d", player.VolatilitySector, domain.SectorTop100)
	}
}

func TestSyncRefreshesAndMarksMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	onBoard, err := f.known.Add(ctx, steamA, "Ace", "europe", "", "")
	if err != nil {
		t.Fatal(err)
	}
	gone, err := f.known.Add(ctx, "76561190000000002", "Ghost", "europe", "", "")
	if err != nil {
		t.Fatal(err)
	}

	f.persistSnapshot(t, domain.RegionEurope, []domain.LeaderboardEntry{
		{Rank: 12, DisplayName: "AceNewName", SteamID: steamA},
	})

	result, err := f.known.SyncWithLeaderboard(ctx, "europe")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Updated) != 1 || len(result.Missing) != 1 {
		t.Fatalf("updated=%d missing=%d", len(result.Updated), len(result.Missing))
	}

	refreshed, _ := f.players.Get(ctx, onBoard.ID)
	if refreshed.LastKnownRank != 12 || refreshed.ObservedDisplayName != "AceNewName" || refreshed.Status != domain.StatusActive {
		t.Errorf("on-board player not refreshed: %+v", refreshed)
	}
	if refreshed.VolatilitySector != domain.SectorTop100 {
		t.Errorf("sector = %d", refreshed.VolatilitySector)
	}

	missing, _ := f.players.Get(ctx, gone.ID)
	if missing.Status != domain.StatusMissing {
		t.Errorf("absent player should be missing, got %s", missing.Status)
	}
	if f.changeCount(t, domain.RegionEurope, domain.ChangeMissingPlayer) != 1 {
		t.Error("expected one missing_player log entry")
	}

	// a second sync with the same snapshot must not re-flag the missing player
	if _, err := f.known.SyncWithLeaderboard(ctx, "europe"); err != nil {
		t.Fatal(err)
	}
	if f.changeCount(t, domain.RegionEurope, domain.ChangeMissingPlayer) != 1 {
		t.Error("missing_player should not be logged again for an already-missing player")
	}
}

func TestSyncNameChangeProducesOneLogEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.persistSnapshot(t, domain.RegionEurope, []domain.LeaderboardEntry{
		{Rank: 5, DisplayName: "Foo", SteamID: steamA},
	})
	if _, err := f.known.Add(ctx, steamA, "Ace", "europe", "", ""); err != nil {
		t.Fatal(err)
	}

	f.persistSnapshot(t, domain.RegionEurope, []domain.LeaderboardEntry{
		{Rank: 5, DisplayName: "Bar", SteamID: steamA},
	})
	if _, err := f.known.SyncWithLeaderboard(ctx, "europe"); err != nil {
		t.Fatal(err)
	}

	recent, err := f.changes.RecentByRegion(ctx, domain.RegionEurope, 100)
	if err != nil {
		t.Fatal(err)
	}
	var nameChanges []domain.ChangeLogEntry
	for _, e := range recent {
		if e.ChangeType == domain.ChangeNameChange {
			nameChanges = append(nameChanges, e)
		}
	}
	if len(nameChanges) != 1 {
		t.Fatalf("got %d name_change entries, want 1", len(nameChanges))
	}
	if nameChanges[0].OldValue != "Foo" || nameChanges[0].NewValue != "Bar" {
		t.Errorf("name change = %q -> %q", nameChanges[0].OldValue, nameChanges[0].NewValue)
	}
}

func TestSyncVolatilityDowngradesConfidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.persistSnapshot(t, domain.RegionEurope, []domain.LeaderboardEntry{
		{Rank: 120, DisplayName: "Ace", SteamID: steamA},
	})
	player, err := f.known.Add(ctx, steamA, "Ace", "europe", "", domain.ConfidenceConfirmed)
	if err != nil {
		t.Fatal(err)
	}

	// |120-500| = 380 against sector 200 for rank 500
	f.persistSnapshot(t, domain.RegionEurope, []domain.LeaderboardEntry{
		{Rank: 500, DisplayName: "Ace", SteamID: steamA},
	})
	if _, err := f.known.SyncWithLeaderboard(ctx, "europe"); err != nil {
		t.Fatal(err)
	}

	downgraded, _ := f.players.Get(ctx, player.ID)
	if downgraded.ConfidenceLevel != domain.ConfidenceObservation {
		t.Errorf("confidence = %s, want observation", downgraded.ConfidenceLevel)
	}
	if f.changeCount(t, domain.RegionEurope, domain.ChangeVolatilityAlert) != 1 {
		t.Error("expected one volatility_alert entry")
	}
	if f.changeCount(t, domain.RegionEurope, domain.ChangeConfidenceDowngrade) != 1 {
		t.Error("expected one confidence_downgrade entry")
	}

	// the player is not removed, only flagged
	if downgraded.Status != domain.StatusActive {
		t.Errorf("volatility must not deactivate the player, got %s", downgraded.Status)
	}
}

func TestSyncNeverUpgradesConfidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.persistSnapshot(t, domain.RegionEurope, []domain.LeaderboardEntry{
		{Rank: 10, DisplayName: "Quiet", SteamID: steamA},
	})
	player, err := f.known.Add(ctx, steamA, "Quiet", "europe", "", "")
	if err != nil {
		t.Fatal(err)
	}

	// force the stored level below observation, then sync a calm snapshot
	stored, _ := f.players.Get(ctx, player.ID)
	stored.ConfidenceLevel = domain.ConfidenceUnknown
	if err := f.players.Update(ctx, stored); err != nil {
		t.Fatal(err)
	}

	f.persistSnapshot(t, domain.RegionEurope, []domain.LeaderboardEntry{
		{Rank: 11, DisplayName: "Quiet", SteamID: steamA},
	})
	if _, err := f.known.SyncWithLeaderboard(ctx, "europe"); err != nil {
		t.Fatal(err)
	}

	after, _ := f.players.Get(ctx, player.ID)
	if after.ConfidenceLevel != domain.ConfidenceUnknown {
		t.Errorf("automated sync must never raise confidence, got %s", after.ConfidenceLevel)
	}
}

func TestHumanUpdateMayRaiseConfidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	player, err := f.known.Add(ctx, steamA, "Ace", "europe", "", "")
	if err != nil {
		t.Fatal(err)
	}

	confirmed := domain.ConfidenceConfirmed
	updated, err := f.known.Update(ctx, player.ID, UpdateFields{Confidence: &confirmed})
	if err != nil {
		t.Fatal(err)
	}
	if updated.ConfidenceLevel != domain.ConfidenceConfirmed {
		t.Errorf("human edit should raise confidence, got %s", updated.ConfidenceLevel)
	}
}

func TestFindSimilarPlayers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	names := []struct {
		steamID string
		name    string
	}{
		{"76561190000000001", "Shadow"},
		{"76561190000000002", "Shadoww"},
		{"76561190000000003", "CompletelyDifferent"},
	}
	for _, n := range names {
		if _, err := f.known.Add(ctx, n.steamID, n.name, "europe", "", ""); err != nil {
			t.Fatal(err)
		}
	}

	similar, err := f.known.FindSimilarPlayers(ctx, "europe", "Shadow")
	if err != nil {
		t.Fatal(err)
	}
	if len(similar) < 2 {
		t.Fatalf("got %d similar players, want at least 2", len(similar))
	}
	if similar[0].Player.CompetitiveName != "Shadow" || similar[0].Score != 1 {
		t.Errorf("best match = %+v", similar[0])
	}
	for i := 1; i < len(similar); i++ {
		if similar[i].Score > similar[i-1].Score {
			t.Error("results should be ordered by descending score")
		}
	}
	for _, sp := range similar {
		if sp.Player.CompetitiveName == "CompletelyDifferent" {
			t.Error("low-similarity player should be filtered out")
		}
	}
}

func TestLinkIdentities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.known.Add(ctx, steamA, "Phantom", "europe", "", ""); err != nil {
		t.Fatal(err)
	}
	f.persistSnapshot(t, domain.RegionEurope, []domain.LeaderboardEntry{
		{Rank: 1, DisplayName: "Phantom"},
		{Rank: 2, DisplayName: "Somebody"},
	})

	linked, err := f.known.LinkIdentities(ctx, domain.RegionEurope)
	if err != nil {
		t.Fatal(err)
	}
	if linked != 1 {
		t.Fatalf("linked %d, want 1", linked)
	}

	snap, err := f.snapshots.GetByRegion(ctx, domain.RegionEurope)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Entries[0].SteamID != steamA {
		t.Errorf("steam id not linked: %+v", snap.Entries[0])
	}
	if snap.Entries[1].SteamID != "" {
		t.Errorf("unrelated entry should stay unlinked: %+v", snap.Entries[1])
	}
}

func TestFindPlayerAcrossRegions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.persistSnapshot(t, domain.RegionEurope, []domain.LeaderboardEntry{
		{Rank: 1, DisplayName: "Viper"},
	})
	f.persistSnapshot(t, domain.RegionAmericas, []domain.LeaderboardEntry{
		{Rank: 3, DisplayName: "Vipers"},
	})

	matches, err := f.leaderboard.FindPlayerAcrossRegions(ctx, "Viper")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches: %+v", len(matches), matches)
	}
	if matches[0].MatchType != MatchExact || matches[0].Region != domain.RegionEurope {
		t.Errorf("first match should be the exact one: %+v", matches[0])
	}
	if matches[1].MatchType != MatchApproximate {
		t.Errorf("second match should be approximate: %+v", matches[1])
	}
}

func TestGetLeaderboardRejectsBadRegion(t *testing.T) {
	f := newFixture(t)
	if _, err := f.leaderboard.GetLeaderboard(context.Background(), "mars"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestGetLeaderboardColdRegion(t *testing.T) {
	f := newFixture(t)
	res, err := f.leaderboard.GetLeaderboard(context.Background(), "europe")
	if err != nil {
		t.Fatalf("cold region must not error: %v", err)
	}
	if res.Success || len(res.Entries) != 0 || res.TotalCount != 0 {
		t.Errorf("cold region result = %+v", res)
	}
}
