package fx

import (
	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"ranktracker/internal/cache"
	"ranktracker/internal/config"
	"ranktracker/internal/database"
	"ranktracker/internal/logger"
	"ranktracker/internal/repository"
	"ranktracker/internal/scheduler"
	"ranktracker/internal/scraper"
	"ranktracker/internal/server"
	"ranktracker/internal/service"
)

func ProvideCoordinator(client *scraper.Client, snapshots *repository.SnapshotRepository, cfg *config.Config, log zerolog.Logger) *cache.Coordinator {
	return cache.NewCoordinator(client, snapshots, cfg.SnapshotTTL, log)
}

var Module = fx.Options(
	fx.Provide(logger.New),
	fx.Provide(config.Load),
	fx.Provide(database.New),
	// repos
	fx.Provide(repository.NewSnapshotRepository),
	fx.Provide(repository.NewKnownPlayerRepository),
	fx.Provide(repository.NewChangeLogRepository),
	// scraping + cache
	fx.Provide(scraper.NewClient),
	fx.Provide(ProvideCoordinator),
	// svc
	fx.Provide(service.NewLeaderboardService),
	fx.Provide(service.NewKnownPlayerService),
	fx.Provide(service.NewAnomalyService),
	// scheduler + server
	fx.Provide(scheduler.New),
	fx.Provide(server.New),
)
