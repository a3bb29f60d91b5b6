package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"ranktracker/internal/constants"
	"ranktracker/internal/domain"
)

type Config struct {
	DBPath             string
	ServerPort         string
	LogLevel           string
	SnapshotTTL        time.Duration
	LeaderboardBaseURL string
}

func Load(logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg(".env file not found, using environment variables or defaults")
	}

	cfg := &Config{
		DBPath:             getEnv("DB_PATH", "ranktracker.db"),
		ServerPort:         getEnv("SERVER_PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		SnapshotTTL:        constants.SnapshotTTL,
		LeaderboardBaseURL: getEnv("LEADERBOARD_BASE_URL", ""),
	}

	if cfg.LeaderboardBaseURL == "" {
		return nil, fmt.Errorf("LEADERBOARD_BASE_URL is required")
	}

	logger.Info().
		Str("db_path", cfg.DBPath).
		Str("server_port", cfg.ServerPort).
		Str("log_level", cfg.LogLevel).
		Dur("snapshot_ttl", cfg.SnapshotTTL).
		Msg("configuration loaded")

	return cfg, nil
}

// RegionURL builds the upstream leaderboard page URL for one region.
func (c *Config) RegionURL(region domain.Region) string {
	return fmt.Sprintf("%s/%s", strings.TrimRight(c.LeaderboardBaseURL, "/"), region)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
