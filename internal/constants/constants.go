package constants

import "time"

const (
	SnapshotTTL         = 24 * time.Hour
	FetchTimeout        = 30 * time.Second
	DatabaseTimeout     = 5 * time.Second
	RequestTimeout      = 30 * time.Second
	InflightWaitTimeout = 30 * time.Second
)

const (
	MaxSnapshotEntries  = 1000
	MaxHeuristicEntries = 100
	UnknownPlayerTopN   = 3000
	SimilarPlayerLimit  = 10
	SimilarityThreshold = 0.3
	RecentChangesLimit  = 50
)

const (
	DBMaxOpenConns    = 100
	DBMaxIdleConns    = 10
	DBConnMaxLifetime = 1 * time.Hour
	DBMaxIdleTime     = 10 * time.Minute
	DBBatchSize       = 100
)

const (
	ShutdownTimeout = 5 * time.Second
)

// Hourly at a fixed minute offset, to stay off the upstream's top-of-hour spike.
const RefreshCronSpec = "17 * * * *"
