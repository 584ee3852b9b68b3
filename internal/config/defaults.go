package config

// Default locations and tunables. The sync cadence and cold-start
// backfill mirror the backend's expectations; both are plain config
// values rather than literals scattered through the code.
const (
	DefaultConfigDir = "~/.sentinelkids"
	DefaultDataDir   = "~/.sentinelkids/data"

	DefaultBaseURL = "http://localhost:8000/api"

	DefaultConnectTimeoutSeconds = 5
	DefaultReadTimeoutSeconds    = 15

	DefaultSyncIntervalMinutes = 15
	DefaultBackfillDays        = 7
	DefaultBatchSize           = 25
)
