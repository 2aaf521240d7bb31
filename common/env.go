// Package common holds names shared by the racecard daemon and its CLI.
package common

// Environment variable names for configuration.
const (
	// HomeEnv overrides the data directory (config.json, database, pid file).
	HomeEnv = "RACECARD_HOME"

	// AddrEnv is the ops server listen address.
	AddrEnv = "RACECARD_ADDR"

	// SecretEnv is the bearer token required on /jsonrpc.
	SecretEnv = "RACECARD_SECRET"

	// DatabaseEnv is a SQLite path or a postgres:// DSN.
	DatabaseEnv = "RACECARD_DB"

	// ZoneEnv is the IANA zone post times are read in.
	ZoneEnv = "RACECARD_ZONE"

	// OffsetEnv is how long before post time a race is collected.
	OffsetEnv = "RACECARD_OFFSET"

	// RetryAfterEnv enables one collection retry after the given delay.
	RetryAfterEnv = "RACECARD_RETRY_AFTER"

	// MissedEnv is the restart policy for overdue triggers: catch-up or drop.
	MissedEnv = "RACECARD_MISSED"

	// ExportURLEnv is the daily export destination.
	ExportURLEnv = "RACECARD_EXPORT_URL"

	// ExportCronEnv is the daily export schedule.
	ExportCronEnv = "RACECARD_EXPORT_CRON"

	// LogFileEnv tees daemon logs to a file.
	LogFileEnv = "RACECARD_LOG_FILE"
)
