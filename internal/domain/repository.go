package domain

import (
	"context"
	"time"
)

// EventSource is the OS usage-event feed.
// Implementation: gopsutil-backed foreground sampler (infra).
type EventSource interface {
	// HasPermission reports whether usage access has been granted.
	HasPermission() bool

	// Query returns events in [start, end), ordered chronologically.
	// May be incomplete; may report a package still foreground at the
	// window end with no matching background event.
	Query(ctx context.Context, start, end time.Time) ([]UsageEvent, error)
}

// AppResolver classifies and names packages.
type AppResolver interface {
	// IsUserApp reports whether pkg is a launchable user application.
	// System UI, launchers, OS core packages and the agent itself are not.
	IsUserApp(pkg string) bool

	// DisplayName returns a human-readable name, falling back to pkg.
	DisplayName(pkg string) string
}

// PolicyAPI is the remote policy backend.
type PolicyAPI interface {
	// GetCurrentPolicy fetches the authoritative policy for a child.
	GetCurrentPolicy(ctx context.Context, userID string) (Policy, error)

	// UpdateSettings pushes a partial settings update and returns the
	// server's resulting policy. Last write wins server-side.
	UpdateSettings(ctx context.Context, userID string, settings PolicySettings) (Policy, error)
}

// UsageAPI is the remote usage-report backend.
type UsageAPI interface {
	// ReportUsage uploads one batch of condensed records and returns
	// the number of rows the server inserted. The server deduplicates
	// by (user, package, day) on its own.
	ReportUsage(ctx context.Context, userID, deviceID string, records []CondensedRecord) (inserted int, err error)
}

// StateStore is the local durable key-value store for small blobs
// (serialized policy snapshot, enforcement flags, last-sync timestamp).
type StateStore interface {
	// Get returns the value for key, or ok=false if absent.
	Get(key string) (value string, ok bool, err error)

	// Set writes one key.
	Set(key, value string) error

	// SetMany writes all pairs as one atomic replace. A reader never
	// observes a mix of old and new values across these keys.
	SetMany(pairs map[string]string) error

	// Delete removes keys. Missing keys are not an error.
	Delete(keys ...string) error

	// Close releases the underlying database.
	Close() error
}

// UsageStore is the local daily-usage database, the dashboard's source
// of truth. Writers replace whole dates; rows are never incremented.
type UsageStore interface {
	// ReplaceDays atomically replaces all rows for the given dates with
	// the given records. A date with no records is emptied.
	ReplaceDays(dates []string, rows []DailyUsage) error

	// PopulatedDays returns the number of distinct dates with rows.
	PopulatedDays() (int, error)

	// DayTotals returns package -> total seconds for one date.
	DayTotals(date string) (map[string]int64, error)

	// DayRows returns the full records for one date, largest first.
	DayRows(date string) ([]DailyUsage, error)

	// Close releases the underlying database.
	Close() error
}

// ForegroundChange is one foreground-app-change notification from the
// host's dispatcher.
type ForegroundChange struct {
	Package string
	At      time.Time
}

// ForegroundWatcher delivers foreground-change notifications. The core
// never drives its own polling loop for decisions; it consumes this
// channel as an inbound event stream.
type ForegroundWatcher interface {
	Watch(ctx context.Context) (<-chan ForegroundChange, error)
}

// Redirector sends the child to a blocking surface. Fire-and-forget:
// a missed redirect is re-triggered by the next foreground change.
type Redirector interface {
	Redirect(pkg string, reason BlockReason)
}
