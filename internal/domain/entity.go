// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// Transition classifies a raw OS usage event.
type Transition int

const (
	// TransitionForeground marks an app moving to the foreground.
	TransitionForeground Transition = iota
	// TransitionBackground marks an app leaving the foreground.
	TransitionBackground
	// TransitionInterrupt collapses screen-off, keyguard and shutdown:
	// any of these force-closes an open session regardless of package.
	TransitionInterrupt
)

// UsageEvent is one raw foreground/background transition reported by the OS.
// Immutable; produced by the event source, consumed once per reconstruction pass.
type UsageEvent struct {
	Timestamp  time.Time
	Package    string
	Transition Transition
}

// Session is a single contiguous interval during which one application
// was in the foreground. Never mutated after creation.
type Session struct {
	Package string
	Start   time.Time
	End     time.Time
}

// DurationSeconds returns the session length in whole seconds.
func (s Session) DurationSeconds() int64 {
	return int64(s.End.Sub(s.Start) / time.Second)
}

// DailyUsage is the per-day, per-application total foreground duration,
// one record per (date, package). Dates are device-local calendar days
// in "2006-01-02" form. Recomputing a date fully replaces its rows;
// totals are never incremented in place.
type DailyUsage struct {
	Date         string
	Package      string
	AppName      string
	TotalSeconds int64
	FirstSeen    time.Time
	LastSeen     time.Time
}

// Policy is the parent-authored ruleset enforced on the device.
// DailyLimitMinutes < 0 disables the quota; empty bedtime strings
// disable the bedtime window.
type Policy struct {
	DailyLimitMinutes int
	BlockedPackages   map[string]struct{}
	BedtimeStart      string // "HH:MM", device-local
	BedtimeEnd        string // "HH:MM", device-local
	WeekendRelaxPct   int
}

// HasDailyLimit reports whether a daily quota is configured.
func (p Policy) HasDailyLimit() bool { return p.DailyLimitMinutes >= 0 }

// HasBedtime reports whether a bedtime window is configured.
func (p Policy) HasBedtime() bool { return p.BedtimeStart != "" && p.BedtimeEnd != "" }

// IsBlocked reports whether pkg is on the blocklist.
func (p Policy) IsBlocked(pkg string) bool {
	_, ok := p.BlockedPackages[pkg]
	return ok
}

// PolicySettings is a partial settings update pushed to the backend.
// Nil fields are left unchanged server-side.
type PolicySettings struct {
	DailyLimitMinutes *int
	BedtimeStart      *string
	BedtimeEnd        *string
	WeekendRelaxPct   int
	BlockedPackages   []string
}

// BlockReason explains why the foreground app was blocked.
type BlockReason int

const (
	ReasonNone BlockReason = iota
	ReasonBlockedList
	ReasonDailyLimit
	ReasonBedtime
)

// String returns the reason name for logging.
func (r BlockReason) String() string {
	switch r {
	case ReasonBlockedList:
		return "blocked_list"
	case ReasonDailyLimit:
		return "daily_limit"
	case ReasonBedtime:
		return "bedtime"
	default:
		return "none"
	}
}

// EnforcementDecision is the transient allow/block verdict computed on
// every foreground change. Never persisted.
type EnforcementDecision struct {
	Allow  bool
	Reason BlockReason
}

// CondensedRecord is a Session aggregate merged by (day, package) prior
// to upload. Bounds payload size and makes re-upload idempotent.
type CondensedRecord struct {
	Date         string
	Package      string
	AppName      string
	Start        time.Time
	End          time.Time
	TotalSeconds int64
}
