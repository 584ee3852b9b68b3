// Package usecase contains application business logic.
package usecase

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelkids/agent/internal/domain"
)

// WarmUpWindow extends the OS query backward from the window start so a
// session that began before the window, and is still open at the window
// start, is attributed correctly. Warm-up events only establish
// pre-existing open sessions; no warm-up time is ever emitted.
const WarmUpWindow = 2 * time.Hour

// dayFormat is the calendar-day key used across the agent.
const dayFormat = "2006-01-02"

// Reconstructor turns the raw OS event feed into discrete usage sessions.
type Reconstructor struct {
	source   domain.EventSource
	resolver domain.AppResolver
	logger   *zap.Logger
}

// NewReconstructor creates a session reconstructor.
func NewReconstructor(source domain.EventSource, resolver domain.AppResolver, logger *zap.Logger) *Reconstructor {
	return &Reconstructor{
		source:   source,
		resolver: resolver,
		logger:   logger,
	}
}

// Reconstruct queries the event source for [windowStart, windowEnd],
// extended backward by the warm-up window, and stitches the events into
// sessions clipped to the window. Packages failing the user-app filter
// are excluded.
func (r *Reconstructor) Reconstruct(ctx context.Context, windowStart, windowEnd time.Time) ([]domain.Session, error) {
	if !r.source.HasPermission() {
		return nil, domain.ErrPermissionDenied
	}

	events, err := r.source.Query(ctx, windowStart.Add(-WarmUpWindow), windowEnd)
	if err != nil {
		return nil, err
	}

	sessions := StitchSessions(events, windowStart, windowEnd)

	filtered := sessions[:0]
	for _, s := range sessions {
		if r.resolver.IsUserApp(s.Package) {
			filtered = append(filtered, s)
		}
	}

	r.logger.Debug("reconstructed sessions",
		zap.Int("events", len(events)),
		zap.Int("sessions", len(filtered)),
		zap.Time("window_start", windowStart),
		zap.Time("window_end", windowEnd))

	return filtered, nil
}

// StitchSessions walks the raw events in chronological order and emits
// one Session per contiguous foreground interval, clipped to
// [windowStart, windowEnd] and split at local midnight so each session
// lies within a single calendar day. It never fails on malformed input:
// unknown transitions close the open session (fail-safe), clock
// regressions are clamped to zero-duration deltas, a background event
// with no prior foreground is a no-op, and zero-duration sessions are
// dropped.
func StitchSessions(events []domain.UsageEvent, windowStart, windowEnd time.Time) []domain.Session {
	// The OS may report events slightly out of order across releases.
	sorted := make([]domain.UsageEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var (
		sessions   []domain.Session
		currentPkg string
		lastEvent  time.Time
	)

	emit := func(from, to time.Time) {
		start, end := clip(from, to, windowStart, windowEnd)
		if !end.After(start) {
			return
		}
		sessions = append(sessions, splitAtMidnight(domain.Session{
			Package: currentPkg,
			Start:   start,
			End:     end,
		})...)
	}

	for _, ev := range sorted {
		ts := ev.Timestamp
		if !lastEvent.IsZero() && ts.Before(lastEvent) {
			// Clock regression: clamp rather than produce a negative delta.
			ts = lastEvent
		}

		if currentPkg != "" {
			emit(lastEvent, ts)
		}

		switch ev.Transition {
		case domain.TransitionForeground:
			// Last writer wins: a second foreground without an
			// intervening background implicitly closed the first
			// session at this event's timestamp above.
			currentPkg = ev.Package
		case domain.TransitionBackground:
			if currentPkg == ev.Package {
				currentPkg = ""
			}
		default:
			// Interrupt, or an unknown transition treated as one.
			currentPkg = ""
		}

		lastEvent = ts
	}

	// App still open when the query was made: close against windowEnd.
	if currentPkg != "" {
		emit(lastEvent, windowEnd)
	}

	return sessions
}

// clip intersects [from, to] with [lo, hi].
func clip(from, to, lo, hi time.Time) (time.Time, time.Time) {
	if from.Before(lo) {
		from = lo
	}
	if to.After(hi) {
		to = hi
	}
	return from, to
}

// splitAtMidnight cuts a session at every local midnight it crosses,
// prorating duration by wall-clock overlap with each day.
func splitAtMidnight(s domain.Session) []domain.Session {
	out := make([]domain.Session, 0, 1)
	start := s.Start
	for {
		nextMidnight := startOfDay(start).AddDate(0, 0, 1)
		if !s.End.After(nextMidnight) {
			out = append(out, domain.Session{Package: s.Package, Start: start, End: s.End})
			return out
		}
		out = append(out, domain.Session{Package: s.Package, Start: start, End: nextMidnight})
		start = nextMidnight
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// AggregateDaily folds sessions into one DailyUsage record per
// (date, package). Sessions must already be split at midnight, which
// StitchSessions guarantees. Recomputing a date fully replaces its
// rows; callers must never increment existing totals.
func AggregateDaily(sessions []domain.Session, resolver domain.AppResolver) []domain.DailyUsage {
	type key struct {
		date string
		pkg  string
	}
	agg := make(map[key]*domain.DailyUsage)

	for _, s := range sessions {
		k := key{date: s.Start.Format(dayFormat), pkg: s.Package}
		row, ok := agg[k]
		if !ok {
			row = &domain.DailyUsage{
				Date:      k.date,
				Package:   s.Package,
				AppName:   resolver.DisplayName(s.Package),
				FirstSeen: s.Start,
				LastSeen:  s.End,
			}
			agg[k] = row
		}
		row.TotalSeconds += s.DurationSeconds()
		if s.Start.Before(row.FirstSeen) {
			row.FirstSeen = s.Start
		}
		if s.End.After(row.LastSeen) {
			row.LastSeen = s.End
		}
	}

	out := make([]domain.DailyUsage, 0, len(agg))
	for _, row := range agg {
		if row.TotalSeconds <= 0 {
			// Sub-second noise.
			continue
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Package < out[j].Package
	})
	return out
}

// Condense merges sessions sharing the same (calendar day, package)
// into one record with min start, max end and summed duration. This
// bounds upload payload size regardless of how fragmented the raw
// sessions were, and makes re-upload idempotent from the server's
// point of view.
func Condense(sessions []domain.Session, resolver domain.AppResolver) []domain.CondensedRecord {
	type key struct {
		date string
		pkg  string
	}
	agg := make(map[key]*domain.CondensedRecord)

	for _, s := range sessions {
		k := key{date: s.Start.Format(dayFormat), pkg: s.Package}
		rec, ok := agg[k]
		if !ok {
			rec = &domain.CondensedRecord{
				Date:    k.date,
				Package: s.Package,
				AppName: resolver.DisplayName(s.Package),
				Start:   s.Start,
				End:     s.End,
			}
			agg[k] = rec
		}
		rec.TotalSeconds += s.DurationSeconds()
		if s.Start.Before(rec.Start) {
			rec.Start = s.Start
		}
		if s.End.After(rec.End) {
			rec.End = s.End
		}
	}

	out := make([]domain.CondensedRecord, 0, len(agg))
	for _, rec := range agg {
		if rec.TotalSeconds <= 0 {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Package < out[j].Package
	})
	return out
}
