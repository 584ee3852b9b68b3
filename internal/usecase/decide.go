package usecase

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelkids/agent/internal/domain"
)

// Decide evaluates the enforcement rules for the current foreground
// package. First match wins, in this deliberate priority order:
// blocklist, bedtime, daily quota. Pure and allocation-light: it runs
// synchronously inside a latency-sensitive OS callback.
func Decide(pkg string, policy domain.Policy, todayUsage map[string]int64, now time.Time) domain.EnforcementDecision {
	if policy.IsBlocked(pkg) {
		return domain.EnforcementDecision{Allow: false, Reason: domain.ReasonBlockedList}
	}

	if policy.HasBedtime() && inBedtime(policy.BedtimeStart, policy.BedtimeEnd, now) {
		return domain.EnforcementDecision{Allow: false, Reason: domain.ReasonBedtime}
	}

	if policy.HasDailyLimit() {
		limit := int64(policy.DailyLimitMinutes)
		if isWeekend(now) && policy.WeekendRelaxPct > 0 {
			limit += limit * int64(policy.WeekendRelaxPct) / 100
		}
		var totalSeconds int64
		for _, secs := range todayUsage {
			totalSeconds += secs
		}
		if totalSeconds/60 > limit {
			return domain.EnforcementDecision{Allow: false, Reason: domain.ReasonDailyLimit}
		}
	}

	return domain.EnforcementDecision{Allow: true, Reason: domain.ReasonNone}
}

// inBedtime evaluates the "HH:MM" window against now, with wraparound:
// a window whose start is after its end crosses midnight (22:00-07:00).
// Malformed bounds disable the window rather than blocking.
func inBedtime(start, end string, now time.Time) bool {
	startMin, err := parseClock(start)
	if err != nil {
		return false
	}
	endMin, err := parseClock(end)
	if err != nil {
		return false
	}
	nowMin := now.Hour()*60 + now.Minute()

	if startMin > endMin {
		return nowMin >= startMin || nowMin < endMin
	}
	return nowMin >= startMin && nowMin < endMin
}

// parseClock parses "HH:MM" into minutes of day.
func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("malformed clock %q", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return 0, err
	}
	minute, err := strconv.Atoi(m)
	if err != nil {
		return 0, err
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return hour*60 + minute, nil
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// EnforcementHandler is the boundary invoked on every foreground-change
// notification. It reads the latest cached policy and today's usage,
// decides, and fires the redirector when a rule matched. It never
// raises: any internal error degrades to allow (fail-open) - a missed
// block is preferred over bricking the device on a local error.
type EnforcementHandler struct {
	cache      *PolicyCache
	usage      domain.UsageStore
	resolver   domain.AppResolver
	redirector domain.Redirector
	logger     *zap.Logger
}

// NewEnforcementHandler creates the foreground-change handler.
func NewEnforcementHandler(
	cache *PolicyCache,
	usage domain.UsageStore,
	resolver domain.AppResolver,
	redirector domain.Redirector,
	logger *zap.Logger,
) *EnforcementHandler {
	return &EnforcementHandler{
		cache:      cache,
		usage:      usage,
		resolver:   resolver,
		redirector: redirector,
		logger:     logger,
	}
}

// OnForegroundChange evaluates the rules for pkg at 'now'. Idempotent
// and side-effect free beyond the redirect instruction, so redundant
// or speculative invocations are safe.
func (h *EnforcementHandler) OnForegroundChange(pkg string, now time.Time) (decision domain.EnforcementDecision) {
	allow := domain.EnforcementDecision{Allow: true, Reason: domain.ReasonNone}

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("enforcement panicked, failing open", zap.Any("panic", r))
			decision = allow
		}
	}()

	// Never block ourselves or non-user packages such as the launcher.
	if pkg == "" || !h.resolver.IsUserApp(pkg) {
		return allow
	}

	policy, err := h.cache.Get()
	if err != nil {
		// No policy has ever been confirmed: nothing to enforce.
		return allow
	}

	todayUsage, err := h.usage.DayTotals(now.Format(dayFormat))
	if err != nil {
		h.logger.Warn("usage read failed, failing open", zap.Error(err))
		return allow
	}

	decision = Decide(pkg, policy, todayUsage, now)
	if !decision.Allow {
		h.logger.Info("blocking app",
			zap.String("package", pkg),
			zap.String("reason", decision.Reason.String()))
		h.redirector.Redirect(pkg, decision.Reason)
	}
	return decision
}
