// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/sentinelkids/agent/internal/domain"
)

// backendPolicy mirrors the backend's policy wire format.
type backendPolicy struct {
	DailyLimitMinutes *int     `json:"daily_limit_minutes"`
	BlockedPackages   []string `json:"blocked_packages"`
	BedtimeStart      *string  `json:"bedtime_start"`
	BedtimeEnd        *string  `json:"bedtime_end"`
	WeekendRelaxPct   int      `json:"weekend_relax_pct"`
}

// ReportedBatch is one /usage/report payload the backend received.
type ReportedBatch struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	Events   []struct {
		PackageName     string `json:"package_name"`
		AppName         string `json:"app_name"`
		TimestampStart  string `json:"timestamp_start"`
		TimestampEnd    string `json:"timestamp_end"`
		DurationSeconds int64  `json:"duration_seconds"`
	} `json:"events"`
}

// FakeBackend is an in-memory stand-in for the parent-portal API. It
// serves the policy and usage endpoints over a real HTTP listener so
// the production clients are exercised end to end.
type FakeBackend struct {
	server *httptest.Server

	mu          sync.Mutex
	policy      backendPolicy
	batches     []ReportedBatch
	policyGets  int
	failUsage   bool
	failPolicy  bool
}

// NewFakeBackend starts a backend with no rules configured.
func NewFakeBackend() *FakeBackend {
	b := &FakeBackend{
		policy: backendPolicy{BlockedPackages: []string{}},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/policy/current", b.handleGetPolicy)
	mux.HandleFunc("/policy/settings", b.handlePutSettings)
	mux.HandleFunc("/usage/report", b.handleReport)
	b.server = httptest.NewServer(mux)
	return b
}

// URL returns the backend's base URL.
func (b *FakeBackend) URL() string { return b.server.URL }

// Close shuts the listener down.
func (b *FakeBackend) Close() { b.server.Close() }

// SetPolicy replaces the served policy. limitMinutes < 0 means no limit.
func (b *FakeBackend) SetPolicy(limitMinutes int, blocked []string, bedtimeStart, bedtimeEnd string, weekendRelaxPct int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := backendPolicy{
		BlockedPackages: append([]string{}, blocked...),
		WeekendRelaxPct: weekendRelaxPct,
	}
	if limitMinutes >= 0 {
		p.DailyLimitMinutes = &limitMinutes
	}
	if bedtimeStart != "" {
		p.BedtimeStart = &bedtimeStart
	}
	if bedtimeEnd != "" {
		p.BedtimeEnd = &bedtimeEnd
	}
	b.policy = p
}

// FailUsage makes /usage/report return 503 when set.
func (b *FakeBackend) FailUsage(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failUsage = fail
}

// FailPolicy makes /policy/current return 503 when set.
func (b *FakeBackend) FailPolicy(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPolicy = fail
}

// Batches returns the usage batches received so far.
func (b *FakeBackend) Batches() []ReportedBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ReportedBatch{}, b.batches...)
}

// PolicyGets returns how many times /policy/current was hit.
func (b *FakeBackend) PolicyGets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.policyGets
}

func (b *FakeBackend) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.policyGets++
	if b.failPolicy {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(b.policy)
}

func (b *FakeBackend) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DailyLimitMinutes *int     `json:"daily_limit_minutes"`
		BedtimeStart      *string  `json:"bedtime_start"`
		BedtimeEnd        *string  `json:"bedtime_end"`
		WeekendRelaxPct   int      `json:"weekend_relax_pct"`
		BlockedPackages   []string `json:"blocked_packages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if req.DailyLimitMinutes != nil {
		b.policy.DailyLimitMinutes = req.DailyLimitMinutes
	}
	if req.BedtimeStart != nil {
		b.policy.BedtimeStart = req.BedtimeStart
	}
	if req.BedtimeEnd != nil {
		b.policy.BedtimeEnd = req.BedtimeEnd
	}
	if req.BlockedPackages != nil {
		b.policy.BlockedPackages = req.BlockedPackages
	}
	b.policy.WeekendRelaxPct = req.WeekendRelaxPct

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(b.policy)
}

func (b *FakeBackend) handleReport(w http.ResponseWriter, r *http.Request) {
	var batch ReportedBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failUsage {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	b.batches = append(b.batches, batch)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"inserted": len(batch.Events),
	})
}

// ScriptedEventSource replays a fixed event log, standing in for the
// OS-level sampler during integration tests.
type ScriptedEventSource struct {
	Events     []domain.UsageEvent
	Denied     bool
	QueryStart time.Time
	QueryEnd   time.Time
}

func (s *ScriptedEventSource) HasPermission() bool { return !s.Denied }

func (s *ScriptedEventSource) Query(ctx context.Context, start, end time.Time) ([]domain.UsageEvent, error) {
	s.QueryStart, s.QueryEnd = start, end

	var out []domain.UsageEvent
	for _, ev := range s.Events {
		if !ev.Timestamp.Before(start) && ev.Timestamp.Before(end) {
			out = append(out, ev)
		}
	}
	return out, nil
}

var _ domain.EventSource = (*ScriptedEventSource)(nil)

// StaticResolver treats every package as a user app and echoes a
// canned display name.
type StaticResolver struct {
	Names map[string]string
}

func (r *StaticResolver) IsUserApp(pkg string) bool { return true }

func (r *StaticResolver) DisplayName(pkg string) string {
	if name, ok := r.Names[pkg]; ok {
		return name
	}
	return pkg
}

var _ domain.AppResolver = (*StaticResolver)(nil)

// RecordingRedirector captures redirect instructions.
type RecordingRedirector struct {
	mu    sync.Mutex
	calls []string
}

func (r *RecordingRedirector) Redirect(pkg string, reason domain.BlockReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, pkg+":"+reason.String())
}

// Calls returns the recorded "pkg:reason" pairs.
func (r *RecordingRedirector) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}

var _ domain.Redirector = (*RecordingRedirector)(nil)
