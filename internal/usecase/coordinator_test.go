package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sentinelkids/agent/internal/domain"
)

// memUsageStore is an in-memory domain.UsageStore for tests.
type memUsageStore struct {
	mu   sync.Mutex
	data map[string]map[string]domain.DailyUsage // date -> package -> row
}

func newMemUsageStore() *memUsageStore {
	return &memUsageStore{data: make(map[string]map[string]domain.DailyUsage)}
}

func (s *memUsageStore) ReplaceDays(dates []string, rows []domain.DailyUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, date := range dates {
		delete(s.data, date)
	}
	for _, row := range rows {
		if s.data[row.Date] == nil {
			s.data[row.Date] = make(map[string]domain.DailyUsage)
		}
		s.data[row.Date][row.Package] = row
	}
	return nil
}

func (s *memUsageStore) PopulatedDays() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data), nil
}

func (s *memUsageStore) DayTotals(date string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	totals := make(map[string]int64)
	for pkg, row := range s.data[date] {
		totals[pkg] = row.TotalSeconds
	}
	return totals, nil
}

func (s *memUsageStore) DayRows(date string) ([]domain.DailyUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DailyUsage
	for _, row := range s.data[date] {
		out = append(out, row)
	}
	return out, nil
}

func (s *memUsageStore) Close() error { return nil }

// seedDays populates n distinct dates so the store looks warm.
func (s *memUsageStore) seedDays(n int, from time.Time) {
	for i := 0; i < n; i++ {
		date := from.AddDate(0, 0, -i).Format("2006-01-02")
		_ = s.ReplaceDays([]string{date}, []domain.DailyUsage{{
			Date: date, Package: "seed", AppName: "Seed", TotalSeconds: 60,
		}})
	}
}

// mockUsageAPI records upload batches and can fail from a given batch.
type mockUsageAPI struct {
	mu          sync.Mutex
	batches     [][]domain.CondensedRecord
	failAtBatch int // 0 = never fail
}

func (m *mockUsageAPI) ReportUsage(_ context.Context, _, _ string, records []domain.CondensedRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAtBatch > 0 && len(m.batches)+1 == m.failAtBatch {
		return 0, &domain.TransportError{Op: "report usage", Err: assert.AnError}
	}
	batch := make([]domain.CondensedRecord, len(records))
	copy(batch, records)
	m.batches = append(m.batches, batch)
	return len(records), nil
}

type coordFixture struct {
	coordinator *Coordinator
	source      *mockEventSource
	usageStore  *memUsageStore
	usageAPI    *mockUsageAPI
	stateStore  *memStateStore
	policyAPI   *mockPolicyAPI
	now         time.Time
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	f := &coordFixture{
		source:     &mockEventSource{hasPermission: true},
		usageStore: newMemUsageStore(),
		usageAPI:   &mockUsageAPI{},
		stateStore: newMemStateStore(),
		policyAPI:  &mockPolicyAPI{policy: policyWith(120, nil, "", "")},
		now:        at(11, 0),
	}
	logger := zap.NewNop()
	recon := NewReconstructor(f.source, allowAllResolver{}, logger)
	cache := NewPolicyCache(f.policyAPI, f.stateStore, logger)
	f.coordinator = NewCoordinator(
		DefaultCoordinatorConfig(),
		recon, cache, f.usageStore, f.usageAPI, f.stateStore, allowAllResolver{}, logger,
	).WithClock(func() time.Time { return f.now })
	return f
}

func TestCoordinator_ColdStartBackfillsSevenDays(t *testing.T) {
	f := newCoordFixture(t)

	require.NoError(t, f.coordinator.RunCycle(t.Context(), "child-1", "device-1"))

	wantWindowStart := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, wantWindowStart.Add(-WarmUpWindow), f.source.queriedStart)
	assert.Equal(t, f.now, f.source.queriedEnd)
}

func TestCoordinator_SteadyStateSyncsOnlyToday(t *testing.T) {
	f := newCoordFixture(t)
	f.usageStore.seedDays(7, f.now)

	require.NoError(t, f.coordinator.RunCycle(t.Context(), "child-1", "device-1"))

	wantWindowStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, wantWindowStart.Add(-WarmUpWindow), f.source.queriedStart)
}

func TestCoordinator_SplitsUploadIntoBatches(t *testing.T) {
	f := newCoordFixture(t)
	// 30 distinct packages -> 30 condensed records -> ceil(30/25) = 2 batches.
	for i := 0; i < 30; i++ {
		pkg := fmt.Sprintf("pkg%02d", i)
		f.source.events = append(f.source.events,
			fg(at(9, i), pkg),
			bg(at(9, i).Add(30*time.Second), pkg),
		)
	}

	require.NoError(t, f.coordinator.RunCycle(t.Context(), "child-1", "device-1"))

	require.Len(t, f.usageAPI.batches, 2)
	assert.Len(t, f.usageAPI.batches[0], 25)
	assert.Len(t, f.usageAPI.batches[1], 5)

	_, ok, _ := f.stateStore.Get(KeyLastSyncTime)
	assert.True(t, ok)
}

func TestCoordinator_BatchFailureAbortsRemainingAndSkipsLastSync(t *testing.T) {
	f := newCoordFixture(t)
	f.usageAPI.failAtBatch = 2
	for i := 0; i < 60; i++ {
		pkg := fmt.Sprintf("pkg%02d", i)
		f.source.events = append(f.source.events,
			fg(at(9, i%60), pkg),
			bg(at(9, i%60).Add(30*time.Second), pkg),
		)
	}

	err := f.coordinator.RunCycle(t.Context(), "child-1", "device-1")
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))

	// Batch 1 succeeded, batch 2 failed, batch 3 never attempted.
	assert.Len(t, f.usageAPI.batches, 1)

	_, ok, _ := f.stateStore.Get(KeyLastSyncTime)
	assert.False(t, ok, "lastSyncTime must not be recorded on a failed cycle")
}

func TestCoordinator_PersistsDailyUsageLocally(t *testing.T) {
	f := newCoordFixture(t)
	f.source.events = []domain.UsageEvent{
		fg(at(10, 0), "pkgA"),
		bg(at(10, 5), "pkgA"),
	}

	require.NoError(t, f.coordinator.RunCycle(t.Context(), "child-1", "device-1"))

	totals, err := f.usageStore.DayTotals("2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, int64(300), totals["pkgA"])
}

func TestCoordinator_RerunReplacesInsteadOfIncrementing(t *testing.T) {
	f := newCoordFixture(t)
	f.source.events = []domain.UsageEvent{
		fg(at(10, 0), "pkgA"),
		bg(at(10, 5), "pkgA"),
	}

	require.NoError(t, f.coordinator.RunCycle(t.Context(), "child-1", "device-1"))
	require.NoError(t, f.coordinator.RunCycle(t.Context(), "child-1", "device-1"))

	totals, err := f.usageStore.DayTotals("2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, int64(300), totals["pkgA"], "recomputing a date replaces its rows")
}

func TestCoordinator_PolicyRefreshPropagatesFlags(t *testing.T) {
	f := newCoordFixture(t)
	f.policyAPI.policy = policyWith(45, []string{"pkgZ"}, "22:00", "07:00")

	require.NoError(t, f.coordinator.RunCycle(t.Context(), "child-1", "device-1"))

	limit, ok, _ := f.stateStore.Get(KeyDailyLimit)
	require.True(t, ok)
	assert.Equal(t, "45", limit)
	start, _, _ := f.stateStore.Get(KeyBedtimeStart)
	assert.Equal(t, "22:00", start)
}

func TestCoordinator_PolicyFailureFailsCycle(t *testing.T) {
	f := newCoordFixture(t)
	f.policyAPI.err = &domain.TransportError{Op: "get policy", Err: assert.AnError}
	f.source.events = []domain.UsageEvent{
		fg(at(10, 0), "pkgA"),
		bg(at(10, 5), "pkgA"),
	}

	err := f.coordinator.RunCycle(t.Context(), "child-1", "device-1")
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func TestCoordinator_PermissionDeniedIsNotRetryable(t *testing.T) {
	f := newCoordFixture(t)
	f.source.hasPermission = false

	err := f.coordinator.RunCycle(t.Context(), "child-1", "device-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.False(t, domain.IsRetryable(err))
}
