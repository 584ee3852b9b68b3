//go:build integration

package integration

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/sentinelkids/agent/internal/domain"
	"github.com/sentinelkids/agent/internal/infra"
	"github.com/sentinelkids/agent/internal/usecase"
	"github.com/sentinelkids/agent/test/fixtures"
)

// harness wires the real stores and clients against the fake backend.
type harness struct {
	backend    *fixtures.FakeBackend
	source     *fixtures.ScriptedEventSource
	resolver   *fixtures.StaticResolver
	redirector *fixtures.RecordingRedirector
	stateStore *infra.EncryptedStateStore
	usageStore *infra.SQLiteUsageStore
	cache      *usecase.PolicyCache
	coord      *usecase.Coordinator
	handler    *usecase.EnforcementHandler
}

var _ = Describe("Sync cycle", func() {
	var (
		h   *harness
		now time.Time
		ctx context.Context
	)

	// Tuesday, local midday.
	baseDay := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	at := func(hour, min int) time.Time {
		return baseDay.Add(time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute)
	}

	newHarness := func(dataDir string) *harness {
		logger := zap.NewNop()

		keys := infra.NewFileKeyProvider(dataDir)
		key, err := keys.EnsureKey()
		Expect(err).NotTo(HaveOccurred())

		stateStore, err := infra.NewEncryptedStateStore(dataDir, key)
		Expect(err).NotTo(HaveOccurred())

		usageStore, err := infra.OpenUsageStore(dataDir)
		Expect(err).NotTo(HaveOccurred())

		backend := fixtures.NewFakeBackend()
		apiConfig := infra.APIConfig{
			BaseURL:        backend.URL(),
			ConnectTimeout: 2 * time.Second,
			ReadTimeout:    5 * time.Second,
		}

		source := &fixtures.ScriptedEventSource{}
		resolver := &fixtures.StaticResolver{Names: map[string]string{
			"com.example.game":  "Example Game",
			"com.spotify.music": "Spotify",
		}}
		redirector := &fixtures.RecordingRedirector{}

		recon := usecase.NewReconstructor(source, resolver, logger)
		cache := usecase.NewPolicyCache(infra.NewPolicyClient(apiConfig, logger), stateStore, logger)
		coord := usecase.NewCoordinator(
			usecase.DefaultCoordinatorConfig(),
			recon, cache, usageStore,
			infra.NewUsageClient(apiConfig, logger),
			stateStore, resolver, logger,
		).WithClock(func() time.Time { return now })
		handler := usecase.NewEnforcementHandler(cache, usageStore, resolver, redirector, logger)

		return &harness{
			backend:    backend,
			source:     source,
			resolver:   resolver,
			redirector: redirector,
			stateStore: stateStore,
			usageStore: usageStore,
			cache:      cache,
			coord:      coord,
			handler:    handler,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = at(11, 0)
		h = newHarness(GinkgoT().TempDir())
	})

	AfterEach(func() {
		h.backend.Close()
		h.stateStore.Close()
		h.usageStore.Close()
	})

	Describe("reconstructing and reporting usage", func() {
		BeforeEach(func() {
			h.source.Events = []domain.UsageEvent{
				{Timestamp: at(10, 0), Package: "com.example.game", Transition: domain.TransitionForeground},
				{Timestamp: at(10, 5), Package: "com.example.game", Transition: domain.TransitionBackground},
			}
		})

		It("uploads the stitched session and records the sync time", func() {
			Expect(h.coord.RunCycle(ctx, "child-1", "device-1")).To(Succeed())

			batches := h.backend.Batches()
			Expect(batches).To(HaveLen(1))
			Expect(batches[0].UserID).To(Equal("child-1"))
			Expect(batches[0].DeviceID).To(Equal("device-1"))
			Expect(batches[0].Events).To(HaveLen(1))
			Expect(batches[0].Events[0].PackageName).To(Equal("com.example.game"))
			Expect(batches[0].Events[0].AppName).To(Equal("Example Game"))
			Expect(batches[0].Events[0].DurationSeconds).To(Equal(int64(300)))

			_, ok, err := h.stateStore.Get(usecase.KeyLastSyncTime)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("persists the day's totals locally for enforcement", func() {
			Expect(h.coord.RunCycle(ctx, "child-1", "device-1")).To(Succeed())

			totals, err := h.usageStore.DayTotals("2026-03-10")
			Expect(err).NotTo(HaveOccurred())
			Expect(totals).To(HaveKeyWithValue("com.example.game", int64(300)))
		})

		It("replaces rather than duplicates usage on a rerun", func() {
			Expect(h.coord.RunCycle(ctx, "child-1", "device-1")).To(Succeed())
			Expect(h.coord.RunCycle(ctx, "child-1", "device-1")).To(Succeed())

			totals, err := h.usageStore.DayTotals("2026-03-10")
			Expect(err).NotTo(HaveOccurred())
			Expect(totals["com.example.game"]).To(Equal(int64(300)))
		})

		It("skips the sync-time update when upload fails and stays retryable", func() {
			h.backend.FailUsage(true)

			err := h.coord.RunCycle(ctx, "child-1", "device-1")
			Expect(err).To(HaveOccurred())
			Expect(domain.IsRetryable(err)).To(BeTrue())

			_, ok, getErr := h.stateStore.Get(usecase.KeyLastSyncTime)
			Expect(getErr).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("policy refresh", func() {
		It("serves the refreshed policy through the cache", func() {
			h.backend.SetPolicy(120, []string{"com.example.game"}, "22:00", "07:00", 50)

			Expect(h.coord.RunCycle(ctx, "child-1", "device-1")).To(Succeed())

			policy, err := h.cache.Get()
			Expect(err).NotTo(HaveOccurred())
			Expect(policy.DailyLimitMinutes).To(Equal(120))
			Expect(policy.IsBlocked("com.example.game")).To(BeTrue())
			Expect(policy.BedtimeStart).To(Equal("22:00"))
			Expect(policy.WeekendRelaxPct).To(Equal(50))
		})

		It("keeps the last confirmed policy when the backend is down", func() {
			h.backend.SetPolicy(60, nil, "", "", 0)
			_, err := h.cache.Refresh(ctx, "child-1")
			Expect(err).NotTo(HaveOccurred())

			h.backend.FailPolicy(true)
			_, err = h.cache.Refresh(ctx, "child-1")
			Expect(err).To(HaveOccurred())

			policy, err := h.cache.Get()
			Expect(err).NotTo(HaveOccurred())
			Expect(policy.DailyLimitMinutes).To(Equal(60))
		})

		It("survives a restart through the encrypted store", func() {
			dataDir := GinkgoT().TempDir()
			first := newHarness(dataDir)
			first.backend.SetPolicy(45, []string{"com.spotify.music"}, "", "", 0)
			_, err := first.cache.Refresh(ctx, "child-1")
			Expect(err).NotTo(HaveOccurred())
			first.backend.Close()
			first.stateStore.Close()
			first.usageStore.Close()

			second := newHarness(dataDir)
			defer func() {
				second.backend.Close()
				second.stateStore.Close()
				second.usageStore.Close()
			}()

			policy, err := second.cache.Get()
			Expect(err).NotTo(HaveOccurred())
			Expect(policy.DailyLimitMinutes).To(Equal(45))
			Expect(policy.IsBlocked("com.spotify.music")).To(BeTrue())
		})
	})

	Describe("enforcement after a sync", func() {
		It("blocks on daily limit once synced usage exceeds it", func() {
			h.backend.SetPolicy(4, nil, "", "", 0)
			h.source.Events = []domain.UsageEvent{
				{Timestamp: at(10, 0), Package: "com.example.game", Transition: domain.TransitionForeground},
				{Timestamp: at(10, 5), Package: "com.example.game", Transition: domain.TransitionBackground},
			}

			Expect(h.coord.RunCycle(ctx, "child-1", "device-1")).To(Succeed())

			decision := h.handler.OnForegroundChange("com.example.game", now)
			Expect(decision.Allow).To(BeFalse())
			Expect(decision.Reason).To(Equal(domain.ReasonDailyLimit))
			Expect(h.redirector.Calls()).To(ContainElement("com.example.game:daily_limit"))
		})

		It("blocks a blocklisted package regardless of usage", func() {
			h.backend.SetPolicy(-1, []string{"com.spotify.music"}, "", "", 0)
			Expect(h.coord.RunCycle(ctx, "child-1", "device-1")).To(Succeed())

			decision := h.handler.OnForegroundChange("com.spotify.music", now)
			Expect(decision.Allow).To(BeFalse())
			Expect(decision.Reason).To(Equal(domain.ReasonBlockedList))
		})

		It("allows everything when no policy was ever fetched", func() {
			decision := h.handler.OnForegroundChange("com.example.game", now)
			Expect(decision.Allow).To(BeTrue())
			Expect(h.redirector.Calls()).To(BeEmpty())
		})
	})

	Describe("settings pushed from the device", func() {
		It("caches the server-confirmed policy after an update", func() {
			h.backend.SetPolicy(-1, nil, "", "", 0)
			_, err := h.cache.Refresh(ctx, "child-1")
			Expect(err).NotTo(HaveOccurred())

			limit := 90
			_, err = h.cache.ApplySettings(ctx, "child-1", domain.PolicySettings{
				DailyLimitMinutes: &limit,
			})
			Expect(err).NotTo(HaveOccurred())

			policy, err := h.cache.Get()
			Expect(err).NotTo(HaveOccurred())
			Expect(policy.DailyLimitMinutes).To(Equal(90))
		})
	})
})
