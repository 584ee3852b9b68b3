package usecase

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sentinelkids/agent/internal/domain"
)

// CoordinatorConfig holds the sync cycle tunables. The cold-start
// heuristic and batch size have no principled derivation; they are
// named here rather than buried as literals.
type CoordinatorConfig struct {
	// BackfillDays is how far back to reconstruct after a cold start
	// or reinstall (fewer than BackfillDays populated local days).
	BackfillDays int

	// BatchSize is the number of condensed records per upload request.
	BatchSize int
}

// DefaultCoordinatorConfig returns the default sync tunables.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		BackfillDays: 7,
		BatchSize:    25,
	}
}

// Coordinator runs one usage-sync plus policy-refresh cycle. The
// scheduler guarantees at most one in-flight cycle per device and owns
// the retry backoff; a cycle simply fails at the first transport error
// and reports it.
type Coordinator struct {
	config     CoordinatorConfig
	recon      *Reconstructor
	cache      *PolicyCache
	usageStore domain.UsageStore
	usageAPI   domain.UsageAPI
	stateStore domain.StateStore
	resolver   domain.AppResolver
	logger     *zap.Logger
	now        func() time.Time
}

// NewCoordinator creates a sync coordinator.
func NewCoordinator(
	config CoordinatorConfig,
	recon *Reconstructor,
	cache *PolicyCache,
	usageStore domain.UsageStore,
	usageAPI domain.UsageAPI,
	stateStore domain.StateStore,
	resolver domain.AppResolver,
	logger *zap.Logger,
) *Coordinator {
	if config.BackfillDays <= 0 {
		config.BackfillDays = DefaultCoordinatorConfig().BackfillDays
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultCoordinatorConfig().BatchSize
	}
	return &Coordinator{
		config:     config,
		recon:      recon,
		cache:      cache,
		usageStore: usageStore,
		usageAPI:   usageAPI,
		stateStore: stateStore,
		resolver:   resolver,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the time source (tests).
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// RunCycle reconstructs usage, persists it locally, uploads condensed
// records in bounded batches, and refreshes the policy cache. The
// upload and policy legs are independent and run concurrently. Any
// transport error fails the whole cycle; no partial state is persisted
// that would make a retry behave differently from a fresh attempt.
func (c *Coordinator) RunCycle(ctx context.Context, userID, deviceID string) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.syncUsage(ctx, userID, deviceID)
	})

	g.Go(func() error {
		if _, err := c.cache.Refresh(ctx, userID); err != nil {
			return fmt.Errorf("policy refresh: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (c *Coordinator) syncUsage(ctx context.Context, userID, deviceID string) error {
	now := c.now()

	windowStart, err := c.chooseWindowStart(now)
	if err != nil {
		return err
	}

	sessions, err := c.recon.Reconstruct(ctx, windowStart, now)
	if err != nil {
		return fmt.Errorf("reconstruct: %w", err)
	}

	// Local stats DB is the dashboard's source of truth. Replacing
	// whole dates keeps re-running this over a superset window
	// idempotent.
	rows := AggregateDaily(sessions, c.resolver)
	if err := c.usageStore.ReplaceDays(datesIn(windowStart, now), rows); err != nil {
		return fmt.Errorf("persist daily usage: %w", err)
	}

	records := Condense(sessions, c.resolver)
	if err := c.upload(ctx, userID, deviceID, records); err != nil {
		return err
	}

	if err := c.stateStore.Set(KeyLastSyncTime, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		// Informational only; not used to gate the window choice.
		c.logger.Warn("failed to record last sync time", zap.Error(err))
	}

	c.logger.Info("usage sync completed",
		zap.Int("sessions", len(sessions)),
		zap.Int("records", len(records)))
	return nil
}

// chooseWindowStart picks the reconstruction window: a cold start or
// reinstall (fewer than BackfillDays populated days) reconstructs the
// last BackfillDays; steady state refreshes only today.
func (c *Coordinator) chooseWindowStart(now time.Time) (time.Time, error) {
	days, err := c.usageStore.PopulatedDays()
	if err != nil {
		return time.Time{}, fmt.Errorf("count populated days: %w", err)
	}
	if days < c.config.BackfillDays {
		return startOfDay(now).AddDate(0, 0, -(c.config.BackfillDays - 1)), nil
	}
	return startOfDay(now), nil
}

// upload ships records in fixed-size batches, sequentially. The first
// batch failure aborts the remaining batches for this cycle: the whole
// cycle is retried wholesale on the next scheduled run, which is safe
// because condensing makes re-upload idempotent server-side.
func (c *Coordinator) upload(ctx context.Context, userID, deviceID string, records []domain.CondensedRecord) error {
	for start := 0; start < len(records); start += c.config.BatchSize {
		end := start + c.config.BatchSize
		if end > len(records) {
			end = len(records)
		}
		inserted, err := c.usageAPI.ReportUsage(ctx, userID, deviceID, records[start:end])
		if err != nil {
			return fmt.Errorf("upload batch %d: %w", start/c.config.BatchSize, err)
		}
		c.logger.Debug("uploaded batch",
			zap.Int("batch", start/c.config.BatchSize),
			zap.Int("records", end-start),
			zap.Int("inserted", inserted))
	}
	return nil
}

// datesIn lists the calendar days touched by [start, end].
func datesIn(start, end time.Time) []string {
	var dates []string
	for d := startOfDay(start); !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(dayFormat))
	}
	return dates
}
