// Package daemon runs the agent's background loops.
package daemon

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sentinelkids/agent/internal/domain"
	"github.com/sentinelkids/agent/internal/usecase"
)

// AgentConfig holds agent loop configuration.
type AgentConfig struct {
	SyncInterval time.Duration // usage + policy sync cadence
	UserID       string
	DeviceID     string
}

// DefaultAgentConfig returns default agent configuration.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		SyncInterval: 15 * time.Minute,
	}
}

// Agent wires the sync coordinator and the enforcement handler to
// their triggers: a periodic ticker for sync and the host's
// foreground-change feed for enforcement. Enforcement decisions are
// made inline on the notification path; only the sync cycle performs
// I/O to the network.
type Agent struct {
	config      AgentConfig
	coordinator *usecase.Coordinator
	handler     *usecase.EnforcementHandler
	watcher     domain.ForegroundWatcher
	logger      *zap.Logger

	syncInFlight atomic.Bool
}

// NewAgent creates the agent daemon.
func NewAgent(
	config AgentConfig,
	coordinator *usecase.Coordinator,
	handler *usecase.EnforcementHandler,
	watcher domain.ForegroundWatcher,
	logger *zap.Logger,
) *Agent {
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultAgentConfig().SyncInterval
	}
	return &Agent{
		config:      config,
		coordinator: coordinator,
		handler:     handler,
		watcher:     watcher,
		logger:      logger,
	}
}

// Run starts the agent loops and blocks until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent started",
		zap.String("user_id", a.config.UserID),
		zap.String("device_id", a.config.DeviceID),
		zap.Duration("sync_interval", a.config.SyncInterval))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.runSyncLoop(ctx) })
	g.Go(func() error { return a.runEnforcementLoop(ctx) })

	err := g.Wait()
	a.logger.Info("agent stopping")
	return err
}

// runSyncLoop runs a sync cycle immediately on start (the on-demand
// trigger when the agent comes up), then on the fixed cadence. Cycles
// never overlap: a tick that arrives while a cycle is in flight is
// skipped, and the next tick provides the retry.
func (a *Agent) runSyncLoop(ctx context.Context) error {
	a.runCycle(ctx)

	ticker := time.NewTicker(a.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.runCycle(ctx)
		}
	}
}

func (a *Agent) runCycle(ctx context.Context) {
	if !a.syncInFlight.CompareAndSwap(false, true) {
		a.logger.Debug("sync cycle already in flight, skipping tick")
		return
	}
	defer a.syncInFlight.Store(false)

	if err := a.coordinator.RunCycle(ctx, a.config.UserID, a.config.DeviceID); err != nil {
		if domain.IsRetryable(err) {
			a.logger.Warn("sync cycle failed, will retry on next tick", zap.Error(err))
		} else {
			a.logger.Error("sync cycle failed", zap.Error(err))
		}
	}
}

// runEnforcementLoop feeds foreground changes to the decision handler.
func (a *Agent) runEnforcementLoop(ctx context.Context) error {
	changes, err := a.watcher.Watch(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			a.handler.OnForegroundChange(change.Package, change.At)
		}
	}
}
