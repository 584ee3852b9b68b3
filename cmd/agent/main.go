// Package main is the CLI entry point for the sentinelkids agent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/sentinelkids/agent/internal/config"
	"github.com/sentinelkids/agent/internal/daemon"
	"github.com/sentinelkids/agent/internal/domain"
	"github.com/sentinelkids/agent/internal/infra"
	"github.com/sentinelkids/agent/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

const selfPackage = "com.sentinelkids.agent"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Parental-control agent - tracks usage and enforces screen-time rules",
	Long: `agent turns raw foreground/background app transitions into per-day usage
totals, syncs them to the family backend, and enforces the parent-authored
policy (blocklist, daily quota, bedtime) on every foreground change.

Enforcement keeps working offline from the last confirmed policy.`,
	Version: Version,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the agent in the foreground",
	Long: `Runs the sampler, the periodic usage/policy sync and the enforcement
handler until interrupted.`,
	RunE: runStart,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle immediately",
	Long:  `Reconstructs usage, uploads it and refreshes the policy once, then exits.`,
	RunE:  runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show today's usage and the active policy",
	RunE:  runStatus,
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect or edit the enforced policy",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the cached policy",
	RunE:  runPolicyShow,
}

var policyBlockCmd = &cobra.Command{
	Use:   "block <package>",
	Short: "Add a package to the blocklist",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runToggleBlock(args[0], true) },
}

var policyUnblockCmd = &cobra.Command{
	Use:   "unblock <package>",
	Short: "Remove a package from the blocklist",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runToggleBlock(args[0], false) },
}

var policyQuotaCmd = &cobra.Command{
	Use:   "quota <minutes>",
	Short: "Set the daily limit in minutes (-1 disables)",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyQuota,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agent %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
	},
}

var cfgFile string

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file path")

	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyBlockCmd)
	policyCmd.AddCommand(policyUnblockCmd)
	policyCmd.AddCommand(policyQuotaCmd)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(versionCmd)
}

// wiring bundles the constructed components for one command run.
type wiring struct {
	cfg         *config.Config
	logger      *zap.Logger
	stateStore  *infra.EncryptedStateStore
	usageStore  *infra.SQLiteUsageStore
	resolver    *infra.AppCatalog
	sampler     *infra.ProcessSampler
	cache       *usecase.PolicyCache
	coordinator *usecase.Coordinator
	handler     *usecase.EnforcementHandler
}

func buildWiring() (*wiring, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	logger := createLogger(cfg.DataDir)

	keys := infra.NewFileKeyProvider(cfg.DataDir)
	key, err := keys.EnsureKey()
	if err != nil {
		return nil, fmt.Errorf("state store key: %w", err)
	}
	stateStore, err := infra.NewEncryptedStateStore(cfg.DataDir, key)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	usageStore, err := infra.OpenUsageStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open usage store: %w", err)
	}

	apiConfig := infra.APIConfig{
		BaseURL:         cfg.API.BaseURL,
		FallbackBaseURL: cfg.API.FallbackBaseURL,
		ConnectTimeout:  time.Duration(cfg.API.ConnectTimeoutSeconds) * time.Second,
		ReadTimeout:     time.Duration(cfg.API.ReadTimeoutSeconds) * time.Second,
	}
	policyAPI := infra.NewPolicyClient(apiConfig, logger)
	usageAPI := infra.NewUsageClient(apiConfig, logger)

	resolver := infra.NewAppCatalog(selfPackage, cfg.Enforcement.DenyPackages)
	sampler := infra.NewProcessSampler(resolver, logger)
	recon := usecase.NewReconstructor(sampler, resolver, logger)
	cache := usecase.NewPolicyCache(policyAPI, stateStore, logger)
	redirector := infra.NewCommandRedirector(cfg.Enforcement.RedirectCommand, logger)
	handler := usecase.NewEnforcementHandler(cache, usageStore, resolver, redirector, logger)
	coordinator := usecase.NewCoordinator(
		usecase.CoordinatorConfig{
			BackfillDays: cfg.Sync.BackfillDays,
			BatchSize:    cfg.Sync.BatchSize,
		},
		recon, cache, usageStore, usageAPI, stateStore, resolver, logger,
	)

	return &wiring{
		cfg:         cfg,
		logger:      logger,
		stateStore:  stateStore,
		usageStore:  usageStore,
		resolver:    resolver,
		sampler:     sampler,
		cache:       cache,
		coordinator: coordinator,
		handler:     handler,
	}, nil
}

func (w *wiring) close() {
	_ = w.usageStore.Close()
	_ = w.stateStore.Close()
	_ = w.logger.Sync()
}

func runStart(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	if w.cfg.Identity.UserID == "" || w.cfg.Identity.DeviceID == "" {
		return fmt.Errorf("identity.user_id and identity.device_id must be configured")
	}

	agent := daemon.NewAgent(
		daemon.AgentConfig{
			SyncInterval: time.Duration(w.cfg.Sync.IntervalMinutes) * time.Minute,
			UserID:       w.cfg.Identity.UserID,
			DeviceID:     w.cfg.Identity.DeviceID,
		},
		w.coordinator, w.handler, w.sampler, w.logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.sampler.Run(ctx) })
	g.Go(func() error { return agent.Run(ctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	if w.cfg.Identity.UserID == "" || w.cfg.Identity.DeviceID == "" {
		return fmt.Errorf("identity.user_id and identity.device_id must be configured")
	}

	if err := w.coordinator.RunCycle(context.Background(), w.cfg.Identity.UserID, w.cfg.Identity.DeviceID); err != nil {
		return fmt.Errorf("sync cycle failed: %w", err)
	}
	fmt.Println("Sync completed.")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	today := time.Now().Format("2006-01-02")
	rows, err := w.usageStore.DayRows(today)
	if err != nil {
		return err
	}

	fmt.Printf("Usage for %s:\n", today)
	if len(rows) == 0 {
		fmt.Println("  (no usage recorded)")
	}
	var total int64
	for _, row := range rows {
		total += row.TotalSeconds
		fmt.Printf("  %-30s %s\n", row.AppName, formatDuration(row.TotalSeconds))
	}
	fmt.Printf("Total: %s\n\n", formatDuration(total))

	printPolicy(w.cache)
	return nil
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	printPolicy(w.cache)
	return nil
}

func runToggleBlock(pkg string, block bool) error {
	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	policy, err := w.cache.Get()
	if err != nil {
		return fmt.Errorf("no cached policy yet, run sync first: %w", err)
	}

	blocked := make(map[string]struct{}, len(policy.BlockedPackages))
	for p := range policy.BlockedPackages {
		blocked[p] = struct{}{}
	}
	if block {
		blocked[pkg] = struct{}{}
	} else {
		delete(blocked, pkg)
	}
	list := make([]string, 0, len(blocked))
	for p := range blocked {
		list = append(list, p)
	}
	sort.Strings(list)

	settings := domain.PolicySettings{
		WeekendRelaxPct: policy.WeekendRelaxPct,
		BlockedPackages: list,
	}
	if policy.HasDailyLimit() {
		limit := policy.DailyLimitMinutes
		settings.DailyLimitMinutes = &limit
	}
	if policy.HasBedtime() {
		start, end := policy.BedtimeStart, policy.BedtimeEnd
		settings.BedtimeStart = &start
		settings.BedtimeEnd = &end
	}

	updated, err := w.cache.ApplySettings(context.Background(), w.cfg.Identity.UserID, settings)
	if err != nil {
		return fmt.Errorf("settings update failed, nothing changed: %w", err)
	}
	fmt.Printf("Blocklist now has %d packages.\n", len(updated.BlockedPackages))
	return nil
}

func runPolicyQuota(cmd *cobra.Command, args []string) error {
	var minutes int
	if _, err := fmt.Sscanf(args[0], "%d", &minutes); err != nil {
		return fmt.Errorf("invalid minutes %q", args[0])
	}

	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer w.close()

	policy, _ := w.cache.Get()

	blocked := make([]string, 0, len(policy.BlockedPackages))
	for p := range policy.BlockedPackages {
		blocked = append(blocked, p)
	}
	sort.Strings(blocked)

	settings := domain.PolicySettings{
		DailyLimitMinutes: &minutes,
		WeekendRelaxPct:   policy.WeekendRelaxPct,
		BlockedPackages:   blocked,
	}
	if policy.HasBedtime() {
		start, end := policy.BedtimeStart, policy.BedtimeEnd
		settings.BedtimeStart = &start
		settings.BedtimeEnd = &end
	}

	if _, err := w.cache.ApplySettings(context.Background(), w.cfg.Identity.UserID, settings); err != nil {
		return fmt.Errorf("settings update failed, nothing changed: %w", err)
	}
	fmt.Printf("Daily limit set to %d minutes.\n", minutes)
	return nil
}

func printPolicy(cache *usecase.PolicyCache) {
	policy, err := cache.Get()
	if err != nil {
		fmt.Println("Policy: none cached yet")
		return
	}

	fmt.Println("Policy:")
	if policy.HasDailyLimit() {
		fmt.Printf("  Daily limit: %d min (weekend relax %d%%)\n",
			policy.DailyLimitMinutes, policy.WeekendRelaxPct)
	} else {
		fmt.Println("  Daily limit: none")
	}
	if policy.HasBedtime() {
		fmt.Printf("  Bedtime: %s - %s\n", policy.BedtimeStart, policy.BedtimeEnd)
	} else {
		fmt.Println("  Bedtime: none")
	}
	if len(policy.BlockedPackages) == 0 {
		fmt.Println("  Blocked: none")
		return
	}
	blocked := make([]string, 0, len(policy.BlockedPackages))
	for p := range policy.BlockedPackages {
		blocked = append(blocked, p)
	}
	sort.Strings(blocked)
	fmt.Println("  Blocked:")
	for _, p := range blocked {
		fmt.Printf("    - %s\n", p)
	}
}

func formatDuration(totalSeconds int64) string {
	minutes := totalSeconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}

func createLogger(dataDir string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{filepath.Join(dataDir, "agent.log"), "stderr"}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}
