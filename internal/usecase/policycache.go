package usecase

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sentinelkids/agent/internal/domain"
)

// Durable store keys. Flag keys mirror what the decision engine needs
// so enforcement keeps working across restarts while offline.
const (
	KeyCachedPolicy    = "cached_policy"
	KeyDailyLimit      = "daily_limit" // "-1" = absent
	KeyBedtimeStart    = "bedtime_start"
	KeyBedtimeEnd      = "bedtime_end"
	KeyBlockedPackages = "blocked_packages"
	KeyLastSyncTime    = "last_sync_time" // epoch millis
)

// policyBlob is the durable JSON form of a policy snapshot.
type policyBlob struct {
	DailyLimitMinutes int      `json:"daily_limit_minutes"`
	BlockedPackages   []string `json:"blocked_packages"`
	BedtimeStart      string   `json:"bedtime_start,omitempty"`
	BedtimeEnd        string   `json:"bedtime_end,omitempty"`
	WeekendRelaxPct   int      `json:"weekend_relax_pct"`
}

// PolicyCache holds the last known-good policy. Readers get an
// immutable snapshot via an atomic pointer swap, so they never block
// on a refresh in progress and never observe a torn policy. A child's
// device enforces the last confirmed policy rather than reverting to
// "no policy" whenever the network blips.
type PolicyCache struct {
	api     domain.PolicyAPI
	store   domain.StateStore
	logger  *zap.Logger
	current atomic.Pointer[domain.Policy]
}

// NewPolicyCache creates a policy cache, seeding the in-memory snapshot
// from the durable store so enforcement works offline from first read.
func NewPolicyCache(api domain.PolicyAPI, store domain.StateStore, logger *zap.Logger) *PolicyCache {
	c := &PolicyCache{
		api:    api,
		store:  store,
		logger: logger,
	}
	if p, ok := c.loadPersisted(); ok {
		c.current.Store(&p)
	}
	return c
}

// Get returns the currently cached policy without blocking. It may be
// stale; it is absent only before the first successful refresh on a
// fresh install.
func (c *PolicyCache) Get() (domain.Policy, error) {
	p := c.current.Load()
	if p == nil {
		return domain.Policy{}, domain.ErrNoPolicy
	}
	return *p, nil
}

// Refresh fetches the authoritative policy and atomically replaces the
// cached snapshot. On transport failure the existing cached policy is
// left untouched: never overwrite a good cached policy with a failure.
func (c *PolicyCache) Refresh(ctx context.Context, userID string) (domain.Policy, error) {
	policy, err := c.api.GetCurrentPolicy(ctx, userID)
	if err != nil {
		c.logger.Warn("policy refresh failed, keeping cached policy", zap.Error(err))
		return domain.Policy{}, err
	}
	c.replace(policy)
	return policy, nil
}

// ApplySettings pushes a partial settings update and caches the
// server's response as the new authoritative policy. On failure the
// cache is untouched and the caller must assume the edit did not take
// effect.
func (c *PolicyCache) ApplySettings(ctx context.Context, userID string, settings domain.PolicySettings) (domain.Policy, error) {
	policy, err := c.api.UpdateSettings(ctx, userID, settings)
	if err != nil {
		return domain.Policy{}, err
	}
	c.replace(policy)
	return policy, nil
}

// Clear drops the cached policy and its durable copy (sign-out).
func (c *PolicyCache) Clear() error {
	c.current.Store(nil)
	return c.store.Delete(KeyCachedPolicy, KeyDailyLimit, KeyBedtimeStart, KeyBedtimeEnd, KeyBlockedPackages)
}

// replace swaps in the new snapshot and persists it together with the
// enforcement flags as one atomic store write, so a reader never sees
// an old bedtime mixed with a new quota.
func (c *PolicyCache) replace(policy domain.Policy) {
	p := policy
	c.current.Store(&p)

	blocked := make([]string, 0, len(policy.BlockedPackages))
	for pkg := range policy.BlockedPackages {
		blocked = append(blocked, pkg)
	}
	sort.Strings(blocked)

	blob, err := json.Marshal(policyBlob{
		DailyLimitMinutes: policy.DailyLimitMinutes,
		BlockedPackages:   blocked,
		BedtimeStart:      policy.BedtimeStart,
		BedtimeEnd:        policy.BedtimeEnd,
		WeekendRelaxPct:   policy.WeekendRelaxPct,
	})
	if err != nil {
		c.logger.Error("failed to serialize policy", zap.Error(err))
		return
	}
	blockedJSON, _ := json.Marshal(blocked)

	if err := c.store.SetMany(map[string]string{
		KeyCachedPolicy:    string(blob),
		KeyDailyLimit:      strconv.Itoa(policy.DailyLimitMinutes),
		KeyBedtimeStart:    policy.BedtimeStart,
		KeyBedtimeEnd:      policy.BedtimeEnd,
		KeyBlockedPackages: string(blockedJSON),
	}); err != nil {
		// The in-memory snapshot is already current; losing the durable
		// copy only matters across a restart.
		c.logger.Error("failed to persist policy", zap.Error(err))
	}
}

// loadPersisted restores the last confirmed policy from the store.
func (c *PolicyCache) loadPersisted() (domain.Policy, bool) {
	raw, ok, err := c.store.Get(KeyCachedPolicy)
	if err != nil || !ok {
		return domain.Policy{}, false
	}
	var blob policyBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		c.logger.Warn("discarding corrupt persisted policy", zap.Error(err))
		return domain.Policy{}, false
	}
	blocked := make(map[string]struct{}, len(blob.BlockedPackages))
	for _, pkg := range blob.BlockedPackages {
		blocked[pkg] = struct{}{}
	}
	return domain.Policy{
		DailyLimitMinutes: blob.DailyLimitMinutes,
		BlockedPackages:   blocked,
		BedtimeStart:      blob.BedtimeStart,
		BedtimeEnd:        blob.BedtimeEnd,
		WeekendRelaxPct:   blob.WeekendRelaxPct,
	}, true
}
