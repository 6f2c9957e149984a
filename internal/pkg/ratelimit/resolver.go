package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/resumelift/creditengine/app/models"
	"github.com/resumelift/creditengine/internal/pkg/cache"
	"github.com/resumelift/creditengine/internal/pkg/clock"
	"gorm.io/gorm"
)

// DefaultCacheTTL bounds how stale a cached policy row may get before the
// resolver re-reads it from storage.
const DefaultCacheTTL = 5 * time.Minute

// PolicyEntry is a resolved rate-limit policy. Limits are nil when the
// operation carries no hard cap for the tier.
type PolicyEntry struct {
	Operation    string
	Tier         string
	Cost         int64
	DailyLimit   *int
	MonthlyLimit *int
}

type cachedEntry struct {
	entry     PolicyEntry
	expiresAt time.Time
}

// Resolver answers (operation, tier) policy lookups with a deterministic
// fallback chain and caches results in memory with a bounded TTL.
//
// Fallback order, in this fixed sequence:
//  1. exact (operation, tier) row
//  2. the tier's wildcard row (operation = "*")
//  3. the global default: cost 1, no limits
//
// The global default exists so an unseeded operation is still billed rather
// than silently admitted for free.
type Resolver struct {
	repo  Repository
	clk   clock.Clock
	rdb   *redis.Client
	ttl   time.Duration
	mu    sync.RWMutex
	cache map[string]cachedEntry
}

// NewResolver creates a resolver from an injected repository. rdb may be nil;
// usage counting then falls back to the database on every call.
func NewResolver(repo Repository, clk clock.Clock, rdb *redis.Client) *Resolver {
	return &Resolver{
		repo:  repo,
		clk:   clk,
		rdb:   rdb,
		ttl:   DefaultCacheTTL,
		cache: make(map[string]cachedEntry),
	}
}

// NewResolverFromDB creates a resolver from a GORM DB handle using the shared
// cache client.
func NewResolverFromDB(db *gorm.DB) *Resolver {
	return NewResolver(NewRepository(db), clock.System(), cache.GetClient())
}

// Resolve returns the policy for an operation under a tier, following the
// documented fallback order.
func (r *Resolver) Resolve(ctx context.Context, operation, tier string) (PolicyEntry, error) {
	key := operation + "|" + tier
	now := r.clk.Now()

	r.mu.RLock()
	if c, ok := r.cache[key]; ok && now.Before(c.expiresAt) {
		r.mu.RUnlock()
		return c.entry, nil
	}
	r.mu.RUnlock()

	entry, err := r.lookup(ctx, operation, tier)
	if err != nil {
		return PolicyEntry{}, err
	}

	r.mu.Lock()
	r.cache[key] = cachedEntry{entry: entry, expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()
	return entry, nil
}

func (r *Resolver) lookup(ctx context.Context, operation, tier string) (PolicyEntry, error) {
	cfg, err := r.repo.FindPolicy(ctx, operation, tier)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cfg, err = r.repo.FindPolicy(ctx, models.OperationWildcard, tier)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PolicyEntry{Operation: operation, Tier: tier, Cost: 1}, nil
	}
	if err != nil {
		return PolicyEntry{}, fmt.Errorf("resolve policy (%s, %s): %w", operation, tier, err)
	}

	return PolicyEntry{
		Operation:    operation,
		Tier:         tier,
		Cost:         cfg.CostInCredits,
		DailyLimit:   cfg.DailyLimit,
		MonthlyLimit: cfg.MonthlyLimit,
	}, nil
}

// Invalidate drops every cached entry, forcing re-reads after an admin edit.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]cachedEntry)
	r.mu.Unlock()
}
