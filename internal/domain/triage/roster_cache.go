package triage

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// JSONCache is the slice of cache.Cache the roster needs.
type JSONCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

const rosterCacheKey = "roster:on-duty"

// CachedRoster serves the on-duty roster from cache for a short TTL. Cache
// errors degrade to the underlying provider; they never fail a check-in.
type CachedRoster struct {
	next   RosterProvider
	cache  JSONCache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedRoster(next RosterProvider, cache JSONCache, ttl time.Duration, logger zerolog.Logger) *CachedRoster {
	return &CachedRoster{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (r *CachedRoster) OnDuty(ctx context.Context) ([]ClinicianRosterEntry, error) {
	var roster []ClinicianRosterEntry
	if err := r.cache.Get(ctx, rosterCacheKey, &roster); err == nil {
		return roster, nil
	}

	roster, err := r.next.OnDuty(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, rosterCacheKey, roster, r.ttl); err != nil {
		r.logger.Warn().Err(err).Msg("roster cache write failed")
	}
	return roster, nil
}

// Invalidate drops the cached roster; loads change on every assignment.
func (r *CachedRoster) Invalidate(ctx context.Context) {
	if err := r.cache.Delete(ctx, rosterCacheKey); err != nil {
		r.logger.Warn().Err(err).Msg("roster cache invalidation failed")
	}
}
