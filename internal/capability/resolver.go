// Package capability resolves and caches operator capabilities from a
// static role policy.
package capability

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/aiconsole/internal/observability"
	"github.com/pitabwire/aiconsole/model"
)

type cacheEntry struct {
	subject string
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with a bounded in-memory
// cache keyed by subject and role set.
type Resolver struct {
	evaluator  model.PolicyEvaluator
	ttl        time.Duration
	maxEntries int
	metrics    *observability.Metrics
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver creates a new Resolver with the given evaluator and cache
// settings. maxEntries <= 0 leaves the cache unbounded.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, maxEntries int, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		evaluator:  evaluator,
		ttl:        ttl,
		maxEntries: maxEntries,
		metrics:    metrics,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

// cacheKey includes the roles so a token carrying new roles is not served
// stale capabilities.
func cacheKey(rctx *model.RequestContext) string {
	roles := slices.Sorted(slices.Values(rctx.Roles))
	return rctx.SubjectID + "|" + strings.Join(roles, ",")
}

// Resolve returns the full capability set for the given context. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && r.now().Before(entry.expires) {
		r.mu.RUnlock()
		r.metrics.RecordCapabilityCacheHit()
		return entry.caps, nil
	}
	r.mu.RUnlock()
	r.metrics.RecordCapabilityCacheMiss()

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		r.evictLocked()
	}
	r.cache[key] = cacheEntry{subject: rctx.SubjectID, caps: caps, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// evictLocked drops expired entries, or the entry closest to expiry when
// none have expired.
func (r *Resolver) evictLocked() {
	now := r.now()
	var oldestKey string
	var oldest time.Time
	for key, e := range r.cache {
		if !now.Before(e.expires) {
			delete(r.cache, key)
			continue
		}
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey, oldest = key, e.expires
		}
	}
	if len(r.cache) >= r.maxEntries && oldestKey != "" {
		delete(r.cache, oldestKey)
	}
}

// Invalidate clears cached capabilities for the given subject.
func (r *Resolver) Invalidate(subjectID string) {
	r.mu.Lock()
	for key, e := range r.cache {
		if e.subject == subjectID {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// AllowAll grants every capability. It backs the resolver when operator
// authentication is disabled.
type AllowAll struct{}

// ResolveCapabilities implements model.PolicyEvaluator.
func (AllowAll) ResolveCapabilities(*model.RequestContext) (model.CapabilitySet, error) {
	return model.CapabilitySet{model.Wildcard: true}, nil
}
