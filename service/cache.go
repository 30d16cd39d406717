package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AnTengye/pagelens/backend/config"
	"github.com/AnTengye/pagelens/backend/model"
)

// CachePolicy bounds the analysis cache by age and size
type CachePolicy struct {
	MaxEntries    int
	TTL           time.Duration
	SweepInterval time.Duration
}

func CachePolicyFromConfig(cfg *config.CacheConfig) CachePolicy {
	return CachePolicy{
		MaxEntries:    cfg.MaxEntries,
		TTL:           cfg.TTL,
		SweepInterval: cfg.SweepInterval,
	}
}

type cacheEntry struct {
	subjectRef     string
	reports        map[string]*model.Report
	createdAt      time.Time
	lastAccessedAt time.Time
}

func (e *cacheEntry) lastUsed() time.Time {
	if e.lastAccessedAt.IsZero() {
		return e.createdAt
	}
	return e.lastAccessedAt
}

// AnalysisCache memoizes reports per subject hash and language
type AnalysisCache struct {
	entries map[string]*cacheEntry
	mu      sync.RWMutex
	policy  CachePolicy
	now     func() time.Time
}

func NewAnalysisCache(policy CachePolicy) *AnalysisCache {
	if policy.MaxEntries <= 0 {
		policy.MaxEntries = 500
	}
	if policy.TTL <= 0 {
		policy.TTL = 24 * time.Hour
	}
	if policy.SweepInterval <= 0 {
		policy.SweepInterval = time.Hour
	}
	slog.Info("analysis cache initialized",
		"max_entries", policy.MaxEntries,
		"ttl", policy.TTL,
	)
	return &AnalysisCache{
		entries: make(map[string]*cacheEntry),
		policy:  policy,
		now:     time.Now,
	}
}

func (c *AnalysisCache) expired(e *cacheEntry, now time.Time) bool {
	return now.Sub(e.createdAt) > c.policy.TTL
}

// Lookup returns a copy of the cached report and refreshes the entry's access
// time. An entry past its TTL is deleted and reported absent.
func (c *AnalysisCache) Lookup(subjectHash, lang string) *model.Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[subjectHash]
	if !ok {
		return nil
	}
	now := c.now()
	if c.expired(e, now) {
		delete(c.entries, subjectHash)
		slog.Debug("cache entry expired on access", "subject_hash", subjectHash)
		return nil
	}
	report, ok := e.reports[lang]
	if !ok {
		return nil
	}
	e.lastAccessedAt = now
	return report.Clone()
}

// Peek is Lookup without side effects
func (c *AnalysisCache) Peek(subjectHash, lang string) *model.Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[subjectHash]
	if !ok || c.expired(e, c.now()) {
		return nil
	}
	return e.reports[lang].Clone()
}

// Store records a report for a subject and language
func (c *AnalysisCache) Store(subjectHash, lang string, report *model.Report, subjectRef string) {
	if report == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[subjectHash]; ok && !c.expired(e, now) {
		e.reports[lang] = report.Clone()
		e.lastAccessedAt = now
		return
	}
	// An expired entry is replaced, not merged into
	delete(c.entries, subjectHash)

	if len(c.entries) >= c.policy.MaxEntries {
		c.evictLocked(len(c.entries) - c.policy.MaxEntries + 1)
	}
	c.entries[subjectHash] = &cacheEntry{
		subjectRef:     subjectRef,
		reports:        map[string]*model.Report{lang: report.Clone()},
		createdAt:      now,
		lastAccessedAt: now,
	}
}

// evictLocked removes the n least recently used entries.
// Must be called with lock held
func (c *AnalysisCache) evictLocked(n int) {
	if n <= 0 {
		return
	}
	type candidate struct {
		hash string
		used time.Time
	}
	candidates := make([]candidate, 0, len(c.entries))
	for hash, e := range c.entries {
		candidates = append(candidates, candidate{hash: hash, used: e.lastUsed()})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].used.Before(candidates[j].used)
	})
	for i := 0; i < n && i < len(candidates); i++ {
		slog.Info("evicting cache entry",
			"subject_hash", candidates[i].hash,
			"subject_ref", c.entries[candidates[i].hash].subjectRef,
			"last_used", candidates[i].used,
		)
		delete(c.entries, candidates[i].hash)
	}
}

// Invalidate drops every language cached for a subject
func (c *AnalysisCache) Invalidate(subjectHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[subjectHash]
	delete(c.entries, subjectHash)
	return ok
}

// Sweep deletes entries whose age exceeds the TTL, independent of access
func (c *AnalysisCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for hash, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, hash)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("swept expired cache entries", "removed", removed, "remaining", len(c.entries))
	}
	return removed
}

// Start runs the periodic TTL sweep until ctx is cancelled
func (c *AnalysisCache) Start(ctx context.Context) {
	ticker := time.NewTicker(c.policy.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Len returns the number of cached subjects
func (c *AnalysisCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Capacity returns the configured maximum number of subjects
func (c *AnalysisCache) Capacity() int {
	return c.policy.MaxEntries
}
