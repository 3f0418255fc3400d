package services

import (
	"strings"
	"time"

	"oscesim/internal/models"

	"github.com/patrickmn/go-cache"
)

// CaseCache is a read-through cache of canonical case truth. The key is the
// case identifier alone, or caseId:sessionId for per-session case variants.
// It never talks to the backing store itself; on a miss the caller loads the
// record, runs the adapter and populates the cache.
//
// go-cache's internal janitor is disabled; expiry is enforced on read plus the
// explicit eviction sweep owned by the job scheduler.
type CaseCache struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewCaseCache creates a case cache with the given TTL.
func NewCaseCache(ttl time.Duration) *CaseCache {
	return &CaseCache{
		cache: cache.New(ttl, 0),
		ttl:   ttl,
	}
}

func caseKey(caseID, sessionID string) string {
	if sessionID == "" {
		return caseID
	}
	return caseID + ":" + sessionID
}

// Get returns the cached truth for the key, or nil when absent or expired.
func (c *CaseCache) Get(caseID, sessionID string) *models.CaseTruth {
	value, found := c.cache.Get(caseKey(caseID, sessionID))
	if !found {
		GetMetrics().incCacheMiss("cases")
		return nil
	}
	truth, ok := value.(*models.CaseTruth)
	if !ok {
		return nil
	}
	GetMetrics().incCacheHit("cases")
	return truth
}

// Set stores the truth under the case key (session-scoped when sessionID is
// non-empty).
func (c *CaseCache) Set(caseID string, truth *models.CaseTruth, sessionID string) {
	c.cache.Set(caseKey(caseID, sessionID), truth, cache.DefaultExpiration)
}

// Has reports whether a non-expired entry exists for the key.
func (c *CaseCache) Has(caseID, sessionID string) bool {
	_, found := c.cache.Get(caseKey(caseID, sessionID))
	return found
}

// Invalidate removes a single entry.
func (c *CaseCache) Invalidate(caseID, sessionID string) {
	c.cache.Delete(caseKey(caseID, sessionID))
}

// InvalidateCase removes the base entry for a case and every session-scoped
// variant of it.
func (c *CaseCache) InvalidateCase(caseID string) {
	c.cache.Delete(caseID)
	prefix := caseID + ":"
	for key := range c.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Delete(key)
		}
	}
}

// InvalidateSession removes every entry scoped to the given session.
func (c *CaseCache) InvalidateSession(sessionID string) {
	suffix := ":" + sessionID
	for key := range c.cache.Items() {
		if strings.HasSuffix(key, suffix) {
			c.cache.Delete(key)
		}
	}
}

// EvictExpired removes expired entries and returns how many were dropped.
// Called by the periodic eviction job so memory does not grow unbounded even
// without reads.
func (c *CaseCache) EvictExpired() int {
	before := c.cache.ItemCount()
	c.cache.DeleteExpired()
	evicted := before - c.cache.ItemCount()
	GetMetrics().addCacheEvictions("cases", evicted)
	return evicted
}

// Len returns the number of entries currently held (including not-yet-swept
// expired ones).
func (c *CaseCache) Len() int {
	return c.cache.ItemCount()
}
