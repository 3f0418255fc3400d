package jobs

import (
	"context"
	"log"
	"time"

	"oscesim/internal/services"
)

// CacheEvictionJob sweeps expired entries out of the case cache and the
// session store. Expired dirty sessions get one best-effort flush before they
// are dropped.
type CacheEvictionJob struct {
	cases    *services.CaseCache
	sessions *services.SessionStore
	interval time.Duration
}

// NewCacheEvictionJob creates the eviction sweep.
func NewCacheEvictionJob(cases *services.CaseCache, sessions *services.SessionStore, interval time.Duration) *CacheEvictionJob {
	return &CacheEvictionJob{cases: cases, sessions: sessions, interval: interval}
}

// Interval returns how often the sweep runs.
func (j *CacheEvictionJob) Interval() time.Duration {
	return j.interval
}

// Run evicts expired entries from both caches.
func (j *CacheEvictionJob) Run(ctx context.Context) error {
	caseEvicted := j.cases.EvictExpired()
	sessionEvicted := j.sessions.EvictExpired(ctx)

	if caseEvicted > 0 || sessionEvicted > 0 {
		log.Printf("🗑️  [CACHE-EVICTION] Evicted %d case entries, %d session entries", caseEvicted, sessionEvicted)
	}
	return nil
}
