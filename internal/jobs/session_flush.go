package jobs

import (
	"context"
	"log"
	"time"

	"oscesim/internal/services"
)

// SessionFlushJob writes dirty cached sessions back to the durable store.
// Write-back is at-least-once: a failed flush leaves the entry dirty for the
// next cycle.
type SessionFlushJob struct {
	sessions *services.SessionStore
	interval time.Duration
}

// NewSessionFlushJob creates the write-back sweep.
func NewSessionFlushJob(sessions *services.SessionStore, interval time.Duration) *SessionFlushJob {
	return &SessionFlushJob{sessions: sessions, interval: interval}
}

// Interval returns how often dirty sessions are flushed.
func (j *SessionFlushJob) Interval() time.Duration {
	return j.interval
}

// Run flushes all dirty sessions.
func (j *SessionFlushJob) Run(ctx context.Context) error {
	flushed, failed := j.sessions.FlushDirty(ctx)
	if flushed > 0 || failed > 0 {
		log.Printf("💾 [SESSION-FLUSH] Flushed %d sessions (%d failed)", flushed, failed)
	}
	return nil
}
