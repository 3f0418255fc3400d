package services

import (
	"context"
	"log"
	"sync"
	"time"

	"oscesim/internal/models"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// sessionEntry wraps a cached session with its cache metadata. Entries are
// owned by the store and never exposed outside it.
type sessionEntry struct {
	session      *models.Session
	cachedAt     time.Time
	lastAccessed time.Time
	version      int64
	dirty        bool
}

// SessionStore is a cache-aside store of per-attempt encounter state. Writes
// are memory-first; durable persistence happens on completion (synchronous)
// and through the periodic dirty-session flush. Any backing-store failure is
// logged and the in-memory cache remains the source of truth for that session
// for the remainder of the process lifetime.
//
// Entries may be registered under more than one key (durable id plus a
// caller-supplied client session id); the canonical key is session.ID and
// sweeps only act on canonical entries.
type SessionStore struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
	repo    SessionRepository // nil means memory-only mode
	ttl     time.Duration

	// creating serializes concurrent session creation per "userId:caseId" so
	// two racing getOrCreate calls share one result instead of creating twice.
	creating singleflight.Group
}

// NewSessionStore creates a session store. repo may be nil, in which case all
// sessions are ephemeral.
func NewSessionStore(repo SessionRepository, ttl time.Duration) *SessionStore {
	return &SessionStore{
		entries: make(map[string]*sessionEntry),
		repo:    repo,
		ttl:     ttl,
	}
}

// expired reports whether the entry must be treated as absent. Age is measured
// from cachedAt regardless of the dirty flag.
func (s *SessionStore) expiredLocked(entry *sessionEntry, now time.Time) bool {
	return now.Sub(entry.cachedAt) > s.ttl
}

// Create inserts a new session for (userID, caseID). The durable insert is
// best effort: when the backing store is unavailable the session still exists,
// purely in memory, under a locally generated identifier (or the caller's
// clientSessionID when supplied).
func (s *SessionStore) Create(ctx context.Context, userID, caseID, clientSessionID string) (*models.Session, error) {
	now := time.Now()
	session := &models.Session{
		UserID:          userID,
		CaseID:          caseID,
		CurrentStage:    models.StageHistory,
		CompletedStages: []models.Stage{},
		RevealedFacts:   []string{},
		CriticalFlags:   []string{},
		ActionsTaken:    []models.ActionRecord{},
		Transcript:      []models.TranscriptEntry{},
		CreatedAt:       now,
		LastInteraction: now,
	}

	durable := false
	if s.repo != nil {
		id, err := s.repo.Insert(ctx, session)
		if err != nil {
			log.Printf("⚠️  [SESSION-STORE] Durable insert failed for user %s case %s: %v (continuing in memory)", userID, caseID, err)
		} else {
			session.ID = id
			durable = true
		}
	}
	if session.ID == "" {
		if clientSessionID != "" {
			session.ID = clientSessionID
		} else {
			session.ID = uuid.NewString()
		}
	}

	entry := &sessionEntry{
		session:      session,
		cachedAt:     now,
		lastAccessed: now,
		version:      1,
		dirty:        !durable,
	}

	s.mu.Lock()
	s.entries[session.ID] = entry
	if clientSessionID != "" && clientSessionID != session.ID {
		s.entries[clientSessionID] = entry
	}
	s.mu.Unlock()

	log.Printf("🩺 [SESSION-STORE] Created session %s (user: %s, case: %s, durable: %v)", session.ID, userID, caseID, durable)
	return session, nil
}

// Load returns the session for sessionID, falling back to the most recent
// uncompleted attempt for (userID, caseID) when the identifier is unknown to
// the backing store. A durable hit hydrates the cache under the
// caller-supplied key when one was given, so later lookups by client-side id
// are cache hits. Returns ErrSessionNotFound when nothing matches.
func (s *SessionStore) Load(ctx context.Context, sessionID, userID, caseID string) (*models.Session, error) {
	now := time.Now()

	if sessionID != "" {
		s.mu.Lock()
		if entry, ok := s.entries[sessionID]; ok && !s.expiredLocked(entry, now) {
			entry.lastAccessed = now
			session := entry.session
			s.mu.Unlock()
			GetMetrics().incCacheHit("sessions")
			return session, nil
		}
		s.mu.Unlock()
	} else if userID != "" && caseID != "" {
		// No identifier: the live cached attempt for the pair is the source of
		// truth. Ephemeral sessions (failed or absent durable layer) exist only
		// here, so skipping this scan would recreate them on every lookup.
		if session := s.findActiveCached(userID, caseID, now); session != nil {
			GetMetrics().incCacheHit("sessions")
			return session, nil
		}
	}
	GetMetrics().incCacheMiss("sessions")

	if s.repo == nil {
		return nil, ErrSessionNotFound
	}

	var found *models.Session
	var err error
	if sessionID != "" && IsDurableID(sessionID) {
		found, err = s.repo.FindByID(ctx, sessionID)
	} else if userID != "" && caseID != "" {
		found, err = s.repo.FindActive(ctx, userID, caseID)
	}
	if err != nil {
		log.Printf("⚠️  [SESSION-STORE] Durable lookup failed (session: %s): %v", sessionID, err)
		return nil, ErrSessionNotFound
	}
	if found == nil {
		return nil, ErrSessionNotFound
	}

	entry := &sessionEntry{
		session:      found,
		cachedAt:     now,
		lastAccessed: now,
		version:      1,
	}

	s.mu.Lock()
	s.entries[found.ID] = entry
	if sessionID != "" && sessionID != found.ID {
		s.entries[sessionID] = entry
	}
	s.mu.Unlock()

	return found, nil
}

// findActiveCached returns the most recently accessed non-expired, uncompleted
// canonical cache entry for (userID, caseID), or nil.
func (s *SessionStore) findActiveCached(userID, caseID string, now time.Time) *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *sessionEntry
	for key, entry := range s.entries {
		if key != entry.session.ID {
			continue
		}
		if entry.session.UserID != userID || entry.session.CaseID != caseID || entry.session.IsCompleted {
			continue
		}
		if s.expiredLocked(entry, now) {
			continue
		}
		if best == nil || entry.lastAccessed.After(best.lastAccessed) {
			best = entry
		}
	}
	if best == nil {
		return nil
	}
	best.lastAccessed = now
	return best.session
}

// GetOrCreate returns the active session for (userID, caseID), creating one if
// none exists. Concurrent calls for the same pair share a single creation.
func (s *SessionStore) GetOrCreate(ctx context.Context, userID, caseID string) (*models.Session, error) {
	return s.getOrCreate(ctx, userID, caseID, "")
}

// Resume is GetOrCreate with a caller-supplied session identifier: the id is
// tried as a lookup key first and seeds the new session's identity when the
// durable insert cannot supply one. It shares the same per-pair creation lock.
func (s *SessionStore) Resume(ctx context.Context, userID, caseID, clientSessionID string) (*models.Session, error) {
	return s.getOrCreate(ctx, userID, caseID, clientSessionID)
}

func (s *SessionStore) getOrCreate(ctx context.Context, userID, caseID, clientSessionID string) (*models.Session, error) {
	key := userID + ":" + caseID
	result, err, _ := s.creating.Do(key, func() (interface{}, error) {
		if session, err := s.Load(ctx, clientSessionID, userID, caseID); err == nil {
			return session, nil
		}
		return s.Create(ctx, userID, caseID, clientSessionID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.Session), nil
}

// Update merges partial fields into the cached session, bumps its version and
// marks it dirty. Durable persistence is not performed per update; only a
// completion update triggers a synchronous flush. Slice fields append; the
// revealed-fact and critical-flag sets are monotonic, and failedStage never
// reverts to false.
func (s *SessionStore) Update(ctx context.Context, sessionID string, update models.SessionUpdate) (*models.Session, error) {
	now := time.Now()

	s.mu.Lock()
	entry, ok := s.entries[sessionID]
	if !ok || s.expiredLocked(entry, now) {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	session := entry.session
	if session.IsCompleted {
		s.mu.Unlock()
		return nil, ErrSessionCompleted
	}

	applyUpdate(session, update, now)
	entry.version++
	entry.dirty = true
	entry.lastAccessed = now
	version := entry.version
	completed := session.IsCompleted
	s.mu.Unlock()

	if completed {
		s.flushSession(ctx, session, version)
	}
	return session, nil
}

func applyUpdate(session *models.Session, update models.SessionUpdate, now time.Time) {
	if update.CurrentStage != nil {
		session.CurrentStage = *update.CurrentStage
	}
	if update.AddCompletedWith != nil {
		session.CompletedStages = appendStage(session.CompletedStages, *update.AddCompletedWith)
	}
	for _, fact := range update.AddRevealedFacts {
		if !session.HasRevealedFact(fact) {
			session.RevealedFacts = append(session.RevealedFacts, fact)
		}
	}
	if update.ScoreDelta != nil {
		session.ScoreTotal += *update.ScoreDelta
	}
	for _, flag := range update.AddCriticalFlags {
		if !containsString(session.CriticalFlags, flag) {
			session.CriticalFlags = append(session.CriticalFlags, flag)
		}
	}
	if update.FailedStage != nil && *update.FailedStage {
		session.FailedStage = true
	}
	session.ActionsTaken = append(session.ActionsTaken, update.AddActions...)
	session.Transcript = append(session.Transcript, update.AddTranscript...)
	if update.IsCompleted != nil && *update.IsCompleted {
		session.IsCompleted = true
	}
	session.LastInteraction = now
}

// flushSession persists one session and clears its dirty flag if no further
// mutation happened while the write was in flight. Failures are logged; the
// dirty flag stays set so the next sweep retries.
func (s *SessionStore) flushSession(ctx context.Context, session *models.Session, version int64) {
	if s.repo == nil || !IsDurableID(session.ID) {
		GetMetrics().incSessionFlush("ephemeral")
		s.mu.Lock()
		if entry, ok := s.entries[session.ID]; ok && entry.version == version {
			entry.dirty = false
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	snapshot := *session
	s.mu.Unlock()

	if err := s.repo.Replace(ctx, session.ID, &snapshot); err != nil {
		GetMetrics().incSessionFlush("failure")
		log.Printf("❌ [SESSION-STORE] Flush failed for session %s: %v", session.ID, err)
		return
	}

	GetMetrics().incSessionFlush("success")
	s.mu.Lock()
	if entry, ok := s.entries[session.ID]; ok && entry.version == version {
		entry.dirty = false
	}
	s.mu.Unlock()
}

// FlushDirty persists every dirty, uncompleted session whose identifier is a
// valid backing-store key and clears the dirty flags that were successfully
// written. Ephemeral sessions are marked clean without I/O. At-least-once:
// failures leave the dirty flag set for the next sweep.
func (s *SessionStore) FlushDirty(ctx context.Context) (flushed, failed int) {
	type flushTarget struct {
		session *models.Session
		version int64
	}

	s.mu.Lock()
	targets := make([]flushTarget, 0)
	for key, entry := range s.entries {
		if key != entry.session.ID {
			continue // alias key
		}
		if !entry.dirty || entry.session.IsCompleted {
			continue
		}
		if s.repo == nil || !IsDurableID(entry.session.ID) {
			entry.dirty = false
			GetMetrics().incSessionFlush("ephemeral")
			continue
		}
		targets = append(targets, flushTarget{session: entry.session, version: entry.version})
	}
	s.mu.Unlock()

	for _, target := range targets {
		s.mu.Lock()
		snapshot := *target.session
		s.mu.Unlock()

		if err := s.repo.Replace(ctx, target.session.ID, &snapshot); err != nil {
			failed++
			GetMetrics().incSessionFlush("failure")
			log.Printf("❌ [SESSION-STORE] Flush failed for session %s: %v", target.session.ID, err)
			continue
		}
		flushed++
		GetMetrics().incSessionFlush("success")

		s.mu.Lock()
		if entry, ok := s.entries[target.session.ID]; ok && entry.version == target.version {
			entry.dirty = false
		}
		s.mu.Unlock()
	}

	return flushed, failed
}

// EvictExpired removes entries older than the TTL. A dirty durable session
// gets one best-effort flush before being dropped; a flush failure is logged
// and the entry is dropped anyway.
func (s *SessionStore) EvictExpired(ctx context.Context) int {
	now := time.Now()

	s.mu.Lock()
	expired := make([]*sessionEntry, 0)
	for key, entry := range s.entries {
		if key != entry.session.ID {
			continue
		}
		if s.expiredLocked(entry, now) {
			expired = append(expired, entry)
		}
	}
	s.mu.Unlock()

	for _, entry := range expired {
		if entry.dirty && !entry.session.IsCompleted && s.repo != nil && IsDurableID(entry.session.ID) {
			s.flushSession(ctx, entry.session, entry.version)
		}
	}

	s.mu.Lock()
	evicted := 0
	for key, entry := range s.entries {
		if s.expiredLocked(entry, now) {
			delete(s.entries, key)
			if key == entry.session.ID {
				evicted++
			}
		}
	}
	s.mu.Unlock()

	GetMetrics().addCacheEvictions("sessions", evicted)
	return evicted
}

// Len returns the number of canonical cached sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for key, entry := range s.entries {
		if key == entry.session.ID {
			count++
		}
	}
	return count
}

func appendStage(stages []models.Stage, stage models.Stage) []models.Stage {
	for _, existing := range stages {
		if existing == stage {
			return stages
		}
	}
	return append(stages, stage)
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
