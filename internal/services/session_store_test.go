package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"oscesim/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// fakeSessionRepository is an in-memory SessionRepository with switchable
// failure modes.
type fakeSessionRepository struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	inserts  int
	replaces int

	failInserts  bool
	failReplaces bool
}

func newFakeRepo() *fakeSessionRepository {
	return &fakeSessionRepository{sessions: make(map[string]models.Session)}
}

func (r *fakeSessionRepository) Insert(ctx context.Context, session *models.Session) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	if r.failInserts {
		return "", errors.New("backing store unavailable")
	}
	id := primitive.NewObjectID().Hex()
	stored := *session
	stored.ID = id
	r.sessions[id] = stored
	return id, nil
}

func (r *fakeSessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.sessions[id]; ok {
		session := stored
		return &session, nil
	}
	return nil, nil
}

func (r *fakeSessionRepository) FindActive(ctx context.Context, userID, caseID string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.Session
	for _, stored := range r.sessions {
		if stored.UserID != userID || stored.CaseID != caseID || stored.IsCompleted {
			continue
		}
		if latest == nil || stored.LastInteraction.After(latest.LastInteraction) {
			session := stored
			latest = &session
		}
	}
	return latest, nil
}

func (r *fakeSessionRepository) Replace(ctx context.Context, id string, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaces++
	if r.failReplaces {
		return errors.New("backing store unavailable")
	}
	stored := *session
	r.sessions[id] = stored
	return nil
}

func TestSessionStore_CreateDurable(t *testing.T) {
	repo := newFakeRepo()
	store := NewSessionStore(repo, time.Minute)

	session, err := store.Create(context.Background(), "user-1", "case-1", "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !IsDurableID(session.ID) {
		t.Errorf("Expected durable id, got %q", session.ID)
	}
	if session.CurrentStage != models.StageHistory {
		t.Errorf("Expected history stage, got %q", session.CurrentStage)
	}
	if repo.inserts != 1 {
		t.Errorf("Expected 1 insert, got %d", repo.inserts)
	}
}

func TestSessionStore_CreateSurvivesInsertFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.failInserts = true
	store := NewSessionStore(repo, time.Minute)

	session, err := store.Create(context.Background(), "user-1", "case-1", "client-abc")
	if err != nil {
		t.Fatalf("Expected creation to succeed in memory, got %v", err)
	}
	if session.ID != "client-abc" {
		t.Errorf("Expected client session id, got %q", session.ID)
	}

	loaded, err := store.Load(context.Background(), "client-abc", "user-1", "case-1")
	if err != nil {
		t.Fatalf("Expected cache hit for ephemeral session, got %v", err)
	}
	if loaded.ID != session.ID {
		t.Errorf("Expected same session, got %q", loaded.ID)
	}
}

func TestSessionStore_CreateRegistersAliasKey(t *testing.T) {
	repo := newFakeRepo()
	store := NewSessionStore(repo, time.Minute)

	session, err := store.Create(context.Background(), "user-1", "case-1", "client-abc")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	byAlias, err := store.Load(context.Background(), "client-abc", "", "")
	if err != nil {
		t.Fatalf("Expected alias lookup to hit, got %v", err)
	}
	if byAlias != session {
		t.Error("Expected alias and durable key to share one session")
	}
	if store.Len() != 1 {
		t.Errorf("Expected 1 canonical entry, got %d", store.Len())
	}
}

func TestSessionStore_LoadHydratesFromDurableStore(t *testing.T) {
	repo := newFakeRepo()
	store := NewSessionStore(repo, time.Minute)

	created, err := store.Create(context.Background(), "user-1", "case-1", "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// A second store simulates a restarted process with a cold cache.
	cold := NewSessionStore(repo, time.Minute)
	loaded, err := cold.Load(context.Background(), created.ID, "", "")
	if err != nil {
		t.Fatalf("Expected durable hydration, got %v", err)
	}
	if loaded.ID != created.ID {
		t.Errorf("Expected session %q, got %q", created.ID, loaded.ID)
	}
	if cold.Len() != 1 {
		t.Errorf("Expected hydrated entry in cache, got %d", cold.Len())
	}
}

func TestSessionStore_LoadFallsBackToActiveLookup(t *testing.T) {
	repo := newFakeRepo()
	store := NewSessionStore(repo, time.Minute)

	created, err := store.Create(context.Background(), "user-1", "case-1", "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	cold := NewSessionStore(repo, time.Minute)
	loaded, err := cold.Load(context.Background(), "unknown-client-id", "user-1", "case-1")
	if err != nil {
		t.Fatalf("Expected active-session fallback, got %v", err)
	}
	if loaded.ID != created.ID {
		t.Errorf("Expected session %q, got %q", created.ID, loaded.ID)
	}

	// The unknown client id now aliases the hydrated entry.
	again, err := cold.Load(context.Background(), "unknown-client-id", "", "")
	if err != nil {
		t.Fatalf("Expected alias hit, got %v", err)
	}
	if again.ID != created.ID {
		t.Errorf("Expected aliased session, got %q", again.ID)
	}
}

func TestSessionStore_LoadUnknown(t *testing.T) {
	store := NewSessionStore(newFakeRepo(), time.Minute)
	if _, err := store.Load(context.Background(), "nope", "user-1", "case-404"); err != ErrSessionNotFound {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionStore_UpdateMergesMonotonically(t *testing.T) {
	repo := newFakeRepo()
	store := NewSessionStore(repo, time.Minute)
	session, _ := store.Create(context.Background(), "user-1", "case-1", "")

	stage := models.StageExamination
	completedWith := models.StageHistory
	delta := 5
	failed := true
	updated, err := store.Update(context.Background(), session.ID, models.SessionUpdate{
		CurrentStage:     &stage,
		AddCompletedWith: &completedWith,
		AddRevealedFacts: []string{"fact-1", "fact-1"},
		ScoreDelta:       &delta,
		AddCriticalFlags: []string{"flag-1"},
		FailedStage:      &failed,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if updated.CurrentStage != models.StageExamination {
		t.Errorf("Expected examination stage, got %q", updated.CurrentStage)
	}
	if len(updated.CompletedStages) != 1 || updated.CompletedStages[0] != models.StageHistory {
		t.Errorf("Expected completed stages [history], got %v", updated.CompletedStages)
	}
	if len(updated.RevealedFacts) != 1 {
		t.Errorf("Expected revealed fact set deduplicated, got %v", updated.RevealedFacts)
	}
	if updated.ScoreTotal != 5 {
		t.Errorf("Expected score 5, got %d", updated.ScoreTotal)
	}
	if !updated.FailedStage {
		t.Error("Expected failed stage set")
	}

	// failedStage never reverts.
	notFailed := false
	updated, err = store.Update(context.Background(), session.ID, models.SessionUpdate{FailedStage: &notFailed})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !updated.FailedStage {
		t.Error("Expected failedStage to stay true")
	}

	// Plain updates must not hit the durable store.
	if repo.replaces != 0 {
		t.Errorf("Expected no durable writes for plain updates, got %d", repo.replaces)
	}
}

func TestSessionStore_CompletionFlushesSynchronously(t *testing.T) {
	repo := newFakeRepo()
	store := NewSessionStore(repo, time.Minute)
	session, _ := store.Create(context.Background(), "user-1", "case-1", "")

	completed := true
	if _, err := store.Update(context.Background(), session.ID, models.SessionUpdate{IsCompleted: &completed}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if repo.replaces != 1 {
		t.Errorf("Expected 1 synchronous flush on completion, got %d", repo.replaces)
	}

	stored, _ := repo.FindByID(context.Background(), session.ID)
	if stored == nil || !stored.IsCompleted {
		t.Error("Expected completed session persisted")
	}

	// Completed sessions are immutable.
	delta := 1
	if _, err := store.Update(context.Background(), session.ID, models.SessionUpdate{ScoreDelta: &delta}); err != ErrSessionCompleted {
		t.Errorf("Expected ErrSessionCompleted, got %v", err)
	}
}

func TestSessionStore_FlushDirty(t *testing.T) {
	repo := newFakeRepo()
	store := NewSessionStore(repo, time.Minute)
	session, _ := store.Create(context.Background(), "user-1", "case-1", "")

	delta := 5
	if _, err := store.Update(context.Background(), session.ID, models.SessionUpdate{ScoreDelta: &delta}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	flushed, failed := store.FlushDirty(context.Background())
	if flushed != 1 || failed != 0 {
		t.Errorf("Expected 1 flushed / 0 failed, got %d / %d", flushed, failed)
	}

	stored, _ := repo.FindByID(context.Background(), session.ID)
	if stored.ScoreTotal != 5 {
		t.Errorf("Expected persisted score 5, got %d", stored.ScoreTotal)
	}

	// Clean entries are skipped on the next sweep.
	flushed, failed = store.FlushDirty(context.Background())
	if flushed != 0 || failed != 0 {
		t.Errorf("Expected nothing to flush, got %d / %d", flushed, failed)
	}
}

func TestSessionStore_FlushDirtyRetriesAfterFailure(t *testing.T) {
	repo := newFakeRepo()
	store := NewSessionStore(repo, time.Minute)
	session, _ := store.Create(context.Background(), "user-1", "case-1", "")

	delta := 5
	store.Update(context.Background(), session.ID, models.SessionUpdate{ScoreDelta: &delta})

	repo.failReplaces = true
	flushed, failed := store.FlushDirty(context.Background())
	if flushed != 0 || failed != 1 {
		t.Errorf("Expected 0 flushed / 1 failed, got %d / %d", flushed, failed)
	}

	// The entry stays dirty, so the next sweep retries and succeeds.
	repo.failReplaces = false
	flushed, failed = store.FlushDirty(context.Background())
	if flushed != 1 || failed != 0 {
		t.Errorf("Expected retry to flush, got %d / %d", flushed, failed)
	}
}

func TestSessionStore_EvictExpiredFlushesDirty(t *testing.T) {
	repo := newFakeRepo()
	store := NewSessionStore(repo, 10*time.Millisecond)
	session, _ := store.Create(context.Background(), "user-1", "case-1", "client-abc")

	delta := 3
	store.Update(context.Background(), session.ID, models.SessionUpdate{ScoreDelta: &delta})

	time.Sleep(20 * time.Millisecond)

	evicted := store.EvictExpired(context.Background())
	if evicted != 1 {
		t.Errorf("Expected 1 eviction, got %d", evicted)
	}
	if store.Len() != 0 {
		t.Errorf("Expected empty store, got %d entries", store.Len())
	}

	stored, _ := repo.FindByID(context.Background(), session.ID)
	if stored == nil || stored.ScoreTotal != 3 {
		t.Error("Expected best-effort flush before eviction")
	}

	// Expired means absent: a reload hydrates fresh from the durable store.
	loaded, err := store.Load(context.Background(), session.ID, "", "")
	if err != nil {
		t.Fatalf("Expected durable reload after eviction, got %v", err)
	}
	if loaded.ScoreTotal != 3 {
		t.Errorf("Expected persisted score after reload, got %d", loaded.ScoreTotal)
	}
}

func TestSessionStore_GetOrCreateSharesConcurrentCreation(t *testing.T) {
	repo := newFakeRepo()
	store := NewSessionStore(repo, time.Minute)

	const callers = 16
	results := make([]*models.Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, err := store.GetOrCreate(context.Background(), "user-1", "case-1")
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}
			results[i] = session
		}(i)
	}
	wg.Wait()

	id := results[0].ID
	for i, session := range results {
		if session == nil || session.ID != id {
			t.Fatalf("Caller %d got a different session", i)
		}
	}
	if repo.inserts != 1 {
		t.Errorf("Expected exactly 1 creation, got %d inserts", repo.inserts)
	}
}

func TestSessionStore_GetOrCreateReturnsExisting(t *testing.T) {
	repo := newFakeRepo()
	store := NewSessionStore(repo, time.Minute)

	first, _ := store.GetOrCreate(context.Background(), "user-1", "case-1")
	second, _ := store.GetOrCreate(context.Background(), "user-1", "case-1")
	if first.ID != second.ID {
		t.Errorf("Expected same session, got %q and %q", first.ID, second.ID)
	}
	if repo.inserts != 1 {
		t.Errorf("Expected 1 insert, got %d", repo.inserts)
	}
}

func TestSessionStore_MemoryOnlyMode(t *testing.T) {
	store := NewSessionStore(nil, time.Minute)

	session, err := store.Create(context.Background(), "user-1", "case-1", "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if IsDurableID(session.ID) {
		t.Errorf("Expected ephemeral id, got %q", session.ID)
	}

	completed := true
	if _, err := store.Update(context.Background(), session.ID, models.SessionUpdate{IsCompleted: &completed}); err != nil {
		t.Fatalf("Expected completion to succeed without a repo, got %v", err)
	}

	flushed, failed := store.FlushDirty(context.Background())
	if flushed != 0 || failed != 0 {
		t.Errorf("Expected no durable flushes in memory-only mode, got %d / %d", flushed, failed)
	}
}

func TestSessionStore_GetOrCreateMemoryOnlyReusesSession(t *testing.T) {
	store := NewSessionStore(nil, time.Minute)

	first, err := store.GetOrCreate(context.Background(), "user-1", "case-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	delta := 7
	if _, err := store.Update(context.Background(), first.ID, models.SessionUpdate{ScoreDelta: &delta}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	second, err := store.GetOrCreate(context.Background(), "user-1", "case-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("Expected the cached session %q, got a new one %q", first.ID, second.ID)
	}
	if second.ScoreTotal != 7 {
		t.Errorf("Expected accumulated score preserved, got %d", second.ScoreTotal)
	}
	if store.Len() != 1 {
		t.Errorf("Expected 1 canonical entry, got %d", store.Len())
	}
}

func TestSessionStore_GetOrCreateReusesSessionAfterInsertFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.failInserts = true
	store := NewSessionStore(repo, time.Minute)

	first, err := store.GetOrCreate(context.Background(), "user-1", "case-1")
	if err != nil {
		t.Fatalf("Expected creation to survive the insert failure, got %v", err)
	}
	if IsDurableID(first.ID) {
		t.Errorf("Expected ephemeral id, got %q", first.ID)
	}

	stage := models.StageExamination
	completedWith := models.StageHistory
	if _, err := store.Update(context.Background(), first.ID, models.SessionUpdate{
		CurrentStage:     &stage,
		AddCompletedWith: &completedWith,
	}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	second, err := store.GetOrCreate(context.Background(), "user-1", "case-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("Expected the cached session %q, got a new one %q", first.ID, second.ID)
	}
	if second.CurrentStage != models.StageExamination {
		t.Errorf("Expected stage progress preserved, got %q", second.CurrentStage)
	}
	if repo.inserts != 1 {
		t.Errorf("Expected no second insert attempt, got %d", repo.inserts)
	}
}

func TestSessionStore_ResumeSharesConcurrentCreation(t *testing.T) {
	repo := newFakeRepo()
	repo.failInserts = true
	store := NewSessionStore(repo, time.Minute)

	const callers = 16
	results := make([]*models.Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, err := store.Resume(context.Background(), "user-1", "case-1", "client-abc")
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}
			results[i] = session
		}(i)
	}
	wg.Wait()

	for i, session := range results {
		if session == nil || session.ID != "client-abc" {
			t.Fatalf("Caller %d got a different session", i)
		}
	}
	if repo.inserts != 1 {
		t.Errorf("Expected exactly 1 creation, got %d inserts", repo.inserts)
	}
	if store.Len() != 1 {
		t.Errorf("Expected 1 canonical entry, got %d", store.Len())
	}
}
