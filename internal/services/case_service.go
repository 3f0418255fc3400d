package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"oscesim/internal/database"
	"oscesim/internal/models"

	"github.com/fsnotify/fsnotify"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// CaseService owns the read-through path for case truth: cache first, then
// the cases collection (or the local JSON library), then the adapter. Raw
// records are decoded into the CaseRecord union at this boundary; everything
// downstream works on canonical truth only.
type CaseService struct {
	mongodb    *database.MongoDB // nil when running without a durable store
	cache      *CaseCache
	libraryDir string
	watcher    *fsnotify.Watcher
}

// NewCaseService creates a case service. libraryDir is optional.
func NewCaseService(mongodb *database.MongoDB, cache *CaseCache, libraryDir string) *CaseService {
	return &CaseService{
		mongodb:    mongodb,
		cache:      cache,
		libraryDir: libraryDir,
	}
}

// GetTruth returns canonical truth for a case. When sessionID is non-empty
// and a session-scoped variant is cached it takes precedence; otherwise the
// shared case entry is used. Returns ErrCaseNotFound when no record exists.
func (s *CaseService) GetTruth(ctx context.Context, caseID, sessionID string) (*models.CaseTruth, error) {
	if sessionID != "" {
		if truth := s.cache.Get(caseID, sessionID); truth != nil {
			return truth, nil
		}
	}
	if truth := s.cache.Get(caseID, ""); truth != nil {
		return truth, nil
	}

	record, err := s.loadRecord(ctx, caseID)
	if err != nil {
		return nil, err
	}

	truth, err := NormalizeCase(record)
	if err != nil {
		return nil, err
	}

	s.cache.Set(caseID, truth, "")
	return truth, nil
}

// SetSessionVariant caches a per-session case variant without touching the
// shared entry.
func (s *CaseService) SetSessionVariant(caseID string, truth *models.CaseTruth, sessionID string) {
	s.cache.Set(caseID, truth, sessionID)
}

// loadRecord fetches the raw record for a case from Mongo, falling back to
// the JSON library directory.
func (s *CaseService) loadRecord(ctx context.Context, caseID string) (models.CaseRecord, error) {
	if s.mongodb != nil {
		record, err := s.loadFromMongo(ctx, caseID)
		if err == nil {
			return record, nil
		}
		if err != ErrCaseNotFound {
			log.Printf("⚠️  [CASE-SERVICE] Mongo lookup failed for case %s: %v", caseID, err)
		}
	}
	if s.libraryDir != "" {
		return s.loadFromFile(caseID)
	}
	return models.CaseRecord{}, ErrCaseNotFound
}

// loadFromMongo decodes the raw document into the schema union. The presence
// of a truth block marks the canonical shape; anything else is legacy.
func (s *CaseService) loadFromMongo(ctx context.Context, caseID string) (models.CaseRecord, error) {
	collection := s.mongodb.Collection(database.CollectionCases)

	var raw bson.Raw
	err := collection.FindOne(ctx, bson.M{"caseId": caseID}).Decode(&raw)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return models.CaseRecord{}, ErrCaseNotFound
		}
		return models.CaseRecord{}, fmt.Errorf("failed to load case: %w", err)
	}

	if value := raw.Lookup("truth"); value.Type == bson.TypeEmbeddedDocument {
		var canonical models.CaseTruth
		if err := bson.Unmarshal(raw, &canonical); err != nil {
			return models.CaseRecord{}, fmt.Errorf("failed to decode canonical case: %w", err)
		}
		return models.CaseRecord{Canonical: &canonical}, nil
	}

	var legacy models.LegacyCase
	if err := bson.Unmarshal(raw, &legacy); err != nil {
		return models.CaseRecord{}, fmt.Errorf("failed to decode legacy case: %w", err)
	}
	return models.CaseRecord{Legacy: &legacy}, nil
}

// loadFromFile reads <libraryDir>/<caseID>.json and decodes it into the union.
func (s *CaseService) loadFromFile(caseID string) (models.CaseRecord, error) {
	path := filepath.Join(s.libraryDir, caseID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return models.CaseRecord{}, ErrCaseNotFound
		}
		return models.CaseRecord{}, fmt.Errorf("failed to read case file: %w", err)
	}

	var probe struct {
		Truth json.RawMessage `json:"truth"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return models.CaseRecord{}, fmt.Errorf("failed to parse case file: %w", err)
	}

	if len(probe.Truth) > 0 {
		var canonical models.CaseTruth
		if err := json.Unmarshal(data, &canonical); err != nil {
			return models.CaseRecord{}, fmt.Errorf("failed to decode canonical case file: %w", err)
		}
		return models.CaseRecord{Canonical: &canonical}, nil
	}

	var legacy models.LegacyCase
	if err := json.Unmarshal(data, &legacy); err != nil {
		return models.CaseRecord{}, fmt.Errorf("failed to decode legacy case file: %w", err)
	}
	return models.CaseRecord{Legacy: &legacy}, nil
}

// WatchLibrary watches the JSON library directory and invalidates cache
// entries for cases whose files change, so edits show up without a restart.
// No-op when no library directory is configured.
func (s *CaseService) WatchLibrary() error {
	if s.libraryDir == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create case library watcher: %w", err)
	}
	if err := watcher.Add(s.libraryDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch case library: %w", err)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Ext(event.Name) != ".json" {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				caseID := strings.TrimSuffix(filepath.Base(event.Name), ".json")
				s.cache.InvalidateCase(caseID)
				log.Printf("🔄 [CASE-SERVICE] Case %s changed on disk, cache invalidated", caseID)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("⚠️  [CASE-SERVICE] Library watcher error: %v", err)
			}
		}
	}()

	log.Printf("👀 [CASE-SERVICE] Watching case library: %s", s.libraryDir)
	return nil
}

// Close stops the library watcher if one is running.
func (s *CaseService) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}
