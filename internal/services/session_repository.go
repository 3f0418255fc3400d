package services

import (
	"context"
	"fmt"

	"oscesim/internal/database"
	"oscesim/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SessionRepository is the durable layer beneath the session store. All
// failures are caught by the store and logged, never surfaced to learners.
type SessionRepository interface {
	// Insert persists a new session and returns the store-assigned identifier.
	Insert(ctx context.Context, session *models.Session) (string, error)
	// FindByID returns the session for a durable identifier, or nil when absent.
	FindByID(ctx context.Context, id string) (*models.Session, error)
	// FindActive returns the most recently active uncompleted session for
	// (userID, caseID), or nil when absent.
	FindActive(ctx context.Context, userID, caseID string) (*models.Session, error)
	// Replace overwrites the stored session identified by id.
	Replace(ctx context.Context, id string, session *models.Session) error
}

// IsDurableID reports whether id is syntactically a valid backing-store key.
// Ephemeral (locally generated) identifiers are never flushed.
func IsDurableID(id string) bool {
	_, err := primitive.ObjectIDFromHex(id)
	return err == nil
}

// sessionDoc maps a Session onto its MongoDB document shape.
type sessionDoc struct {
	ID             primitive.ObjectID `bson:"_id"`
	models.Session `bson:",inline"`
}

// MongoSessionRepository handles MongoDB CRUD for encounter sessions
type MongoSessionRepository struct {
	collection *mongo.Collection
}

// NewMongoSessionRepository creates a new session repository
func NewMongoSessionRepository(mongodb *database.MongoDB) *MongoSessionRepository {
	return &MongoSessionRepository{
		collection: mongodb.Collection(database.CollectionSessions),
	}
}

// Insert persists a new session and returns the generated ObjectID hex.
func (r *MongoSessionRepository) Insert(ctx context.Context, session *models.Session) (string, error) {
	doc := sessionDoc{ID: primitive.NewObjectID(), Session: *session}
	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}
	return doc.ID.Hex(), nil
}

// FindByID looks a session up by its ObjectID hex.
func (r *MongoSessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil
	}

	var doc sessionDoc
	err = r.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	session := doc.Session
	session.ID = doc.ID.Hex()
	return &session, nil
}

// FindActive returns the most recently active uncompleted attempt for the
// (user, case) pair.
func (r *MongoSessionRepository) FindActive(ctx context.Context, userID, caseID string) (*models.Session, error) {
	filter := bson.M{"userId": userID, "caseId": caseID, "isCompleted": false}
	opts := options.FindOne().SetSort(bson.D{{Key: "lastInteraction", Value: -1}})

	var doc sessionDoc
	err := r.collection.FindOne(ctx, filter, opts).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}

	session := doc.Session
	session.ID = doc.ID.Hex()
	return &session, nil
}

// Replace overwrites the stored session document.
func (r *MongoSessionRepository) Replace(ctx context.Context, id string, session *models.Session) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("not a durable session id: %s", id)
	}

	doc := sessionDoc{ID: oid, Session: *session}
	opts := options.Replace().SetUpsert(true)
	if _, err := r.collection.ReplaceOne(ctx, bson.M{"_id": oid}, doc, opts); err != nil {
		return fmt.Errorf("failed to replace session: %w", err)
	}
	return nil
}
