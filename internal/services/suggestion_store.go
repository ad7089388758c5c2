package services

import (
	"context"
	"fmt"

	"blockweave/internal/database"
	"blockweave/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SuggestionStore is the applied-suggestion ledger in MongoDB. One document per
// (task, source, text), upserted so the applied mark survives re-diagnosis.
type SuggestionStore struct {
	collection *mongo.Collection
}

// NewSuggestionStore creates the ledger over the diagnosis_suggestions collection.
func NewSuggestionStore(db *database.MongoDB) *SuggestionStore {
	return &SuggestionStore{collection: db.Collection(database.CollectionSuggestions)}
}

// ListByTask returns every ledger entry of a task.
func (s *SuggestionStore) ListByTask(ctx context.Context, taskID primitive.ObjectID) ([]models.SuggestionLedgerEntry, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"taskId": taskID})
	if err != nil {
		return nil, fmt.Errorf("failed to list suggestions for task %s: %w", taskID.Hex(), err)
	}
	defer cursor.Close(ctx)

	var entries []models.SuggestionLedgerEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode suggestion entries: %w", err)
	}
	return entries, nil
}

// Upsert writes an entry keyed by (task, source, text).
func (s *SuggestionStore) Upsert(ctx context.Context, entry *models.SuggestionLedgerEntry) error {
	filter := bson.M{
		"taskId": entry.TaskID,
		"source": entry.Source,
		"text":   entry.Text,
	}
	update := bson.M{"$set": bson.M{
		"applied":   entry.Applied,
		"updatedAt": entry.UpdatedAt,
	}}
	opts := options.Update().SetUpsert(true)
	if _, err := s.collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to upsert suggestion entry: %w", err)
	}
	return nil
}

// DeleteByTask removes a task's ledger entries, used when the task is deleted.
func (s *SuggestionStore) DeleteByTask(ctx context.Context, taskID primitive.ObjectID) error {
	if _, err := s.collection.DeleteMany(ctx, bson.M{"taskId": taskID}); err != nil {
		return fmt.Errorf("failed to delete suggestions for task %s: %w", taskID.Hex(), err)
	}
	return nil
}
