package services

import (
	"context"
	"fmt"
	"time"

	"blockweave/internal/database"
	"blockweave/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TrialStore persists trial results in MongoDB.
type TrialStore struct {
	collection *mongo.Collection
}

// NewTrialStore creates a trial store over the trial_results collection.
func NewTrialStore(db *database.MongoDB) *TrialStore {
	return &TrialStore{collection: db.Collection(database.CollectionTrialResults)}
}

// Insert stores one finished trial result.
func (s *TrialStore) Insert(ctx context.Context, result *models.TrialResult) error {
	result.ID = primitive.NewObjectID()
	if _, err := s.collection.InsertOne(ctx, result); err != nil {
		return fmt.Errorf("failed to insert trial result: %w", err)
	}
	return nil
}

// ListBatch returns all trial results of one batch, in execution order.
func (s *TrialStore) ListBatch(ctx context.Context, taskID primitive.ObjectID, batchID string) ([]models.TrialResult, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "configIndex", Value: 1},
		{Key: "repeatIndex", Value: 1},
	})
	cursor, err := s.collection.Find(ctx, bson.M{"taskId": taskID, "batchId": batchID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch %s: %w", batchID, err)
	}
	defer cursor.Close(ctx)

	var results []models.TrialResult
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("failed to decode trial results: %w", err)
	}
	return results, nil
}

// ListByTask returns every trial result of a task, newest batch first.
func (s *TrialStore) ListByTask(ctx context.Context, taskID primitive.ObjectID) ([]models.TrialResult, error) {
	opts := options.Find().SetSort(bson.D{{Key: "startedAt", Value: -1}})
	cursor, err := s.collection.Find(ctx, bson.M{"taskId": taskID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list trials for task %s: %w", taskID.Hex(), err)
	}
	defer cursor.Close(ctx)

	var results []models.TrialResult
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("failed to decode trial results: %w", err)
	}
	return results, nil
}

// DeleteBatches removes all trial results for the given batch ids of a task.
// Returns the number of deleted results.
func (s *TrialStore) DeleteBatches(ctx context.Context, taskID primitive.ObjectID, batchIDs []string) (int64, error) {
	if len(batchIDs) == 0 {
		return 0, nil
	}
	result, err := s.collection.DeleteMany(ctx, bson.M{
		"taskId":  taskID,
		"batchId": bson.M{"$in": batchIDs},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete batches: %w", err)
	}
	return result.DeletedCount, nil
}

// DeleteByTask removes every trial result of a task.
func (s *TrialStore) DeleteByTask(ctx context.Context, taskID primitive.ObjectID) (int64, error) {
	result, err := s.collection.DeleteMany(ctx, bson.M{"taskId": taskID})
	if err != nil {
		return 0, fmt.Errorf("failed to delete trials for task %s: %w", taskID.Hex(), err)
	}
	return result.DeletedCount, nil
}

// DeleteOlderThan removes trial results started before the cutoff. Used by the
// retention cleanup job.
func (s *TrialStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.collection.DeleteMany(ctx, bson.M{"startedAt": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old trial results: %w", err)
	}
	return result.DeletedCount, nil
}

// BatchSummaries aggregates per-batch rows for a task's execution report:
// trial count, failures, average score and token/cost totals.
func (s *TrialStore) BatchSummaries(ctx context.Context, taskID primitive.ObjectID) ([]models.ExecutionReportRow, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"taskId": taskID}}},
		{{Key: "$group", Value: bson.M{
			"_id":       "$batchId",
			"trials":    bson.M{"$sum": 1},
			"failed":    bson.M{"$sum": bson.M{"$cond": bson.A{bson.M{"$eq": bson.A{"$status", "failed"}}, 1, 0}}},
			"avgScore":  bson.M{"$avg": "$overallScore"},
			"startedAt": bson.M{"$min": "$startedAt"},
			"inputTokens":  bson.M{"$sum": bson.M{"$sum": "$llmCalls.inputTokens"}},
			"outputTokens": bson.M{"$sum": bson.M{"$sum": "$llmCalls.outputTokens"}},
			"costUsd":      bson.M{"$sum": bson.M{"$sum": "$llmCalls.costUsd"}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "startedAt", Value: -1}}}},
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate batches for task %s: %w", taskID.Hex(), err)
	}
	defer cursor.Close(ctx)

	var raw []struct {
		BatchID      string    `bson:"_id"`
		Trials       int       `bson:"trials"`
		Failed       int       `bson:"failed"`
		AvgScore     float64   `bson:"avgScore"`
		StartedAt    time.Time `bson:"startedAt"`
		InputTokens  int       `bson:"inputTokens"`
		OutputTokens int       `bson:"outputTokens"`
		CostUSD      float64   `bson:"costUsd"`
	}
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode batch summaries: %w", err)
	}

	rows := make([]models.ExecutionReportRow, 0, len(raw))
	for _, r := range raw {
		rows = append(rows, models.ExecutionReportRow{
			TaskID:       taskID,
			BatchID:      r.BatchID,
			Trials:       r.Trials,
			Failed:       r.Failed,
			AvgScore:     r.AvgScore,
			TotalTokens:  r.InputTokens + r.OutputTokens,
			TotalCostUSD: r.CostUSD,
			StartedAt:    r.StartedAt,
		})
	}
	return rows, nil
}
