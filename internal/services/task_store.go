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

// TaskStore persists evaluation tasks in MongoDB.
type TaskStore struct {
	collection *mongo.Collection
}

// NewTaskStore creates a task store over the tasks collection.
func NewTaskStore(db *database.MongoDB) *TaskStore {
	return &TaskStore{collection: db.Collection(database.CollectionTasks)}
}

// Create inserts a new task in pending state.
func (s *TaskStore) Create(ctx context.Context, task *models.Task) error {
	now := time.Now()
	task.ID = primitive.NewObjectID()
	task.Status = models.TaskStatusPending
	task.Progress = models.TaskProgress{Total: task.TotalTrials()}
	task.CreatedAt = now
	task.UpdatedAt = now

	if _, err := s.collection.InsertOne(ctx, task); err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Get fetches a task by id.
func (s *TaskStore) Get(ctx context.Context, id primitive.ObjectID) (*models.Task, error) {
	var task models.Task
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&task)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("task %s not found", id.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id.Hex(), err)
	}
	return &task, nil
}

// ListByProject returns a project's tasks, newest first.
func (s *TaskStore) ListByProject(ctx context.Context, projectID string) ([]models.Task, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	cursor, err := s.collection.Find(ctx, bson.M{"projectId": projectID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for project %s: %w", projectID, err)
	}
	defer cursor.Close(ctx)

	var tasks []models.Task
	if err := cursor.All(ctx, &tasks); err != nil {
		return nil, fmt.Errorf("failed to decode tasks: %w", err)
	}
	return tasks, nil
}

// Update replaces the mutable task fields (status, progress, batch, timestamps).
func (s *TaskStore) Update(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now()
	update := bson.M{"$set": bson.M{
		"name":           task.Name,
		"description":    task.Description,
		"trialConfigs":   task.TrialConfigs,
		"status":         task.Status,
		"progress":       task.Progress,
		"currentBatchId": task.CurrentBatchID,
		"startedAt":      task.StartedAt,
		"completedAt":    task.CompletedAt,
		"updatedAt":      task.UpdatedAt,
	}}
	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": task.ID}, update)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID.Hex(), err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("task %s not found", task.ID.Hex())
	}
	return nil
}

// Delete removes a task. The caller is responsible for its trial results.
func (s *TaskStore) Delete(ctx context.Context, id primitive.ObjectID) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id.Hex(), err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("task %s not found", id.Hex())
	}
	return nil
}
