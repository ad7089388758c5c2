package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"blockweave/internal/database"
	"blockweave/internal/models"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SweepFunc runs one auto-trigger chain sweep for a project and reports whether
// it finished without failed generations.
type SweepFunc func(ctx context.Context, projectID string) (bool, error)

// SchedulerService manages cron-scheduled chain sweeps per project. A Redis
// lock keeps multi-instance deployments from running the same sweep twice.
type SchedulerService struct {
	scheduler    gocron.Scheduler
	mongoDB      *database.MongoDB
	redisService *RedisService
	sweepFunc    SweepFunc
	instanceID   string
	mu           sync.RWMutex
	jobs         map[string]gocron.Job // scheduleID -> job
}

// NewSchedulerService creates a new scheduler service
func NewSchedulerService(mongoDB *database.MongoDB, redisService *RedisService) (*SchedulerService, error) {
	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &SchedulerService{
		scheduler:    scheduler,
		mongoDB:      mongoDB,
		redisService: redisService,
		instanceID:   uuid.New().String(),
		jobs:         make(map[string]gocron.Job),
	}, nil
}

// SetSweepFunc sets the sweep callback (deferred: the chain controller is wired
// after the scheduler is constructed).
func (s *SchedulerService) SetSweepFunc(fn SweepFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepFunc = fn
}

// Start starts the scheduler and loads all enabled schedules
func (s *SchedulerService) Start(ctx context.Context) error {
	log.Println("⏰ Starting scheduler service...")

	if err := s.loadSchedules(ctx); err != nil {
		log.Printf("⚠️ Failed to load sweep schedules: %v", err)
	}

	s.scheduler.Start()
	log.Println("✅ Scheduler service started")
	return nil
}

// Stop stops the scheduler
func (s *SchedulerService) Stop() error {
	log.Println("⏹️ Stopping scheduler service...")
	return s.scheduler.Shutdown()
}

func (s *SchedulerService) collection() *mongo.Collection {
	return s.mongoDB.Database().Collection("sweep_schedules")
}

// loadSchedules loads all enabled schedules from MongoDB and registers them
func (s *SchedulerService) loadSchedules(ctx context.Context) error {
	if s.mongoDB == nil {
		log.Println("⚠️ MongoDB not available, skipping schedule loading")
		return nil
	}

	cursor, err := s.collection().Find(ctx, bson.M{"enabled": true})
	if err != nil {
		return fmt.Errorf("failed to query sweep schedules: %w", err)
	}
	defer cursor.Close(ctx)

	var count int
	for cursor.Next(ctx) {
		var schedule models.SweepSchedule
		if err := cursor.Decode(&schedule); err != nil {
			log.Printf("⚠️ Failed to decode sweep schedule: %v", err)
			continue
		}
		if err := s.registerJob(&schedule); err != nil {
			log.Printf("⚠️ Failed to register sweep schedule %s: %v", schedule.ID.Hex(), err)
			continue
		}
		count++
	}

	log.Printf("✅ Loaded %d sweep schedules", count)
	return nil
}

// registerJob registers a schedule with gocron
func (s *SchedulerService) registerJob(schedule *models.SweepSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := time.LoadLocation(schedule.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %s: %w", schedule.Timezone, err)
	}

	// Cron with timezone prefix (CRON_TZ=America/New_York 0 9 * * *)
	cronWithTZ := fmt.Sprintf("CRON_TZ=%s %s", schedule.Timezone, schedule.CronExpression)

	job, err := s.scheduler.NewJob(
		gocron.CronJob(cronWithTZ, false),
		gocron.NewTask(func() {
			s.executeSweep(schedule)
		}),
		gocron.WithName(schedule.ID.Hex()),
		gocron.WithTags(schedule.ProjectID),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.jobs[schedule.ID.Hex()] = job
	log.Printf("📅 Registered sweep schedule %s for project %s (cron: %s, tz: %s)",
		schedule.ID.Hex(), schedule.ProjectID, schedule.CronExpression, schedule.Timezone)
	return nil
}

// unregisterJob removes a job from the scheduler
func (s *SchedulerService) unregisterJob(scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[scheduleID]
	if !exists {
		return nil
	}
	if err := s.scheduler.RemoveJob(job.ID()); err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	delete(s.jobs, scheduleID)
	log.Printf("🗑️ Unregistered sweep schedule %s", scheduleID)
	return nil
}

// executeSweep runs one scheduled chain sweep under a distributed lock.
func (s *SchedulerService) executeSweep(schedule *models.SweepSchedule) {
	ctx := context.Background()

	// Minute-level lock granularity prevents duplicate runs across instances.
	lockKey := fmt.Sprintf("sweep-lock:%s:%d", schedule.ID.Hex(), time.Now().Unix()/60)

	acquired, err := s.redisService.AcquireLock(ctx, lockKey, s.instanceID, 5*time.Minute)
	if err != nil {
		log.Printf("❌ Failed to acquire lock for sweep schedule %s: %v", schedule.ID.Hex(), err)
		return
	}
	if !acquired {
		log.Printf("⏭️ Sweep schedule %s already being executed by another instance", schedule.ID.Hex())
		return
	}
	defer func() {
		if _, err := s.redisService.ReleaseLock(ctx, lockKey, s.instanceID); err != nil {
			log.Printf("⚠️ Failed to release lock for sweep schedule %s: %v", schedule.ID.Hex(), err)
		}
	}()

	s.mu.RLock()
	sweep := s.sweepFunc
	s.mu.RUnlock()
	if sweep == nil {
		log.Printf("❌ Sweep function not set for schedule %s", schedule.ID.Hex())
		s.updateScheduleStats(ctx, schedule, false)
		return
	}

	log.Printf("▶️ Running scheduled sweep for project %s (schedule: %s)", schedule.ProjectID, schedule.ID.Hex())

	clean, err := sweep(ctx, schedule.ProjectID)
	success := err == nil && clean
	if err != nil {
		log.Printf("❌ Scheduled sweep failed for project %s: %v", schedule.ProjectID, err)
	} else if !clean {
		log.Printf("⚠️ Scheduled sweep for project %s finished with failed generations", schedule.ProjectID)
	} else {
		log.Printf("✅ Scheduled sweep completed for project %s", schedule.ProjectID)
	}

	s.updateScheduleStats(ctx, schedule, success)
}

// updateScheduleStats updates run statistics and the next run time.
func (s *SchedulerService) updateScheduleStats(ctx context.Context, schedule *models.SweepSchedule, success bool) {
	if s.mongoDB == nil {
		return
	}

	now := time.Now()

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	cronSchedule, err := parser.Parse(schedule.CronExpression)
	var nextRun time.Time
	if err == nil {
		loc, locErr := time.LoadLocation(schedule.Timezone)
		if locErr == nil {
			nextRun = cronSchedule.Next(now.In(loc))
		} else {
			nextRun = cronSchedule.Next(now)
		}
	}

	update := bson.M{
		"$set": bson.M{
			"lastRunAt": now,
			"updatedAt": now,
			"nextRunAt": nextRun,
		},
		"$inc": bson.M{
			"totalRuns": 1,
		},
	}
	if success {
		update["$inc"].(bson.M)["successfulRuns"] = 1
	} else {
		update["$inc"].(bson.M)["failedRuns"] = 1
	}

	if _, err := s.collection().UpdateByID(ctx, schedule.ID, update); err != nil {
		log.Printf("⚠️ Failed to update sweep schedule stats: %v", err)
	}
}

// CreateSchedule creates a sweep schedule for a project.
func (s *SchedulerService) CreateSchedule(ctx context.Context, projectID string, req *models.CreateSweepScheduleRequest) (*models.SweepSchedule, error) {
	if s.mongoDB == nil {
		return nil, fmt.Errorf("MongoDB not available")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(req.CronExpression); err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	loc, err := time.LoadLocation(req.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}

	existing, _ := s.GetScheduleByProject(ctx, projectID)
	if existing != nil {
		return nil, fmt.Errorf("project already has a sweep schedule")
	}

	cronSchedule, _ := parser.Parse(req.CronExpression)
	nextRun := cronSchedule.Next(time.Now().In(loc))

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	now := time.Now()
	doc := &models.SweepSchedule{
		ID:             primitive.NewObjectID(),
		ProjectID:      projectID,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		Enabled:        enabled,
		NextRunAt:      &nextRun,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if _, err := s.collection().InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create sweep schedule: %w", err)
	}

	if enabled {
		if err := s.registerJob(doc); err != nil {
			log.Printf("⚠️ Failed to register new sweep schedule: %v", err)
		}
	}

	log.Printf("✅ Created sweep schedule %s for project %s", doc.ID.Hex(), projectID)
	return doc, nil
}

// GetScheduleByProject retrieves a project's sweep schedule.
func (s *SchedulerService) GetScheduleByProject(ctx context.Context, projectID string) (*models.SweepSchedule, error) {
	if s.mongoDB == nil {
		return nil, fmt.Errorf("MongoDB not available")
	}

	var schedule models.SweepSchedule
	err := s.collection().FindOne(ctx, bson.M{"projectId": projectID}).Decode(&schedule)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("sweep schedule not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sweep schedule: %w", err)
	}
	return &schedule, nil
}

// UpdateSchedule updates a project's sweep schedule.
func (s *SchedulerService) UpdateSchedule(ctx context.Context, projectID string, req *models.UpdateSweepScheduleRequest) (*models.SweepSchedule, error) {
	schedule, err := s.GetScheduleByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	update := bson.M{"updatedAt": time.Now()}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	if req.CronExpression != nil {
		if _, err := parser.Parse(*req.CronExpression); err != nil {
			return nil, fmt.Errorf("invalid cron expression: %w", err)
		}
		update["cronExpression"] = *req.CronExpression
		schedule.CronExpression = *req.CronExpression
	}
	if req.Timezone != nil {
		if _, err := time.LoadLocation(*req.Timezone); err != nil {
			return nil, fmt.Errorf("invalid timezone: %w", err)
		}
		update["timezone"] = *req.Timezone
		schedule.Timezone = *req.Timezone
	}
	if req.Enabled != nil {
		update["enabled"] = *req.Enabled
		schedule.Enabled = *req.Enabled
	}

	cronSchedule, _ := parser.Parse(schedule.CronExpression)
	loc, _ := time.LoadLocation(schedule.Timezone)
	nextRun := cronSchedule.Next(time.Now().In(loc))
	update["nextRunAt"] = nextRun

	if _, err := s.collection().UpdateByID(ctx, schedule.ID, bson.M{"$set": update}); err != nil {
		return nil, fmt.Errorf("failed to update sweep schedule: %w", err)
	}

	s.unregisterJob(schedule.ID.Hex())
	if schedule.Enabled {
		schedule.NextRunAt = &nextRun
		if err := s.registerJob(schedule); err != nil {
			log.Printf("⚠️ Failed to re-register sweep schedule: %v", err)
		}
	}

	return schedule, nil
}

// DeleteSchedule deletes a project's sweep schedule.
func (s *SchedulerService) DeleteSchedule(ctx context.Context, projectID string) error {
	schedule, err := s.GetScheduleByProject(ctx, projectID)
	if err != nil {
		return err
	}

	s.unregisterJob(schedule.ID.Hex())

	result, err := s.collection().DeleteOne(ctx, bson.M{"_id": schedule.ID})
	if err != nil {
		return fmt.Errorf("failed to delete sweep schedule: %w", err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("sweep schedule not found")
	}

	log.Printf("🗑️ Deleted sweep schedule %s", schedule.ID.Hex())
	return nil
}

// TriggerNow triggers an immediate sweep for a scheduled project.
func (s *SchedulerService) TriggerNow(ctx context.Context, projectID string) error {
	schedule, err := s.GetScheduleByProject(ctx, projectID)
	if err != nil {
		return err
	}
	go s.executeSweep(schedule)
	return nil
}

// InitializeIndexes creates the necessary indexes for the sweep_schedules collection.
func (s *SchedulerService) InitializeIndexes(ctx context.Context) error {
	if s.mongoDB == nil {
		return nil
	}

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "projectId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "nextRunAt", Value: 1}, {Key: "enabled", Value: 1}},
		},
	}

	if _, err := s.collection().Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	log.Println("✅ Sweep schedule indexes created")
	return nil
}
