package services

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"blockweave/internal/models"

	"github.com/redis/go-redis/v9"
)

// PubSubService fans block change and task events out across instances via
// Redis pub/sub, so every instance can push them to its own websocket clients.
type PubSubService struct {
	redis      *RedisService
	pubsub     *redis.PubSub
	handlers   map[string][]MessageHandler
	mu         sync.RWMutex
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc
}

// MessageHandler is a callback for handling pub/sub messages
type MessageHandler func(channel string, message *PubSubMessage)

// PubSubMessage represents a message sent via pub/sub
type PubSubMessage struct {
	Type       string                 `json:"type"`      // e.g. "block_change", "task_progress"
	ProjectID  string                 `json:"projectId"` // Target project
	InstanceID string                 `json:"instanceId"`
	Payload    map[string]interface{} `json:"payload"`
}

// NewPubSubService creates a new pub/sub service
func NewPubSubService(redisService *RedisService, instanceID string) *PubSubService {
	ctx, cancel := context.WithCancel(context.Background())
	return &PubSubService{
		redis:      redisService,
		handlers:   make(map[string][]MessageHandler),
		instanceID: instanceID,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Subscribe subscribes to a channel pattern
func (s *PubSubService) Subscribe(pattern string, handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[pattern] = append(s.handlers[pattern], handler)
	log.Printf("📡 [PUBSUB] Subscribed to pattern: %s", pattern)
}

// Start begins listening for pub/sub messages
func (s *PubSubService) Start() error {
	client := s.redis.Client()

	s.pubsub = client.PSubscribe(s.ctx,
		"project:*:events", // Project-scoped events (block changes, task progress)
		"broadcast:*",      // Global broadcast
	)

	// Wait for subscription confirmation
	_, err := s.pubsub.Receive(s.ctx)
	if err != nil {
		return err
	}

	go s.processMessages()

	log.Printf("✅ [PUBSUB] Started listening for messages (instance: %s)", s.instanceID)
	return nil
}

func (s *PubSubService) processMessages() {
	ch := s.pubsub.Channel()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleMessage(msg)
		}
	}
}

func (s *PubSubService) handleMessage(msg *redis.Message) {
	var message PubSubMessage
	if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
		log.Printf("⚠️ [PUBSUB] Failed to unmarshal message: %v", err)
		return
	}

	// Skip messages from this instance (avoid loops)
	if message.InstanceID == s.instanceID {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for pattern, handlers := range s.handlers {
		if matchPattern(pattern, msg.Channel) {
			for _, handler := range handlers {
				go handler(msg.Channel, &message)
			}
		}
	}
}

// PublishToProject publishes a message to a project's channel
func (s *PubSubService) PublishToProject(ctx context.Context, projectID string, msgType string, payload map[string]interface{}) error {
	message := &PubSubMessage{
		Type:       msgType,
		ProjectID:  projectID,
		InstanceID: s.instanceID,
		Payload:    payload,
	}

	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	channel := "project:" + projectID + ":events"
	return s.redis.Client().Publish(ctx, channel, data).Err()
}

// PublishBlockChange fans out one graph change event.
func (s *PubSubService) PublishBlockChange(ctx context.Context, evt models.BlockChangeEvent) error {
	return s.PublishToProject(ctx, evt.ProjectID, "block_change", map[string]interface{}{
		"blockId": evt.BlockID,
		"kind":    string(evt.Kind),
		"status":  string(evt.Status),
		"at":      evt.At,
	})
}

// PublishTaskProgress fans out a task progress snapshot.
func (s *PubSubService) PublishTaskProgress(ctx context.Context, projectID, taskID string, progress models.TaskProgress, status models.TaskStatus) error {
	return s.PublishToProject(ctx, projectID, "task_progress", map[string]interface{}{
		"taskId":   taskID,
		"status":   string(status),
		"progress": progress,
	})
}

// Broadcast publishes a message to all instances
func (s *PubSubService) Broadcast(ctx context.Context, topic string, msgType string, payload map[string]interface{}) error {
	message := &PubSubMessage{
		Type:       msgType,
		InstanceID: s.instanceID,
		Payload:    payload,
	}

	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	channel := "broadcast:" + topic
	return s.redis.Client().Publish(ctx, channel, data).Err()
}

// Stop stops the pub/sub service
func (s *PubSubService) Stop() error {
	s.cancel()
	if s.pubsub != nil {
		return s.pubsub.Close()
	}
	return nil
}

// matchPattern checks if a channel matches a pattern (simplified glob)
func matchPattern(pattern, channel string) bool {
	if pattern == channel {
		return true
	}

	patternParts := strings.Split(pattern, ":")
	channelParts := strings.Split(channel, ":")

	if len(patternParts) != len(channelParts) {
		return false
	}
	for i, part := range patternParts {
		if part != "*" && part != channelParts[i] {
			return false
		}
	}
	return true
}
