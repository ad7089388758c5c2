package handlers

import (
	"context"
	"log"
	"sync"
	"time"

	"blockweave/internal/models"
	"blockweave/internal/services"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

// ProjectWebSocketHandler streams live block change events to clients watching a
// project. Local graph events are forwarded directly; events from other
// instances arrive via Redis pub/sub and are fanned out to the registry below.
type ProjectWebSocketHandler struct {
	graphs  *services.GraphManager
	buffers *services.StreamBufferService
	metrics *services.Metrics

	mu    sync.RWMutex
	conns map[string]map[string]chan ServerMessage // projectID -> connID -> write channel
}

// ServerMessage is the envelope for every message pushed to a client.
type ServerMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// clientMessage is what clients may send: resume requests and pings.
type clientMessage struct {
	Type    string `json:"type"`
	BlockID string `json:"block_id,omitempty"`
}

// NewProjectWebSocketHandler creates a new project stream handler
func NewProjectWebSocketHandler(
	graphs *services.GraphManager,
	buffers *services.StreamBufferService,
	metrics *services.Metrics,
	pubsub *services.PubSubService,
) *ProjectWebSocketHandler {
	h := &ProjectWebSocketHandler{
		graphs:  graphs,
		buffers: buffers,
		metrics: metrics,
		conns:   make(map[string]map[string]chan ServerMessage),
	}
	if pubsub != nil {
		pubsub.Subscribe("project:*:events", h.onRemoteEvent)
	}
	return h
}

// onRemoteEvent fans an event from another instance out to local watchers of the
// same project.
func (h *ProjectWebSocketHandler) onRemoteEvent(channel string, msg *services.PubSubMessage) {
	h.broadcast(msg.ProjectID, ServerMessage{Type: msg.Type, Data: msg.Payload})
}

func (h *ProjectWebSocketHandler) broadcast(projectID string, msg ServerMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID, ch := range h.conns[projectID] {
		select {
		case ch <- msg:
		default:
			log.Printf("⚠️ [WS] Dropping message for slow connection %s (project %s)", connID, projectID)
		}
	}
}

func (h *ProjectWebSocketHandler) register(projectID, connID string, ch chan ServerMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[projectID] == nil {
		h.conns[projectID] = make(map[string]chan ServerMessage)
	}
	h.conns[projectID][connID] = ch
}

func (h *ProjectWebSocketHandler) unregister(projectID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[projectID], connID)
	if len(h.conns[projectID]) == 0 {
		delete(h.conns, projectID)
	}
}

// Handle is the WebSocket handler for /ws/projects/:projectId
func (h *ProjectWebSocketHandler) Handle(c *websocket.Conn) {
	projectID := c.Params("projectId")
	connID := uuid.New().String()

	g, err := h.graphs.Get(context.Background(), projectID)
	if err != nil {
		log.Printf("❌ [WS] Failed to load project %s: %v", projectID, err)
		c.WriteJSON(ServerMessage{Type: "error", Data: map[string]string{"message": "project unavailable"}})
		return
	}

	log.Printf("🔌 [WS] Connection opened: %s (project: %s)", connID, projectID)
	h.metrics.RecordWebSocketConnect()
	defer h.metrics.RecordWebSocketDisconnect()

	writeChan := make(chan ServerMessage, 100)
	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }
	defer closeDone()

	h.register(projectID, connID, writeChan)
	defer h.unregister(projectID, connID)

	// Write loop: sole writer to the connection, exits on done.
	go func() {
		pingTicker := time.NewTicker(30 * time.Second)
		defer pingTicker.Stop()
		for {
			select {
			case msg := <-writeChan:
				if err := c.WriteJSON(msg); err != nil {
					closeDone()
					return
				}
			case <-pingTicker.C:
				if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					closeDone()
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Forward local graph events until the connection closes.
	events, unsubscribe := g.Subscribe()
	defer unsubscribe()
	go func() {
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					closeDone()
					return
				}
				select {
				case writeChan <- ServerMessage{Type: "block_change", Data: evt}:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Initial snapshot so clients do not need a separate REST round trip.
	writeChan <- ServerMessage{Type: "snapshot", Data: map[string]interface{}{
		"project_id": projectID,
		"blocks":     g.Blocks(),
	}}

	// Read loop: resume requests and pings.
	for {
		var msg clientMessage
		if err := c.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case "ping":
			select {
			case writeChan <- ServerMessage{Type: "pong"}:
			case <-done:
			}
		case "resume":
			h.handleResume(writeChan, done, msg.BlockID)
		}
		select {
		case <-done:
		default:
			continue
		}
		break
	}

	log.Printf("🔌 [WS] Connection closed: %s (project: %s)", connID, projectID)
}

// handleResume replays the buffered stream of an in-flight generation.
func (h *ProjectWebSocketHandler) handleResume(writeChan chan ServerMessage, done chan struct{}, blockID string) {
	if blockID == "" {
		return
	}
	data, err := h.buffers.GetBufferData(blockID)
	if err != nil {
		select {
		case writeChan <- ServerMessage{Type: "resume_error", Data: map[string]string{
			"block_id": blockID,
			"message":  err.Error(),
		}}:
		case <-done:
		}
		return
	}
	update := models.GenerationUpdate{
		Type:    models.UpdateChunk,
		BlockID: blockID,
		Chunk:   data.CombinedChunks,
	}
	if data.IsComplete {
		if data.Failed {
			update.Type = models.UpdateFailed
			update.Error = data.ErrorText
		} else {
			update.Type = models.UpdateCompleted
			update.Content = data.CombinedChunks
		}
	}
	select {
	case writeChan <- ServerMessage{Type: "generation_resume", Data: update}:
	case <-done:
	}
}
