package services

import (
	"errors"
	"log"
	"strings"
	"sync"
	"time"
)

// Stream buffer limits
const (
	MaxChunksPerBuffer = 10000
	MaxBufferSize      = 1 << 20 // 1MB max per buffer
	DefaultBufferTTL   = 2 * time.Minute
	CleanupInterval    = 30 * time.Second
)

var (
	ErrBufferNotFound     = errors.New("stream buffer not found")
	ErrBufferFull         = errors.New("stream buffer full: max chunks exceeded")
	ErrBufferSizeExceeded = errors.New("stream buffer size exceeded")
	ErrResumeTooFast      = errors.New("resume rate limit exceeded")
)

// generationBuffer accumulates the chunks of one in-flight generation so a
// client that reconnects mid-stream can catch up.
type generationBuffer struct {
	BlockID     string
	ProjectID   string
	Chunks      []string
	TotalSize   int
	IsComplete  bool
	FullContent string
	Failed      bool
	ErrorText   string
	CreatedAt   time.Time
	LastChunkAt time.Time
	ResumeCount int
	LastResume  time.Time
	mutex       sync.Mutex
}

// StreamBufferService keeps per-block generation buffers for reconnecting
// stream consumers. Buffers expire a short while after the run ends.
type StreamBufferService struct {
	buffers     map[string]*generationBuffer // blockID -> buffer
	mutex       sync.RWMutex
	ttl         time.Duration
	cleanupTick *time.Ticker
	done        chan struct{}
}

// NewStreamBufferService creates the buffer service and starts its cleanup loop.
func NewStreamBufferService() *StreamBufferService {
	svc := &StreamBufferService{
		buffers:     make(map[string]*generationBuffer),
		ttl:         DefaultBufferTTL,
		cleanupTick: time.NewTicker(CleanupInterval),
		done:        make(chan struct{}),
	}
	go svc.cleanupLoop()
	log.Println("📦 StreamBufferService initialized")
	return svc
}

func (s *StreamBufferService) cleanupLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.cleanupTick.C:
			s.cleanup()
		}
	}
}

func (s *StreamBufferService) cleanup() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	expired := 0
	for blockID, buf := range s.buffers {
		if now.Sub(buf.CreatedAt) > s.ttl {
			delete(s.buffers, blockID)
			expired++
		}
	}
	if expired > 0 {
		log.Printf("📦 Cleaned up %d expired stream buffers, %d active", expired, len(s.buffers))
	}
}

// Shutdown stops the cleanup loop and drops all buffers.
func (s *StreamBufferService) Shutdown() {
	close(s.done)
	s.cleanupTick.Stop()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.buffers = nil
	log.Println("📦 StreamBufferService shutdown complete")
}

// CreateBuffer opens a buffer when a generation starts. An existing buffer is
// replaced: a new run supersedes whatever the old one streamed.
func (s *StreamBufferService) CreateBuffer(projectID, blockID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.buffers[blockID] = &generationBuffer{
		BlockID:     blockID,
		ProjectID:   projectID,
		Chunks:      make([]string, 0, 100),
		CreatedAt:   time.Now(),
		LastChunkAt: time.Now(),
	}
	log.Printf("📦 Stream buffer created for block %s (project: %s)", blockID, projectID)
}

// AppendChunk adds a streamed fragment. Missing buffer is not an error: nothing
// is buffered when no client ever disconnected.
func (s *StreamBufferService) AppendChunk(blockID, chunk string) error {
	s.mutex.RLock()
	buf, exists := s.buffers[blockID]
	s.mutex.RUnlock()
	if !exists {
		return nil
	}

	buf.mutex.Lock()
	defer buf.mutex.Unlock()

	if len(buf.Chunks) >= MaxChunksPerBuffer {
		log.Printf("⚠️ Stream buffer full for block %s (max chunks: %d)", blockID, MaxChunksPerBuffer)
		return ErrBufferFull
	}
	if buf.TotalSize+len(chunk) > MaxBufferSize {
		log.Printf("⚠️ Stream buffer size exceeded for block %s (max: %d bytes)", blockID, MaxBufferSize)
		return ErrBufferSizeExceeded
	}

	buf.Chunks = append(buf.Chunks, chunk)
	buf.TotalSize += len(chunk)
	buf.LastChunkAt = time.Now()
	return nil
}

// MarkComplete records the final content when the generation finishes.
func (s *StreamBufferService) MarkComplete(blockID, fullContent string) {
	s.mutex.RLock()
	buf, exists := s.buffers[blockID]
	s.mutex.RUnlock()
	if !exists {
		return
	}

	buf.mutex.Lock()
	defer buf.mutex.Unlock()
	buf.IsComplete = true
	buf.FullContent = fullContent
}

// MarkFailed records a terminal failure (or cancellation) on the buffer.
func (s *StreamBufferService) MarkFailed(blockID, errorText string) {
	s.mutex.RLock()
	buf, exists := s.buffers[blockID]
	s.mutex.RUnlock()
	if !exists {
		return
	}

	buf.mutex.Lock()
	defer buf.mutex.Unlock()
	buf.IsComplete = true
	buf.Failed = true
	buf.ErrorText = errorText
}

// ClearBuffer drops a buffer after a successful resume.
func (s *StreamBufferService) ClearBuffer(blockID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.buffers, blockID)
}

// HasBuffer reports whether a buffer exists for a block.
func (s *StreamBufferService) HasBuffer(blockID string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, exists := s.buffers[blockID]
	return exists
}

// BufferData is the replay payload for a resuming stream consumer.
type BufferData struct {
	BlockID        string
	ProjectID      string
	CombinedChunks string
	IsComplete     bool
	Failed         bool
	ErrorText      string
	ChunkCount     int
}

// GetBufferData retrieves the accumulated stream for resume. Rate limited to one
// resume per second per block.
func (s *StreamBufferService) GetBufferData(blockID string) (*BufferData, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	buf, exists := s.buffers[blockID]
	if !exists {
		return nil, ErrBufferNotFound
	}
	if time.Since(buf.LastResume) < time.Second {
		return nil, ErrResumeTooFast
	}
	buf.ResumeCount++
	buf.LastResume = time.Now()

	buf.mutex.Lock()
	defer buf.mutex.Unlock()

	var combined strings.Builder
	for _, chunk := range buf.Chunks {
		combined.WriteString(chunk)
	}

	log.Printf("📦 Stream buffer retrieved for block %s (resume #%d, chunks: %d)",
		blockID, buf.ResumeCount, len(buf.Chunks))

	return &BufferData{
		BlockID:        buf.BlockID,
		ProjectID:      buf.ProjectID,
		CombinedChunks: combined.String(),
		IsComplete:     buf.IsComplete,
		Failed:         buf.Failed,
		ErrorText:      buf.ErrorText,
		ChunkCount:     len(buf.Chunks),
	}, nil
}

// GetBufferStats returns aggregate statistics for health reporting.
func (s *StreamBufferService) GetBufferStats() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	totalChunks := 0
	totalSize := 0
	for _, buf := range s.buffers {
		buf.mutex.Lock()
		totalChunks += len(buf.Chunks)
		totalSize += buf.TotalSize
		buf.mutex.Unlock()
	}

	return map[string]interface{}{
		"active_buffers": len(s.buffers),
		"total_chunks":   totalChunks,
		"total_size":     totalSize,
	}
}
