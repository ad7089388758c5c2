package models

import "time"

// BlockType distinguishes structural nodes from generatable leaves.
type BlockType string

const (
	BlockTypePhase BlockType = "phase"
	BlockTypeGroup BlockType = "group"
	BlockTypeField BlockType = "field"
)

// BlockStatus represents the generation lifecycle state of a block.
type BlockStatus string

const (
	BlockStatusPending    BlockStatus = "pending"
	BlockStatusInProgress BlockStatus = "in_progress"
	BlockStatusCompleted  BlockStatus = "completed"
	BlockStatusFailed     BlockStatus = "failed"
)

// SpecialHandler selects an alternate generation strategy for a field block.
type SpecialHandler string

const (
	HandlerDefault  SpecialHandler = ""
	HandlerResearch SpecialHandler = "research"
	HandlerSimulate SpecialHandler = "simulate"
)

// QAPair is a pre-question with its answer, consumed as extra generation context.
type QAPair struct {
	Question string `json:"question" bson:"question"`
	Answer   string `json:"answer" bson:"answer"`
}

// ContentBlock is a node in a project's content tree. Parent/children edges form a
// forest; DependsOn is a secondary edge set that may cross subtrees. The union of
// both relations must stay acyclic.
type ContentBlock struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	ParentID  string    `json:"parent_id,omitempty"` // empty = root phase
	Type      BlockType `json:"block_type"`
	Name      string    `json:"name"`

	DependsOn []string    `json:"depends_on,omitempty"`
	Status    BlockStatus `json:"status"`

	// Content is owned by the block. Generated distinguishes an intentionally
	// empty result from "never generated".
	Content   string `json:"content"`
	Generated bool   `json:"generated"`

	AIPrompt       string         `json:"ai_prompt,omitempty"`
	SpecialHandler SpecialHandler `json:"special_handler,omitempty"`
	NeedReview     bool           `json:"need_review"`
	AutoGenerate   bool           `json:"auto_generate"`
	ModelOverride  string         `json:"model_override,omitempty"`
	PreAnswers     []QAPair       `json:"pre_answers,omitempty"`

	SortOrder int       `json:"sort_order"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsField reports whether the block is a generatable leaf.
func (b *ContentBlock) IsField() bool {
	return b.Type == BlockTypeField
}

// Clone returns a deep copy so callers can hand blocks across goroutines safely.
func (b *ContentBlock) Clone() *ContentBlock {
	if b == nil {
		return nil
	}
	cp := *b
	cp.DependsOn = append([]string(nil), b.DependsOn...)
	cp.PreAnswers = append([]QAPair(nil), b.PreAnswers...)
	return &cp
}

// BlockPatch is a partial update to a block. Nil fields are left untouched.
type BlockPatch struct {
	Name           *string         `json:"name,omitempty"`
	DependsOn      *[]string       `json:"depends_on,omitempty"`
	Status         *BlockStatus    `json:"status,omitempty"`
	Content        *string         `json:"content,omitempty"`
	AIPrompt       *string         `json:"ai_prompt,omitempty"`
	SpecialHandler *SpecialHandler `json:"special_handler,omitempty"`
	NeedReview     *bool           `json:"need_review,omitempty"`
	AutoGenerate   *bool           `json:"auto_generate,omitempty"`
	ModelOverride  *string         `json:"model_override,omitempty"`
	PreAnswers     *[]QAPair       `json:"pre_answers,omitempty"`
	SortOrder      *int            `json:"sort_order,omitempty"`
}

// ChangeKind classifies a block change event.
type ChangeKind string

const (
	ChangeCreated             ChangeKind = "created"
	ChangeUpdated             ChangeKind = "updated"
	ChangeDeleted             ChangeKind = "deleted"
	ChangeGenerationStarted   ChangeKind = "generation_started"
	ChangeGenerationCompleted ChangeKind = "generation_completed"
	ChangeGenerationFailed    ChangeKind = "generation_failed"
	ChangeGenerationCancelled ChangeKind = "generation_cancelled"
)

// BlockChangeEvent is emitted on every successful graph mutation. The auto-trigger
// chain and pub/sub fanout both consume these.
type BlockChangeEvent struct {
	ProjectID string      `json:"project_id"`
	BlockID   string      `json:"block_id"`
	Kind      ChangeKind  `json:"kind"`
	Status    BlockStatus `json:"status,omitempty"`
	At        time.Time   `json:"at"`
}

// GenerationUpdate streams partial output and the terminal outcome of one
// generation run to listeners.
type GenerationUpdate struct {
	Type    string `json:"type"` // chunk, completed, failed, cancelled
	BlockID string `json:"block_id"`
	Chunk   string `json:"chunk,omitempty"`
	Content string `json:"content,omitempty"` // final content on completed
	Error   string `json:"error,omitempty"`
}

const (
	UpdateChunk     = "chunk"
	UpdateCompleted = "completed"
	UpdateFailed    = "failed"
	UpdateCancelled = "cancelled"
)
