package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"blockweave/internal/database"
	"blockweave/internal/models"
)

// BlockStore persists content blocks in MySQL. It implements graph.Persister so
// every graph mutation is mirrored into the content_blocks table.
type BlockStore struct {
	db *database.DB
}

// NewBlockStore creates a block store over the shared database handle.
func NewBlockStore(db *database.DB) *BlockStore {
	return &BlockStore{db: db}
}

// SaveBlock upserts one block row. depends_on and pre_answers are stored as JSON.
func (s *BlockStore) SaveBlock(ctx context.Context, block *models.ContentBlock) error {
	dependsOn, err := json.Marshal(block.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to marshal depends_on: %w", err)
	}
	preAnswers, err := json.Marshal(block.PreAnswers)
	if err != nil {
		return fmt.Errorf("failed to marshal pre_answers: %w", err)
	}

	query := `
		INSERT INTO content_blocks
			(id, project_id, parent_id, block_type, name, status, content, generated,
			 ai_prompt, need_review, auto_generate, special_handler, model_override,
			 depends_on, pre_answers, sort_order, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			parent_id = VALUES(parent_id),
			name = VALUES(name),
			status = VALUES(status),
			content = VALUES(content),
			generated = VALUES(generated),
			ai_prompt = VALUES(ai_prompt),
			need_review = VALUES(need_review),
			auto_generate = VALUES(auto_generate),
			special_handler = VALUES(special_handler),
			model_override = VALUES(model_override),
			depends_on = VALUES(depends_on),
			pre_answers = VALUES(pre_answers),
			sort_order = VALUES(sort_order),
			updated_at = VALUES(updated_at)
	`
	_, err = s.db.ExecContext(ctx, query,
		block.ID, block.ProjectID, nullable(block.ParentID), block.Type, block.Name,
		block.Status, block.Content, block.Generated,
		block.AIPrompt, block.NeedReview, block.AutoGenerate, block.SpecialHandler,
		nullable(block.ModelOverride), dependsOn, preAnswers, block.SortOrder,
		block.CreatedAt, block.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save block %s: %w", block.ID, err)
	}
	return nil
}

// DeleteBlocks removes blocks by id within a project.
func (s *BlockStore) DeleteBlocks(ctx context.Context, projectID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, projectID)
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf("DELETE FROM content_blocks WHERE project_id = ? AND id IN (%s)", placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete blocks: %w", err)
	}
	return nil
}

// LoadProject reads every block of a project, ordered for deterministic graph loads.
func (s *BlockStore) LoadProject(ctx context.Context, projectID string) ([]*models.ContentBlock, error) {
	query := `
		SELECT id, project_id, parent_id, block_type, name, status, content, generated,
		       ai_prompt, need_review, auto_generate, special_handler, model_override,
		       depends_on, pre_answers, sort_order, created_at, updated_at
		FROM content_blocks
		WHERE project_id = ?
		ORDER BY sort_order, id
	`
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load project %s: %w", projectID, err)
	}
	defer rows.Close()

	var blocks []*models.ContentBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// ListProjects returns the ids of every project that has at least one block.
func (s *BlockStore) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT project_id FROM content_blocks")
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StaleInProgress returns blocks stuck in in_progress longer than maxAge. Used by
// the lease reaper to recover from crashed generations.
func (s *BlockStore) StaleInProgress(ctx context.Context, maxAge time.Duration) ([]*models.ContentBlock, error) {
	query := `
		SELECT id, project_id, parent_id, block_type, name, status, content, generated,
		       ai_prompt, need_review, auto_generate, special_handler, model_override,
		       depends_on, pre_answers, sort_order, created_at, updated_at
		FROM content_blocks
		WHERE status = 'in_progress' AND updated_at < ?
	`
	rows, err := s.db.QueryContext(ctx, query, time.Now().Add(-maxAge))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*models.ContentBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func scanBlock(rows *sql.Rows) (*models.ContentBlock, error) {
	var (
		b             models.ContentBlock
		parentID      sql.NullString
		content       sql.NullString
		aiPrompt      sql.NullString
		modelOverride sql.NullString
		dependsOn     []byte
		preAnswers    []byte
	)
	err := rows.Scan(
		&b.ID, &b.ProjectID, &parentID, &b.Type, &b.Name, &b.Status, &content, &b.Generated,
		&aiPrompt, &b.NeedReview, &b.AutoGenerate, &b.SpecialHandler, &modelOverride,
		&dependsOn, &preAnswers, &b.SortOrder, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan block row: %w", err)
	}
	b.ParentID = parentID.String
	b.Content = content.String
	b.AIPrompt = aiPrompt.String
	b.ModelOverride = modelOverride.String
	if len(dependsOn) > 0 {
		if err := json.Unmarshal(dependsOn, &b.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal depends_on for block %s: %w", b.ID, err)
		}
	}
	if len(preAnswers) > 0 {
		if err := json.Unmarshal(preAnswers, &b.PreAnswers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pre_answers for block %s: %w", b.ID, err)
		}
	}
	return &b, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
