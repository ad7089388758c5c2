package evaluation

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"blockweave/internal/models"
)

// runTrial executes one trial unit and always returns a persisted-ready result:
// pipeline errors become a failed trial, never an aborted batch.
func (e *Engine) runTrial(ctx context.Context, task *models.Task, spec trialSpec) *models.TrialResult {
	started := time.Now()
	result := &models.TrialResult{
		TaskID:      task.ID,
		BatchID:     task.CurrentBatchID,
		ConfigIndex: spec.configIndex,
		RepeatIndex: spec.repeatIndex,
		FormType:    spec.config.FormType,
		Status:      models.TrialStatusRunning,
		StartedAt:   started,
	}

	var err error
	switch spec.config.FormType {
	case models.FormAssessment:
		err = e.runAssessment(ctx, task, spec.config, result)
	case models.FormReview:
		err = e.runPersonaWalk(ctx, task, spec.config, result, "review")
	case models.FormExperience:
		err = e.runPersonaWalk(ctx, task, spec.config, result, "experience")
	case models.FormScenario:
		err = e.runScenario(ctx, task, spec.config, result)
	default:
		err = fmt.Errorf("unknown form_type %q", spec.config.FormType)
	}

	now := time.Now()
	result.CompletedAt = &now
	if err != nil {
		result.Status = models.TrialStatusFailed
		result.Error = err.Error()
		log.Printf("❌ [TRIALS] Trial %d.%d of task %s failed: %v",
			spec.configIndex, spec.repeatIndex, task.ID.Hex(), err)
	} else {
		result.Status = models.TrialStatusCompleted
		log.Printf("✅ [TRIALS] Trial %d.%d of task %s completed (score %.2f)",
			spec.configIndex, spec.repeatIndex, task.ID.Hex(), result.OverallScore)
	}

	if e.metrics != nil {
		e.metrics.TrialFinished(string(spec.config.FormType), string(result.Status), now.Sub(started).Seconds())
	}
	return result
}

// collectContent bundles the target blocks' content into one grading document,
// in the declared target order.
func (e *Engine) collectContent(task *models.Task, blockIDs []string) (string, error) {
	var sb strings.Builder
	for _, id := range blockIDs {
		name, content, ok := e.blocks.BlockContent(task.ProjectID, id)
		if !ok {
			return "", fmt.Errorf("target block %q not found in project %s", id, task.ProjectID)
		}
		if content == "" {
			return "", fmt.Errorf("target block %q has no content to evaluate", id)
		}
		sb.WriteString("# ")
		sb.WriteString(name)
		sb.WriteString("\n")
		sb.WriteString(content)
		sb.WriteString("\n\n")
	}
	return sb.String(), nil
}

// grade runs every configured grader over the content, records per-grader
// results and folds them into weighted overall/dimension scores on the result.
func (e *Engine) grade(ctx context.Context, cfg models.TrialConfig, content string, result *models.TrialResult) error {
	if len(cfg.GraderIDs) == 0 {
		return fmt.Errorf("trial config has no graders")
	}

	weightOf := func(id string) float64 {
		if w, ok := cfg.GraderWeights[id]; ok && w > 0 {
			return w
		}
		return 1
	}

	var (
		totalWeight float64
		weightedSum float64
		dimSums     = make(map[string]float64)
		dimWeights  = make(map[string]float64)
		comments    []string
		succeeded   int
	)

	for _, graderID := range cfg.GraderIDs {
		callStart := time.Now()
		score, err := e.grader.Score(ctx, graderID, content, cfg.Probe)
		if err != nil {
			// One grader down is a degraded trial, not a dead one; fail only
			// when every grader fails.
			log.Printf("⚠️ [TRIALS] Grader %s failed: %v", graderID, err)
			result.Process = append(result.Process, models.ProcessStep{
				Index:  len(result.Process),
				Actor:  "grader",
				Action: "score_failed",
				Detail: fmt.Sprintf("%s: %v", graderID, err),
				At:     time.Now(),
			})
			continue
		}
		succeeded++

		w := weightOf(graderID)
		overall := meanScore(score.DimensionScores)
		totalWeight += w
		weightedSum += w * overall
		for dim, v := range score.DimensionScores {
			dimSums[dim] += w * v
			dimWeights[dim] += w
		}
		if score.Comment != "" {
			comments = append(comments, fmt.Sprintf("[%s] %s", graderID, score.Comment))
		}
		result.ScoreEvidence = append(result.ScoreEvidence, score.Evidence...)
		result.ImprovementSuggestions = append(result.ImprovementSuggestions, score.Suggestions...)
		result.GraderResults = append(result.GraderResults, models.GraderResult{
			GraderID:        graderID,
			Weight:          w,
			DimensionScores: score.DimensionScores,
			Score:           overall,
			Feedback:        score.Comment,
			Evidence:        score.Evidence,
		})
		result.LLMCalls = append(result.LLMCalls, models.LLMCall{
			Index:        len(result.LLMCalls),
			Purpose:      "grade:" + graderID,
			InputTokens:  score.InputTokens,
			OutputTokens: score.OutputTokens,
			DurationMs:   time.Since(callStart).Milliseconds(),
		})
	}

	if succeeded == 0 {
		return fmt.Errorf("all %d graders failed", len(cfg.GraderIDs))
	}

	result.OverallScore = weightedSum / totalWeight
	result.OverallComment = strings.Join(comments, "\n")
	result.DimensionScores = make(map[string]float64, len(dimSums))
	for dim, sum := range dimSums {
		result.DimensionScores[dim] = sum / dimWeights[dim]
	}
	return nil
}

func meanScore(dims map[string]float64) float64 {
	if len(dims) == 0 {
		return 0
	}
	var sum float64
	for _, v := range dims {
		sum += v
	}
	return sum / float64(len(dims))
}

// runAssessment grades the target blocks' content directly, no persona in the loop.
func (e *Engine) runAssessment(ctx context.Context, task *models.Task, cfg models.TrialConfig, result *models.TrialResult) error {
	content, err := e.collectContent(task, cfg.TargetBlockIDs)
	if err != nil {
		return err
	}
	result.Process = append(result.Process, models.ProcessStep{
		Index:  0,
		Actor:  "engine",
		Action: "collect_content",
		Detail: fmt.Sprintf("%d target blocks", len(cfg.TargetBlockIDs)),
		At:     time.Now(),
	})
	return e.grade(ctx, cfg, content, result)
}

// runPersonaWalk has one persona read through the target blocks in order and
// react to each, then grades the persona's impressions together with the content.
// mode is "review" (critical read) or "experience" (first use walkthrough).
func (e *Engine) runPersonaWalk(ctx context.Context, task *models.Task, cfg models.TrialConfig, result *models.TrialResult, mode string) error {
	persona, err := e.personas.Resolve(ctx, cfg.FormConfig.PersonaID)
	if err != nil {
		return fmt.Errorf("resolve persona %q: %w", cfg.FormConfig.PersonaID, err)
	}

	instruction := "Review this content critically from your perspective. Note gaps, unclear parts and what you would change."
	if mode == "experience" {
		instruction = "You encounter this content for the first time. Walk through it and narrate your experience, including anything confusing."
	}

	var impressions strings.Builder
	for _, blockID := range cfg.TargetBlockIDs {
		name, content, ok := e.blocks.BlockContent(task.ProjectID, blockID)
		if !ok {
			return fmt.Errorf("target block %q not found in project %s", blockID, task.ProjectID)
		}
		if content == "" {
			return fmt.Errorf("target block %q has no content to evaluate", blockID)
		}

		callStart := time.Now()
		reaction, err := e.sim.Simulate(ctx, persona, instruction, fmt.Sprintf("# %s\n%s", name, content))
		if err != nil {
			return fmt.Errorf("persona %s on block %q: %w", persona.Name, blockID, err)
		}
		result.Process = append(result.Process, models.ProcessStep{
			Index:  len(result.Process),
			Actor:  persona.Name,
			Action: mode,
			Detail: truncateDetail(reaction),
			At:     time.Now(),
		})
		result.LLMCalls = append(result.LLMCalls, models.LLMCall{
			Index:      len(result.LLMCalls),
			Purpose:    "persona:" + mode,
			DurationMs: time.Since(callStart).Milliseconds(),
		})
		impressions.WriteString(fmt.Sprintf("## %s on %s\n%s\n\n", persona.Name, name, reaction))
	}

	content, err := e.collectContent(task, cfg.TargetBlockIDs)
	if err != nil {
		return err
	}
	bundle := content + "\n# Persona impressions\n" + impressions.String()
	return e.grade(ctx, cfg, bundle, result)
}

// runScenario plays two personas against each other over the target content for
// up to max_turns exchanges, then grades the transcript.
func (e *Engine) runScenario(ctx context.Context, task *models.Task, cfg models.TrialConfig, result *models.TrialResult) error {
	personaA, err := e.personas.Resolve(ctx, cfg.FormConfig.PersonaAID)
	if err != nil {
		return fmt.Errorf("resolve persona A %q: %w", cfg.FormConfig.PersonaAID, err)
	}
	personaB, err := e.personas.Resolve(ctx, cfg.FormConfig.PersonaBID)
	if err != nil {
		return fmt.Errorf("resolve persona B %q: %w", cfg.FormConfig.PersonaBID, err)
	}

	maxTurns := cfg.FormConfig.MaxTurns
	if maxTurns < 1 {
		maxTurns = 6
	}

	content, err := e.collectContent(task, cfg.TargetBlockIDs)
	if err != nil {
		return err
	}

	var transcript strings.Builder
	transcript.WriteString("# Scenario material\n")
	transcript.WriteString(content)
	transcript.WriteString("\n# Conversation\n")

	speakers := [2]*models.Persona{personaA, personaB}
	for turn := 0; turn < maxTurns; turn++ {
		speaker := speakers[turn%2]
		instruction := fmt.Sprintf("It is your turn in the conversation (turn %d of at most %d). Respond in character, engaging with the material and the other participant.", turn+1, maxTurns)

		callStart := time.Now()
		line, err := e.sim.Simulate(ctx, speaker, instruction, transcript.String())
		if err != nil {
			return fmt.Errorf("scenario turn %d (%s): %w", turn+1, speaker.Name, err)
		}
		transcript.WriteString(fmt.Sprintf("%s: %s\n", speaker.Name, line))
		result.Process = append(result.Process, models.ProcessStep{
			Index:  len(result.Process),
			Actor:  speaker.Name,
			Action: "scenario_turn",
			Detail: truncateDetail(line),
			At:     time.Now(),
		})
		result.LLMCalls = append(result.LLMCalls, models.LLMCall{
			Index:      len(result.LLMCalls),
			Purpose:    "persona:scenario",
			DurationMs: time.Since(callStart).Milliseconds(),
		})
	}

	return e.grade(ctx, cfg, transcript.String(), result)
}

func truncateDetail(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
