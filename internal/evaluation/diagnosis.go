package evaluation

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"blockweave/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// LedgerStore persists applied marks for suggestions across diagnosis runs.
type LedgerStore interface {
	ListByTask(ctx context.Context, taskID primitive.ObjectID) ([]models.SuggestionLedgerEntry, error)
	Upsert(ctx context.Context, entry *models.SuggestionLedgerEntry) error
}

// Diagnoser builds cross-trial reports for a batch: recurring patterns,
// deduplicated suggestions, applied marks merged from the ledger.
type Diagnoser struct {
	trials TrialStore
	ledger LedgerStore
}

// NewDiagnoser wires the aggregator over trial and ledger storage.
func NewDiagnoser(trials TrialStore, ledger LedgerStore) *Diagnoser {
	return &Diagnoser{trials: trials, ledger: ledger}
}

// suggestionKey normalizes text so trivial phrasing differences (case, spacing,
// trailing punctuation) dedupe to one suggestion.
func suggestionKey(source, text string) string {
	t := strings.ToLower(strings.Join(strings.Fields(text), " "))
	t = strings.TrimRight(t, ".!")
	return source + "\x00" + t
}

// Diagnose analyzes one batch of a task. Failed trials contribute to failure
// patterns; completed trials contribute suggestions, either explicit ones from
// the trial or heuristic ones extracted from grader feedback.
func (d *Diagnoser) Diagnose(ctx context.Context, taskID primitive.ObjectID, batchID string) (*models.DiagnosisReport, error) {
	results, err := d.trials.ListBatch(ctx, taskID, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %s: %w", batchID, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("batch %s has no trial results", batchID)
	}

	type agg struct {
		suggestion models.Suggestion
		trialRefs  []string
	}
	byKey := make(map[string]*agg)
	var order []string

	record := func(source, text, trialRef string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		key := suggestionKey(source, text)
		a, seen := byKey[key]
		if !seen {
			a = &agg{suggestion: models.Suggestion{Source: source, Text: text}}
			byKey[key] = a
			order = append(order, key)
		}
		// Count distinct trials, not raw mentions.
		for _, ref := range a.trialRefs {
			if ref == trialRef {
				return
			}
		}
		a.trialRefs = append(a.trialRefs, trialRef)
		a.suggestion.Count++
	}

	failed := 0
	var failedRefs []string
	for _, r := range results {
		ref := fmt.Sprintf("%d.%d", r.ConfigIndex, r.RepeatIndex)
		if r.Status == models.TrialStatusFailed {
			failed++
			failedRefs = append(failedRefs, ref)
			continue
		}
		if len(r.ImprovementSuggestions) > 0 {
			for _, s := range r.ImprovementSuggestions {
				record("trial", s, ref)
			}
			continue
		}
		// No explicit suggestions: mine the grader feedback text.
		for _, gr := range r.GraderResults {
			for _, s := range extractSuggestions(gr.Feedback) {
				record(gr.GraderID, s, ref)
			}
		}
	}

	report := &models.DiagnosisReport{
		TaskID:      taskID,
		BatchID:     batchID,
		GeneratedAt: time.Now(),
	}

	total := len(results)
	if failed > 0 {
		report.Patterns = append(report.Patterns, models.Pattern{
			Label:     "trial failures",
			Frequency: fmt.Sprintf("%d/%d trials", failed, total),
			TrialRefs: failedRefs,
		})
	}
	for _, key := range order {
		a := byKey[key]
		report.Suggestions = append(report.Suggestions, a.suggestion)
		if a.suggestion.Count >= 2 {
			report.Patterns = append(report.Patterns, models.Pattern{
				Label:     a.suggestion.Text,
				Frequency: fmt.Sprintf("%d/%d trials", a.suggestion.Count, total),
				TrialRefs: a.trialRefs,
			})
		}
	}

	// Most recurrent first, ties keep extraction order.
	sort.SliceStable(report.Suggestions, func(i, j int) bool {
		return report.Suggestions[i].Count > report.Suggestions[j].Count
	})

	if err := d.mergeApplied(ctx, taskID, report); err != nil {
		// Ledger trouble degrades to unmarked suggestions rather than no report.
		log.Printf("⚠️ [DIAGNOSIS] Could not merge applied marks for task %s: %v", taskID.Hex(), err)
	}

	log.Printf("📦 [DIAGNOSIS] Task %s batch %s: %d suggestions, %d patterns",
		taskID.Hex(), batchID, len(report.Suggestions), len(report.Patterns))
	return report, nil
}

func (d *Diagnoser) mergeApplied(ctx context.Context, taskID primitive.ObjectID, report *models.DiagnosisReport) error {
	entries, err := d.ledger.ListByTask(ctx, taskID)
	if err != nil {
		return err
	}
	applied := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Applied {
			applied[suggestionKey(e.Source, e.Text)] = true
		}
	}
	for i := range report.Suggestions {
		s := &report.Suggestions[i]
		if applied[suggestionKey(s.Source, s.Text)] {
			s.Applied = true
		}
	}
	return nil
}

// MarkApplied records that the user acted on (or un-acted) a suggestion. The mark
// survives re-running Diagnose for the same or later batches.
func (d *Diagnoser) MarkApplied(ctx context.Context, taskID primitive.ObjectID, source, text string, applied bool) error {
	entry := &models.SuggestionLedgerEntry{
		TaskID:    taskID,
		Source:    source,
		Text:      strings.TrimSpace(text),
		Applied:   applied,
		UpdatedAt: time.Now(),
	}
	if entry.Text == "" {
		return fmt.Errorf("suggestion text is required")
	}
	return d.ledger.Upsert(ctx, entry)
}

// Markers that make a feedback sentence read as actionable advice. Graders may
// answer in Chinese, hence 建议.
var suggestionMarkers = []string{
	"should", "consider", "recommend", "could be improved",
	"needs", "missing", "lacks", "unclear", "add ", "improve",
	"建议",
}

// extractSuggestions pulls advice-like sentences out of free-form grader
// feedback. Best effort: no markers, no suggestions.
func extractSuggestions(feedback string) []string {
	if strings.TrimSpace(feedback) == "" {
		return nil
	}
	var out []string
	for _, sentence := range splitSentences(feedback) {
		lower := strings.ToLower(sentence)
		for _, marker := range suggestionMarkers {
			if strings.Contains(lower, marker) {
				out = append(out, sentence)
				break
			}
		}
		if len(out) == 5 {
			break
		}
	}
	return out
}

func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '。' || r == '\n' {
			if s := strings.TrimSpace(cur.String()); s != "" {
				sentences = append(sentences, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
