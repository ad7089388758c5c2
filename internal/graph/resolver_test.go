package graph

import (
	"context"
	"testing"

	"blockweave/internal/models"
)

func TestEligible_AutoTrigger(t *testing.T) {
	g := New("p1", nil)
	mustAdd(t, g, phase("p"), field("dep", ""))

	tests := []struct {
		name  string
		setup func(b *models.ContentBlock)
		want  bool
	}{
		{"pending field with auto_generate", func(b *models.ContentBlock) {}, true},
		{"need_review gates auto", func(b *models.ContentBlock) { b.NeedReview = true }, false},
		{"auto_generate opt-out", func(b *models.ContentBlock) { b.AutoGenerate = false }, false},
		{"completed is not auto-eligible", func(b *models.ContentBlock) { b.Status = models.BlockStatusCompleted }, false},
		{"failed is not auto-eligible", func(b *models.ContentBlock) { b.Status = models.BlockStatusFailed }, false},
	}
	for i, tt := range tests {
		b := field("candidate", "")
		b.ID = b.ID + string(rune('0'+i))
		tt.setup(b)
		mustAdd(t, g, b)
		if got := g.Eligible(b.ID, TriggerAuto); got != tt.want {
			t.Errorf("%s: Eligible = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEligible_NonFieldNeverEligible(t *testing.T) {
	g := New("p1", nil)
	mustAdd(t, g, phase("p"), group("grp", "p"))

	if g.Eligible("p", TriggerAuto) || g.Eligible("p", TriggerManual) {
		t.Error("phase blocks are never eligible")
	}
	if g.Eligible("grp", TriggerAuto) || g.Eligible("grp", TriggerManual) {
		t.Error("group blocks are never eligible")
	}
}

func TestEligible_DependencyContentGate(t *testing.T) {
	g := New("p1", nil)
	mustAdd(t, g, field("dep", ""), field("f", "", "dep"))

	if g.Eligible("f", TriggerAuto) {
		t.Error("empty dependency content must block eligibility")
	}
	if g.Eligible("f", TriggerManual) {
		t.Error("the dependency gate applies to manual triggers too")
	}

	content := "dependency output"
	if _, err := g.UpdateBlock(context.Background(), "dep", models.BlockPatch{Content: &content}); err != nil {
		t.Fatalf("UpdateBlock failed: %v", err)
	}
	if !g.Eligible("f", TriggerAuto) {
		t.Error("non-empty dependency content must satisfy the gate")
	}
}

func TestEligible_ManualTrigger(t *testing.T) {
	g := New("p1", nil)
	b := field("f", "")
	b.NeedReview = true
	b.AutoGenerate = false
	mustAdd(t, g, b)

	// manual bypasses the need_review and auto_generate gates
	if !g.Eligible("f", TriggerManual) {
		t.Error("manual trigger must bypass need_review and auto_generate")
	}

	// manual regeneration from completed
	if _, err := g.MarkInProgress("f"); err != nil {
		t.Fatalf("MarkInProgress failed: %v", err)
	}
	if err := g.CommitCompleted(context.Background(), "f", "text"); err != nil {
		t.Fatalf("CommitCompleted failed: %v", err)
	}
	if !g.Eligible("f", TriggerManual) {
		t.Error("manual regeneration from completed must be allowed")
	}

	// manual regeneration from failed
	if _, err := g.MarkInProgress("f"); err != nil {
		t.Fatalf("MarkInProgress failed: %v", err)
	}
	if err := g.MarkFailed(context.Background(), "f"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if !g.Eligible("f", TriggerManual) {
		t.Error("manual regeneration from failed must be allowed")
	}

	// in_progress always blocks
	if _, err := g.MarkInProgress("f"); err != nil {
		t.Fatalf("MarkInProgress failed: %v", err)
	}
	if g.Eligible("f", TriggerManual) {
		t.Error("in_progress block must not be eligible")
	}
}

func TestAutoEligible_DeterministicScanOrder(t *testing.T) {
	g := New("p1", nil)
	b1 := field("zz", "")
	b1.SortOrder = 1
	b2 := field("aa", "")
	b2.SortOrder = 2
	b3 := field("mm", "")
	b3.SortOrder = 1
	mustAdd(t, g, b1, b2, b3)

	got := g.AutoEligible()
	want := []string{"mm", "zz", "aa"} // sort_order asc, then id asc
	if len(got) != len(want) {
		t.Fatalf("expected %d eligible blocks, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestResolveDependencyContents(t *testing.T) {
	g := New("p1", nil)
	a := field("a", "")
	a.Content = "alpha"
	b := field("b", "")
	b.Content = "beta"
	mustAdd(t, g, a, b, field("c", "", "a", "b"))

	deps := g.ResolveDependencyContents("c")
	if len(deps) != 2 || deps["a"] != "alpha" || deps["b"] != "beta" {
		t.Errorf("unexpected dependency contents: %v", deps)
	}
	if g.ResolveDependencyContents("ghost") != nil {
		t.Error("unknown block should resolve to nil")
	}
}
