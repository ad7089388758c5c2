package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"blockweave/internal/models"

	"github.com/gofiber/fiber/v2"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fakeTaskDirectory struct {
	tasks []models.Task
}

func (d *fakeTaskDirectory) Get(ctx context.Context, id primitive.ObjectID) (*models.Task, error) {
	for i := range d.tasks {
		if d.tasks[i].ID == id {
			cp := d.tasks[i]
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("task %s not found", id.Hex())
}

func (d *fakeTaskDirectory) ListByProject(ctx context.Context, projectID string) ([]models.Task, error) {
	var out []models.Task
	for _, t := range d.tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeTrialReports struct {
	summaries map[string][]models.ExecutionReportRow // task id hex -> rows
}

func (r *fakeTrialReports) BatchSummaries(ctx context.Context, taskID primitive.ObjectID) ([]models.ExecutionReportRow, error) {
	return append([]models.ExecutionReportRow(nil), r.summaries[taskID.Hex()]...), nil
}

func (r *fakeTrialReports) ListBatch(ctx context.Context, taskID primitive.ObjectID, batchID string) ([]models.TrialResult, error) {
	return nil, nil
}

func (r *fakeTrialReports) DeleteBatches(ctx context.Context, taskID primitive.ObjectID, batchIDs []string) (int64, error) {
	return 0, nil
}

func reportApp(tasks *fakeTaskDirectory, trials *fakeTrialReports) *fiber.App {
	h := NewReportHandler(tasks, trials, nil)
	app := fiber.New()
	app.Get("/api/projects/:projectId/executions", h.GetProjectExecutionReport)
	return app
}

func TestGetProjectExecutionReport_MergesAllTasks(t *testing.T) {
	t1 := models.Task{ID: primitive.NewObjectID(), ProjectID: "p1", Name: "intro review"}
	t2 := models.Task{ID: primitive.NewObjectID(), ProjectID: "p1", Name: "faq check"}
	other := models.Task{ID: primitive.NewObjectID(), ProjectID: "p2", Name: "elsewhere"}

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	trials := &fakeTrialReports{summaries: map[string][]models.ExecutionReportRow{
		t1.ID.Hex(): {
			{TaskID: t1.ID, BatchID: "b-old", Trials: 3, StartedAt: base},
			{TaskID: t1.ID, BatchID: "b-new", Trials: 3, StartedAt: base.Add(2 * time.Hour)},
		},
		t2.ID.Hex(): {
			{TaskID: t2.ID, BatchID: "b-mid", Trials: 2, Failed: 1, StartedAt: base.Add(time.Hour)},
		},
		other.ID.Hex(): {
			{TaskID: other.ID, BatchID: "b-foreign", StartedAt: base.Add(3 * time.Hour)},
		},
	}}
	app := reportApp(&fakeTaskDirectory{tasks: []models.Task{t1, t2, other}}, trials)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/projects/p1/executions", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		ProjectID string                      `json:"project_id"`
		Batches   []models.ExecutionReportRow `json:"batches"`
		Count     int                         `json:"count"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("bad response body: %v", err)
	}

	if body.Count != 3 || len(body.Batches) != 3 {
		t.Fatalf("expected the project's 3 batches, got count=%d rows=%d", body.Count, len(body.Batches))
	}
	// newest first across tasks
	if body.Batches[0].BatchID != "b-new" || body.Batches[1].BatchID != "b-mid" || body.Batches[2].BatchID != "b-old" {
		t.Errorf("rows not sorted newest first: %s %s %s",
			body.Batches[0].BatchID, body.Batches[1].BatchID, body.Batches[2].BatchID)
	}
	if body.Batches[0].TaskName != "intro review" || body.Batches[1].TaskName != "faq check" {
		t.Errorf("task names not attached: %q %q", body.Batches[0].TaskName, body.Batches[1].TaskName)
	}
	for _, row := range body.Batches {
		if row.BatchID == "b-foreign" {
			t.Error("another project's batch leaked into the report")
		}
	}
}

func TestGetProjectExecutionReport_EmptyProject(t *testing.T) {
	app := reportApp(&fakeTaskDirectory{}, &fakeTrialReports{})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/projects/empty/executions", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Batches []models.ExecutionReportRow `json:"batches"`
		Count   int                         `json:"count"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if body.Count != 0 || len(body.Batches) != 0 {
		t.Errorf("empty project should report zero batches, got %+v", body)
	}
}
