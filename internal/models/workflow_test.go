package models_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"finadvisor-pipeline/internal/models"
)

func TestNewPipelineContext(t *testing.T) {
	ctx := models.NewPipelineContext("which index fund?", "test-request-id", false)

	if ctx.ID == "" {
		t.Error("Expected a generated pipeline ID")
	}

	if ctx.RequestID != "test-request-id" {
		t.Errorf("Expected RequestID test-request-id, got %s", ctx.RequestID)
	}

	if ctx.Status() != models.PipelineStatusPending {
		t.Errorf("Expected status %s, got %s", models.PipelineStatusPending, ctx.Status())
	}

	if ctx.CurrentStage() != models.StageRequest {
		t.Errorf("Expected stage %s, got %s", models.StageRequest, ctx.CurrentStage())
	}
}

func TestPipelineContextFinishOnce(t *testing.T) {
	ctx := models.NewPipelineContext("q", "", true)
	ctx.MarkProcessing()
	ctx.Finish(models.PipelineStatusCompleted)
	ctx.Finish(models.PipelineStatusFailed)

	snap := ctx.Snapshot()
	if snap.Status != models.PipelineStatusCompleted {
		t.Errorf("Expected status %s, got %s", models.PipelineStatusCompleted, snap.Status)
	}

	if snap.EndTime == nil {
		t.Error("EndTime should be set after Finish")
	}
}

func TestPipelineSnapshotIsCopy(t *testing.T) {
	ctx := models.NewPipelineContext("q", "", false)
	ctx.UpdateStageStats(models.StageClassification, models.StageStats{Name: "classification", Status: "ok"})

	snap := ctx.Snapshot()
	ctx.UpdateStageStats(models.StageGrounding, models.StageStats{Name: "grounding", Status: "ok"})

	if len(snap.StageStats) != 1 {
		t.Errorf("Expected snapshot to hold 1 stage, got %d", len(snap.StageStats))
	}
}

func TestClassificationDefaults(t *testing.T) {
	var c models.ClassificationResult
	if err := json.Unmarshal([]byte(`{"inDomain":true,"confidence":0.9,"reason":"fund question"}`), &c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.WantsGrounding() {
		t.Error("unset needsGrounding should resolve to false")
	}
	if !c.WantsStructuredAnswer() {
		t.Error("unset needsStructuredAnswer should resolve to true")
	}

	c.NeedsStructuredAnswer = models.BoolPtr(false)
	if c.WantsStructuredAnswer() {
		t.Error("explicit needsStructuredAnswer=false should be honoured")
	}
}

func TestFactJSON(t *testing.T) {
	var inst models.Instrument
	raw := `{"name":"Nifty 50 Index Fund","category":"index_fund","expenseRatio":0.2,"return1y":"12.5%","return3y":"unknown","fundSize":null}`
	if err := json.Unmarshal([]byte(raw), &inst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v, ok := inst.ExpenseRatio.Value(); !ok || v != 0.2 {
		t.Errorf("Expected expenseRatio 0.2, got %v (known=%v)", v, ok)
	}
	if v, ok := inst.Return1Y.Value(); !ok || v != 12.5 {
		t.Errorf("Expected return1y 12.5, got %v (known=%v)", v, ok)
	}
	if inst.Return3Y.Known() || inst.FundSize.Known() {
		t.Error("return3y and fundSize should be unknown")
	}

	out, err := json.Marshal(inst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(out), `"return3y":"unknown"`) {
		t.Errorf("unknown fact should serialize as \"unknown\": %s", out)
	}
	if !strings.Contains(string(out), `"expenseRatio":0.2`) {
		t.Errorf("known fact should serialize as a number: %s", out)
	}
}

func TestOutcomeTags(t *testing.T) {
	ok := models.OK(1)
	if !ok.IsOK() || ok.Value != 1 {
		t.Errorf("Expected ok outcome with value 1, got %+v", ok)
	}

	deg := models.Degraded(2, "classifier down", errors.New("boom"))
	if !deg.IsDegraded() || deg.Reason != "classifier down" {
		t.Errorf("Expected degraded outcome, got %+v", deg)
	}

	un := models.Unavailable[int](errors.New("context canceled"))
	if !un.IsUnavailable() || un.Reason != "context canceled" {
		t.Errorf("Expected unavailable outcome, got %+v", un)
	}
}

func TestAppErrorIsMatchesCode(t *testing.T) {
	err := models.ErrConversationNotFound.WithMetadata("id", "abc")
	if !errors.Is(err, models.ErrConversationNotFound) {
		t.Error("copied error should still match its sentinel")
	}
	if errors.Is(err, models.ErrProfileNotFound) {
		t.Error("different codes should not match")
	}
	if !models.IsNotFound(err) {
		t.Error("expected not found classification")
	}
}

func TestTitleFromQuery(t *testing.T) {
	short := "Which fund should I start a SIP in?"
	if got := models.TitleFromQuery(short); got != short {
		t.Errorf("Expected %q, got %q", short, got)
	}

	long := strings.Repeat("a", 100)
	if got := models.TitleFromQuery(long); len([]rune(got)) != 63 {
		t.Errorf("Expected truncated title of 63 runes, got %d", len([]rune(got)))
	}
}

func TestStreamEventData(t *testing.T) {
	ev := models.StreamEvent{
		Type:      models.EventTextDelta,
		MessageID: "msg-1",
		Sequence:  4,
		Payload:   map[string]any{"blockId": "b1", "text": "hi"},
	}
	data := ev.Data()
	if data["messageId"] != "msg-1" || data["sequence"] != int64(4) || data["text"] != "hi" {
		t.Errorf("unexpected frame data: %v", data)
	}
	if _, leaked := ev.Payload["sequence"]; leaked {
		t.Error("Data must not mutate the payload")
	}
}
