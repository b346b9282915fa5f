package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriter(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir, "run-123")
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	run := RunRecord{
		RunID:          "run-123",
		Pipeline:       "story",
		StartedAt:      time.Now().UTC(),
		InputHash:      HashText("a knight"),
		Status:         "COMPLETED",
		DurationMillis: 42,
	}
	if err := writer.WriteRun(run); err != nil {
		t.Fatalf("write run: %v", err)
	}

	stage := StageRecord{
		Stage:      "craft",
		Persona:    "storyteller",
		Adapter:    "mock",
		Model:      "mock-1",
		PromptHash: HashText("prompt"),
		OutputHash: HashText("output"),
	}
	if err := writer.WriteStage(stage); err != nil {
		t.Fatalf("write stage: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(writer.RunDir(), "run.json"))
	if err != nil {
		t.Fatalf("missing run.json: %v", err)
	}
	var gotRun RunRecord
	if err := json.Unmarshal(data, &gotRun); err != nil {
		t.Fatalf("unmarshal run.json: %v", err)
	}
	if gotRun.RunID != "run-123" || gotRun.Pipeline != "story" {
		t.Fatalf("unexpected run record: %+v", gotRun)
	}

	data, err = os.ReadFile(filepath.Join(writer.RunDir(), "stages", "craft.json"))
	if err != nil {
		t.Fatalf("missing stage file: %v", err)
	}
	var gotStage StageRecord
	if err := json.Unmarshal(data, &gotStage); err != nil {
		t.Fatalf("unmarshal stage file: %v", err)
	}
	if gotStage.Stage != "craft" || gotStage.PromptHash != HashText("prompt") {
		t.Fatalf("unexpected stage record: %+v", gotStage)
	}
}

func TestWriterRejectsMissingArgs(t *testing.T) {
	if _, err := NewWriter("", "run"); err == nil {
		t.Fatal("NewWriter accepted empty base dir")
	}
	if _, err := NewWriter(t.TempDir(), ""); err == nil {
		t.Fatal("NewWriter accepted empty run ID")
	}

	writer, err := NewWriter(t.TempDir(), "run")
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := writer.WriteStage(StageRecord{}); err == nil {
		t.Fatal("WriteStage accepted a record with no stage name")
	}
}

func TestHashText(t *testing.T) {
	if HashText("a") == HashText("b") {
		t.Fatal("distinct inputs hashed equal")
	}
	if HashText("a") != HashText("a") {
		t.Fatal("hash not deterministic")
	}
	if len(HashText("")) != 64 {
		t.Fatalf("unexpected hash length: %d", len(HashText("")))
	}
}
