// Package trace records what a run did. Prompts and outputs are stored
// as hashes so traces stay small and free of user content.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zen-systems/storyloom/pkg/adapter"
)

// RunRecord captures run-level metadata.
type RunRecord struct {
	RunID          string    `json:"run_id"`
	Pipeline       string    `json:"pipeline"`
	StartedAt      time.Time `json:"started_at"`
	InputHash      string    `json:"input_hash"`
	Status         string    `json:"status"`
	DurationMillis int64     `json:"duration_ms"`
	Error          string    `json:"error,omitempty"`
}

// StageRecord captures a single stage invocation.
type StageRecord struct {
	Stage          string         `json:"stage"`
	Persona        string         `json:"persona"`
	Adapter        string         `json:"adapter"`
	Model          string         `json:"model"`
	PromptHash     string         `json:"prompt_hash,omitempty"`
	OutputHash     string         `json:"output_hash,omitempty"`
	ArtifactHash   string         `json:"artifact_hash,omitempty"`
	DurationMillis int64          `json:"duration_ms"`
	Usage          *adapter.Usage `json:"usage,omitempty"`
}

// HashText returns the hex-encoded sha256 of a string.
func HashText(value string) string {
	h := sha256.Sum256([]byte(value))
	return hex.EncodeToString(h[:])
}

// Writer writes run traces to disk.
type Writer struct {
	baseDir string
	runDir  string
}

// NewWriter creates a trace writer rooted at baseDir/runID.
func NewWriter(baseDir, runID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(filepath.Join(runDir, "stages"), 0755); err != nil {
		return nil, err
	}

	return &Writer{baseDir: baseDir, runDir: runDir}, nil
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteRun writes run metadata to run.json.
func (w *Writer) WriteRun(record RunRecord) error {
	return writeJSON(filepath.Join(w.runDir, "run.json"), record)
}

// WriteStage writes a stage record to stages/<stage>.json.
func (w *Writer) WriteStage(record StageRecord) error {
	if record.Stage == "" {
		return fmt.Errorf("stage name is required")
	}
	path := filepath.Join(w.runDir, "stages", fmt.Sprintf("%s.json", record.Stage))
	return writeJSON(path, record)
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
