package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zen-systems/storyloom/pkg/schema"
)

const manifestYAML = `name: story
description: craft then approve
word_cap: 150
defaults:
  criteria: narrative
  temperature: 0.8
stages:
  - name: craft
    persona: storyteller
    inputs: [input]
    options:
      temperature: 0.9
    template: "Write a story about {{.input}}"
    schema:
      name: craft
      fields:
        - name: story
          kind: text
          required: true
  - name: approve
    persona: editor
    inputs: [input, craft]
    template: "Polish {{.craft}}"
    goal: true
    schema:
      name: approve
      fields:
        - name: story
          kind: text
          required: true
        - name: summary
          kind: text
          required: true
        - name: changes
          kind: list
`

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(manifestYAML), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	p, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}

	if p.Name != "story" || p.WordCap != 150 {
		t.Errorf("pipeline = %s cap=%d", p.Name, p.WordCap)
	}
	if p.Defaults.Criteria != "narrative" || p.Defaults.Temperature != 0.8 {
		t.Errorf("defaults = %+v", p.Defaults)
	}
	if len(p.Stages) != 2 {
		t.Fatalf("stages = %d, want 2", len(p.Stages))
	}

	craft := p.Stages[0]
	if craft.Persona != "storyteller" {
		t.Errorf("craft persona = %q", craft.Persona)
	}
	if craft.Options == nil || craft.Options.Temperature != 0.9 {
		t.Errorf("craft options = %+v", craft.Options)
	}
	if craft.Compose != nil {
		t.Error("manifest stage must use the default composition")
	}

	approve := p.Stages[1]
	if !approve.Goal {
		t.Error("approve stage not marked goal")
	}
	if len(approve.Inputs) != 2 || approve.Inputs[1] != "craft" {
		t.Errorf("approve inputs = %v", approve.Inputs)
	}
	changes, ok := approve.Schema.Field("changes")
	if !ok || changes.Kind != schema.KindList || changes.Required {
		t.Errorf("changes field = %+v", changes)
	}

	if err := p.Validate(); err != nil {
		t.Errorf("loaded manifest invalid: %v", err)
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	if _, err := LoadManifest(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("LoadManifest read a file that does not exist")
	}
}

func TestLoadManifestBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("stages: [:"), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("LoadManifest parsed malformed YAML")
	}
}
