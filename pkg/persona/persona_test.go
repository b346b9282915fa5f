package persona

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSystemPromptDeterministic(t *testing.T) {
	p := Persona{
		Name:        "storyteller",
		Description: "a fiction writer who crafts short stories",
		Role:        "author",
		Voice:       "vivid, concrete, warm",
		Objective:   "deliver a complete story with a beginning, middle, and end",
	}

	first := p.SystemPrompt()
	second := p.SystemPrompt()
	if first != second {
		t.Fatalf("SystemPrompt not deterministic:\n%q\n%q", first, second)
	}
	for _, want := range []string{"storyteller", "fiction writer", "Voice:", "Objective:"} {
		if !strings.Contains(first, want) {
			t.Errorf("SystemPrompt missing %q:\n%s", want, first)
		}
	}
}

func TestSystemPromptSkipsEmptyDescriptors(t *testing.T) {
	p := Persona{Name: "narrator", Description: "a spare presenter of facts"}
	got := p.SystemPrompt()
	if strings.Contains(got, "Voice:") || strings.Contains(got, "Objective:") || strings.Contains(got, "Role:") {
		t.Errorf("SystemPrompt includes empty descriptors:\n%s", got)
	}
}

func TestRegistryLookup(t *testing.T) {
	reg, err := NewRegistry(
		Persona{Name: "storyteller", Description: "writes stories"},
		Persona{Name: "critic", Description: "reviews stories"},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	p, err := reg.Get("storyteller")
	if err != nil {
		t.Fatalf("Get(storyteller): %v", err)
	}
	if p.Name != "storyteller" {
		t.Errorf("Get(storyteller).Name = %q", p.Name)
	}

	if _, err := reg.Get("CRITIC"); err != nil {
		t.Errorf("Get(CRITIC): %v, want case-insensitive hit", err)
	}

	if _, err := reg.Get("ghost"); err == nil {
		t.Error("Get(ghost) = nil error, want persona not found")
	} else if !strings.Contains(err.Error(), "persona not found") {
		t.Errorf("Get(ghost) = %v, want persona not found", err)
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "critic" || names[1] != "storyteller" {
		t.Errorf("Names() = %v, want [critic storyteller]", names)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(
		Persona{Name: "critic", Description: "reviews stories"},
		Persona{Name: "Critic", Description: "a different critic"},
	)
	if err == nil {
		t.Fatal("NewRegistry accepted duplicate names")
	}
}

func TestRegistryRejectsInvalid(t *testing.T) {
	if _, err := NewRegistry(Persona{Name: "", Description: "x"}); err == nil {
		t.Error("NewRegistry accepted empty name")
	}
	if _, err := NewRegistry(Persona{Name: "x", Description: ""}); err == nil {
		t.Error("NewRegistry accepted empty description")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "personas.yaml")
	data := `personas:
  - name: archivist
    description: catalogs prior artifacts
    voice: precise
  - name: herald
    description: announces results
    objective: summarize in one line
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	personas, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(personas) != 2 {
		t.Fatalf("Load returned %d personas, want 2", len(personas))
	}
	if personas[0].Name != "archivist" || personas[0].Voice != "precise" {
		t.Errorf("personas[0] = %+v", personas[0])
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load(missing) = nil error")
	}

	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, []byte("personas: []\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(empty); err == nil {
		t.Error("Load(empty) = nil error, want no personas defined")
	}
}
