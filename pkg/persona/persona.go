package persona

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona scopes a model invocation: its system prompt fixes the role,
// voice, and objective the model speaks with for one pipeline stage.
type Persona struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Role        string `yaml:"role,omitempty" json:"role,omitempty"`
	Voice       string `yaml:"voice,omitempty" json:"voice,omitempty"`
	Objective   string `yaml:"objective,omitempty" json:"objective,omitempty"`
}

func (p Persona) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("persona name required")
	}
	if strings.TrimSpace(p.Description) == "" {
		return fmt.Errorf("persona %q: description required", p.Name)
	}
	return nil
}

// SystemPrompt renders the persona into the system text sent with every
// invocation it scopes. The same persona always yields the same text.
func (p Persona) SystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are ")
	sb.WriteString(p.Name)
	sb.WriteString(": ")
	sb.WriteString(strings.TrimSpace(p.Description))
	if role := strings.TrimSpace(p.Role); role != "" {
		sb.WriteString("\nRole: ")
		sb.WriteString(role)
	}
	if voice := strings.TrimSpace(p.Voice); voice != "" {
		sb.WriteString("\nVoice: ")
		sb.WriteString(voice)
	}
	if objective := strings.TrimSpace(p.Objective); objective != "" {
		sb.WriteString("\nObjective: ")
		sb.WriteString(objective)
	}
	return sb.String()
}

type personaFile struct {
	Personas []Persona `yaml:"personas"`
}

// Load reads persona definitions from a yaml file.
func Load(path string) ([]Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personas: %w", err)
	}
	var file personaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse personas: %w", err)
	}
	if len(file.Personas) == 0 {
		return nil, fmt.Errorf("no personas defined in %s", path)
	}
	return file.Personas, nil
}
