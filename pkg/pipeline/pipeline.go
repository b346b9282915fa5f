// Package pipeline orchestrates staged model invocations. A pipeline is a
// finite ordered sequence of named stages; each stage composes a prompt
// from the artifacts of earlier stages, invokes a persona-scoped model,
// and parses the response into a typed artifact. Exactly one stage is
// marked as the goal; its artifact is the run's terminal result.
package pipeline

import (
	"fmt"
	"time"

	"github.com/zen-systems/storyloom/pkg/prompt"
	"github.com/zen-systems/storyloom/pkg/schema"
)

// InputKey names the original user input as a stage dependency.
const InputKey = "input"

// UserInput is the free-text request a run starts from.
type UserInput struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewInput wraps raw user text with a creation timestamp.
func NewInput(content string) UserInput {
	return UserInput{Content: content, CreatedAt: time.Now().UTC()}
}

// Options carries invocation knobs for a stage. Zero values fall back to
// the pipeline defaults, then the runner defaults.
type Options struct {
	Criteria    string  `yaml:"criteria,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
}

func (o *Options) validate() error {
	if o == nil {
		return nil
	}
	if o.Temperature < 0 || o.Temperature > 2 {
		return fmt.Errorf("temperature %.2f out of range [0, 2]", o.Temperature)
	}
	return nil
}

// ComposeFunc maps a stage's gathered inputs to template placeholder
// values. A nil Compose on a stage uses the default composition, which
// binds the capped user text to "input", the configured word target to
// "word_target", and each declared predecessor's content to its stage
// name.
type ComposeFunc func(Inputs) (prompt.Vars, error)

// Stage is a single model invocation in a pipeline.
type Stage struct {
	Name     string        `yaml:"name"`
	Persona  string        `yaml:"persona"`
	Inputs   []string      `yaml:"inputs,omitempty"`
	Options  *Options      `yaml:"options,omitempty"`
	Template string        `yaml:"template"`
	Compose  ComposeFunc   `yaml:"-"`
	Schema   schema.Schema `yaml:"schema"`
	Goal     bool          `yaml:"goal,omitempty"`
}

// Pipeline is an ordered sequence of stages ending in a goal stage.
type Pipeline struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	WordCap     int      `yaml:"word_cap,omitempty"`
	Defaults    Options  `yaml:"defaults,omitempty"`
	Stages      []*Stage `yaml:"stages"`
}

// Validate checks the pipeline definition for construction bugs. Stage
// inputs must name InputKey or an earlier stage; a reference to a later
// or unknown stage is reported as a MissingDependencyError before any
// model is invoked.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline must define at least one stage")
	}
	if p.WordCap < 0 {
		return fmt.Errorf("word cap must not be negative")
	}
	if err := p.Defaults.validate(); err != nil {
		return fmt.Errorf("pipeline defaults: %w", err)
	}

	goals := 0
	seen := make(map[string]struct{})
	for i, stage := range p.Stages {
		if stage.Name == "" {
			return fmt.Errorf("stage name is required")
		}
		if _, ok := seen[stage.Name]; ok {
			return fmt.Errorf("duplicate stage name: %s", stage.Name)
		}
		if stage.Persona == "" {
			return fmt.Errorf("stage %s must name a persona", stage.Name)
		}
		if stage.Template == "" {
			return fmt.Errorf("stage %s must have a template", stage.Name)
		}
		if err := stage.Schema.Validate(); err != nil {
			return fmt.Errorf("stage %s schema: %w", stage.Name, err)
		}
		if err := stage.Options.validate(); err != nil {
			return fmt.Errorf("stage %s options: %w", stage.Name, err)
		}

		for _, dep := range stage.Inputs {
			if dep == InputKey {
				continue
			}
			if !producedBefore(p.Stages[:i], dep) {
				return &MissingDependencyError{Stage: stage.Name, Dependency: dep}
			}
		}

		if stage.Goal {
			goals++
		}
		seen[stage.Name] = struct{}{}
	}

	if goals != 1 {
		return fmt.Errorf("pipeline must mark exactly one goal stage, found %d", goals)
	}
	return nil
}

// GoalStage returns the stage marked as the goal, or nil.
func (p *Pipeline) GoalStage() *Stage {
	for _, stage := range p.Stages {
		if stage.Goal {
			return stage
		}
	}
	return nil
}

func producedBefore(earlier []*Stage, name string) bool {
	for _, s := range earlier {
		if s.Name == name {
			return true
		}
	}
	return false
}
