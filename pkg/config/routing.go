package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RoutingConfig maps stage selection criteria to adapter/model targets.
type RoutingConfig struct {
	TaskTypes map[string]TaskType `yaml:"task_types"`
	Default   RouteTarget         `yaml:"default"`
}

// TaskType defines a category of stage work with routing rules.
type TaskType struct {
	Triggers []string `yaml:"triggers"`
	Adapter  string   `yaml:"adapter"`
	Model    string   `yaml:"model"`
}

// RouteTarget specifies an adapter and model combination.
type RouteTarget struct {
	Adapter string `yaml:"adapter"`
	Model   string `yaml:"model"`
}

// LoadRoutingConfig reads routing configuration from a YAML file.
func LoadRoutingConfig(path string) (*RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg RoutingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *RoutingConfig) Validate() error {
	for name, tt := range c.TaskTypes {
		if tt.Adapter == "" || tt.Model == "" {
			return fmt.Errorf("task type %q: adapter and model required", name)
		}
		if len(tt.Triggers) == 0 {
			return fmt.Errorf("task type %q: at least one trigger required", name)
		}
	}
	if c.Default.Adapter == "" || c.Default.Model == "" {
		return fmt.Errorf("default route: adapter and model required")
	}
	return nil
}

// DefaultRoutingConfig returns the default routing configuration.
func DefaultRoutingConfig() *RoutingConfig {
	return &RoutingConfig{
		TaskTypes: map[string]TaskType{
			"narrative": {
				Triggers: []string{"narrative", "story", "tale", "fiction", "draft", "write"},
				Adapter:  "anthropic",
				Model:    "claude-sonnet-4-20250514",
			},
			"critique": {
				Triggers: []string{"critique", "review", "feedback", "assess", "evaluate"},
				Adapter:  "openai",
				Model:    "gpt-5.2-thinking",
			},
			"editorial": {
				Triggers: []string{"editorial", "edit", "polish", "revise", "final pass"},
				Adapter:  "anthropic",
				Model:    "claude-opus-4-20250514",
			},
			"summarize": {
				Triggers: []string{"summarize", "synopsis", "tldr", "condense"},
				Adapter:  "openai",
				Model:    "gpt-5.2-instant",
			},
			"research": {
				Triggers: []string{"research", "background", "facts", "look up"},
				Adapter:  "google",
				Model:    "gemini-2.0-pro",
			},
			"reasoning": {
				Triggers: []string{"reason", "think through", "step by step", "deduce"},
				Adapter:  "deepseek",
				Model:    "deepseek-reasoner",
			},
			"bulk": {
				Triggers: []string{"bulk", "batch", "variations"},
				Adapter:  "deepseek",
				Model:    "deepseek-chat",
			},
		},
		Default: RouteTarget{
			Adapter: "anthropic",
			Model:   "claude-sonnet-4-20250514",
		},
	}
}
