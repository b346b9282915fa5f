package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/storyloom/pkg/prompt"
)

// Config holds the application configuration.
type Config struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
	DeepSeekAPIKey  string
	Defaults        Defaults
	Routing         *RoutingConfig
	Aliases         *ModelAliases
	ConfigDir       string
}

// Defaults are the run-level knobs every pipeline starts from. WordCap
// bounds raw user input; WordTarget is the length stages aim for.
type Defaults struct {
	WordCap      int
	WordTarget   int
	Criteria     string
	Temperature  float64
	MaxTokens    int
	StageTimeout time.Duration
}

// DefaultDefaults returns the built-in run defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		WordCap:      prompt.DefaultWordCap,
		WordTarget:   prompt.DefaultWordCap,
		Temperature:  0.7,
		MaxTokens:    4096,
		StageTimeout: 2 * time.Minute,
	}
}

func (d Defaults) Validate() error {
	if d.WordCap < 0 {
		return fmt.Errorf("word_cap must not be negative")
	}
	if d.WordTarget < 0 {
		return fmt.Errorf("word_target must not be negative")
	}
	if d.Temperature < 0 || d.Temperature > 2 {
		return fmt.Errorf("temperature %.2f out of range [0, 2]", d.Temperature)
	}
	if d.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}
	return nil
}

// FileConfig represents the structure of ~/.storyloom/config.yaml
type FileConfig struct {
	APIKeys  APIKeysConfig `yaml:"api_keys"`
	Defaults FileDefaults  `yaml:"defaults"`
}

// APIKeysConfig holds API key configuration from file.
type APIKeysConfig struct {
	Anthropic string `yaml:"anthropic"`
	OpenAI    string `yaml:"openai"`
	Google    string `yaml:"google"`
	DeepSeek  string `yaml:"deepseek"`
}

// FileDefaults holds run defaults from file. Zero values defer to the
// built-in defaults.
type FileDefaults struct {
	WordCap             int     `yaml:"word_cap"`
	WordTarget          int     `yaml:"word_target"`
	Criteria            string  `yaml:"criteria"`
	Temperature         float64 `yaml:"temperature"`
	MaxTokens           int     `yaml:"max_tokens"`
	StageTimeoutSeconds int     `yaml:"stage_timeout_seconds"`
}

// Load reads configuration from config files and environment variables.
// Environment variables take precedence over file configuration.
func Load() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	fileConfig := loadFileConfig(filepath.Join(configDir, "config.yaml"))

	cfg := &Config{
		AnthropicAPIKey: getEnvOrDefault("ANTHROPIC_API_KEY", fileConfig.APIKeys.Anthropic),
		OpenAIAPIKey:    getEnvOrDefault("OPENAI_API_KEY", fileConfig.APIKeys.OpenAI),
		GoogleAPIKey:    getEnvOrDefault("GOOGLE_API_KEY", fileConfig.APIKeys.Google),
		DeepSeekAPIKey:  getEnvOrDefault("DEEPSEEK_API_KEY", fileConfig.APIKeys.DeepSeek),
		Defaults:        mergeDefaults(fileConfig.Defaults),
		ConfigDir:       configDir,
	}
	if err := cfg.Defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid defaults: %w", err)
	}

	routingPath := filepath.Join(configDir, "routing.yaml")
	if _, err := os.Stat(routingPath); err == nil {
		routing, err := LoadRoutingConfig(routingPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load routing config: %w", err)
		}
		cfg.Routing = routing
	} else {
		cfg.Routing = DefaultRoutingConfig()
	}

	cfg.Aliases, err = LoadAliasesWithFallback("")
	if err != nil {
		cfg.Aliases = DefaultAliases()
	}

	return cfg, nil
}

// LoadWithRoutingFile loads config with a specific routing file.
func LoadWithRoutingFile(routingPath string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	routing, err := LoadRoutingConfig(routingPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load routing config from %s: %w", routingPath, err)
	}
	cfg.Routing = routing

	return cfg, nil
}

// HasAdapter returns true if the API key for the given adapter is configured.
func (c *Config) HasAdapter(name string) bool {
	switch name {
	case "anthropic":
		return c.AnthropicAPIKey != ""
	case "openai":
		return c.OpenAIAPIKey != ""
	case "google":
		return c.GoogleAPIKey != ""
	case "deepseek":
		return c.DeepSeekAPIKey != ""
	default:
		return false
	}
}

// mergeDefaults overlays file values onto the built-in defaults.
func mergeDefaults(fd FileDefaults) Defaults {
	d := DefaultDefaults()
	if fd.WordCap > 0 {
		d.WordCap = fd.WordCap
	}
	if fd.WordTarget > 0 {
		d.WordTarget = fd.WordTarget
	}
	if fd.Criteria != "" {
		d.Criteria = fd.Criteria
	}
	if fd.Temperature > 0 {
		d.Temperature = fd.Temperature
	}
	if fd.MaxTokens > 0 {
		d.MaxTokens = fd.MaxTokens
	}
	if fd.StageTimeoutSeconds > 0 {
		d.StageTimeout = time.Duration(fd.StageTimeoutSeconds) * time.Second
	}
	return d
}

// loadFileConfig reads the config file, returning empty config if not found.
func loadFileConfig(path string) *FileConfig {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg // Return empty config if file doesn't exist
	}

	_ = yaml.Unmarshal(data, cfg) // Ignore parse errors, use defaults
	return cfg
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".storyloom")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}
	return configDir, nil
}
