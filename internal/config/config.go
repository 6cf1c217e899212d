// Package config provides centralized configuration management using Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Retry holds the retry policy knobs.
type Retry struct {
	MaxAttempts    int `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelayMS int `mapstructure:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMS     int `mapstructure:"max_delay_ms" yaml:"max_delay_ms"`
}

// Config holds all configuration values for ralph.
type Config struct {
	Agent            string `mapstructure:"agent" yaml:"agent"`
	Tracker          string `mapstructure:"tracker" yaml:"tracker"`
	Model            string `mapstructure:"model" yaml:"model"`
	Epic             string `mapstructure:"epic" yaml:"epic"`
	PRDPath          string `mapstructure:"prd_path" yaml:"prd_path"`
	MaxIterations    int    `mapstructure:"max_iterations" yaml:"max_iterations"`
	IterationDelayMS int    `mapstructure:"iteration_delay_ms" yaml:"iteration_delay_ms"`
	AgentTimeoutMS   int    `mapstructure:"agent_timeout_ms" yaml:"agent_timeout_ms"`
	Retry            Retry  `mapstructure:"retry" yaml:"retry"`
	LogLevel         string `mapstructure:"log_level" yaml:"log_level"`
	LogFile          string `mapstructure:"log_file" yaml:"log_file"`
	Headless         bool   `mapstructure:"headless" yaml:"headless"`
}

// Load loads configuration with precedence:
// ENV vars > project config > XDG global config > defaults.
// CLI flags are not read here; callers overlay them on the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("ralph")

	// Set defaults (agent and tracker have no default - they are required)
	v.SetDefault("model", "")
	v.SetDefault("epic", "")
	v.SetDefault("prd_path", "")
	v.SetDefault("max_iterations", 0)
	v.SetDefault("iteration_delay_ms", 0)
	v.SetDefault("agent_timeout_ms", 0)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 60000)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("headless", false)

	// Setup ENV binding with RALPH_ prefix
	v.SetEnvPrefix("RALPH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Explicit ENV bindings for better bool/int parsing
	bindings := map[string]string{
		"agent":                  "RALPH_AGENT",
		"tracker":                "RALPH_TRACKER",
		"model":                  "RALPH_MODEL",
		"epic":                   "RALPH_EPIC",
		"prd_path":               "RALPH_PRD_PATH",
		"max_iterations":         "RALPH_MAX_ITERATIONS",
		"iteration_delay_ms":     "RALPH_ITERATION_DELAY_MS",
		"agent_timeout_ms":       "RALPH_AGENT_TIMEOUT_MS",
		"retry.max_attempts":     "RALPH_RETRY_MAX_ATTEMPTS",
		"retry.initial_delay_ms": "RALPH_RETRY_INITIAL_DELAY_MS",
		"retry.max_delay_ms":     "RALPH_RETRY_MAX_DELAY_MS",
		"log_level":              "RALPH_LOG_LEVEL",
		"log_file":               "RALPH_LOG_FILE",
		"headless":               "RALPH_HEADLESS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s env: %w", key, err)
		}
	}

	// Load global config first (if exists)
	globalPath := GlobalPath()
	if fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading global config: %w", err)
		}
	}

	// Merge project config on top (if exists)
	projectPath := ProjectPath()
	if fileExists(projectPath) {
		v.SetConfigFile(projectPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Exists returns true if any config file exists (global or project).
func Exists() bool {
	return fileExists(GlobalPath()) || fileExists(ProjectPath())
}

// GlobalPath returns the XDG global config path.
// Returns ~/.config/ralph/ralph.yml or $XDG_CONFIG_HOME/ralph/ralph.yml.
func GlobalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ralph", "ralph.yml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ralph", "ralph.yml")
}

// ProjectPath returns the project-local config path.
// Returns ./ralph.yml in the current working directory.
func ProjectPath() string {
	return "ralph.yml"
}

// WriteGlobal writes the config to the XDG global location.
func WriteGlobal(cfg *Config) error {
	path := GlobalPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// WriteProject writes the config to the project-local location.
func WriteProject(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(ProjectPath(), data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// fileExists checks if a file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Validate checks that required fields are set before a run starts.
func (c *Config) Validate() error {
	if c.Agent == "" {
		return fmt.Errorf("agent plugin is required (set agent in ralph.yml or RALPH_AGENT)")
	}
	if c.Tracker == "" {
		return fmt.Errorf("tracker plugin is required (set tracker in ralph.yml or RALPH_TRACKER)")
	}
	return nil
}
