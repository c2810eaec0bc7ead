// Package config loads the service configuration with koanf: a YAML file
// overridden by TURNS_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "TURNS_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Bus       BusConfig       `koanf:"bus"`
	Engine    EngineConfig    `koanf:"engine"`
	Model     ModelConfig     `koanf:"model"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Workflow  WorkflowConfig  `koanf:"workflow"`
	Agents    []AgentConfig   `koanf:"agents"`
	Actions   []ActionConfig  `koanf:"actions"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	Type string `koanf:"type"` // memory, sqlite, postgres
	DSN  string `koanf:"dsn"`
}

type BusConfig struct {
	Type         string        `koanf:"type"` // memory, sql
	BatchSize    int           `koanf:"batch_size"`
	PollInterval time.Duration `koanf:"poll_interval"`
	LeaseTimeout time.Duration `koanf:"lease_timeout"`
	MaxAttempts  int           `koanf:"max_attempts"`
}

type EngineConfig struct {
	Workers        int           `koanf:"workers"`
	QueueSize      int           `koanf:"queue_size"`
	HopTimeout     time.Duration `koanf:"hop_timeout"`
	MaxToolRounds  int           `koanf:"max_tool_rounds"`
	EnqueueRetries int           `koanf:"enqueue_retries"`
	SweepInterval  time.Duration `koanf:"sweep_interval"`
	StallAfter     time.Duration `koanf:"stall_after"`
}

type ModelConfig struct {
	BaseURL      string        `koanf:"base_url"`
	APIKey       string        `koanf:"api_key"`
	DefaultModel string        `koanf:"default_model"`
	SummaryModel string        `koanf:"summary_model"`
	MaxRetries   int           `koanf:"max_retries"`
	Timeout      time.Duration `koanf:"timeout"`
}

// WorkflowConfig controls outbound calls made by workflow actions.
type WorkflowConfig struct {
	Timeout      time.Duration     `koanf:"timeout"`
	Retries      int               `koanf:"retries"`
	AllowPrivate bool              `koanf:"allow_private"`
	Headers      map[string]string `koanf:"headers"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// AgentConfig is one agent and the capabilities it exposes.
type AgentConfig struct {
	DeveloperName     string             `koanf:"developer_name"`
	Model             string             `koanf:"model"`
	SystemPrompt      string             `koanf:"system_prompt"`
	WelcomeMessage    string             `koanf:"welcome_message"`
	TransientMessages bool               `koanf:"transient_messages"`
	Memory            MemoryConfig       `koanf:"memory"`
	Capabilities      []CapabilityConfig `koanf:"capabilities"`
}

type MemoryConfig struct {
	Strategy        string `koanf:"strategy"` // buffer_window, summary_buffer
	Window          int    `koanf:"window"`
	RetainTurns     int    `koanf:"retain_turns"`
	MaxBufferTokens int    `koanf:"max_buffer_tokens"`
}

type CapabilityConfig struct {
	FunctionName         string         `koanf:"function_name"`
	Description          string         `koanf:"description"`
	Action               string         `koanf:"action"`
	InputSchema          map[string]any `koanf:"input_schema"`
	BackendConfig        map[string]any `koanf:"backend_config"`
	PrerequisiteScope    string         `koanf:"prerequisite_scope"`
	Prerequisites        []string       `koanf:"prerequisites"`
	RequiresConfirmation bool           `koanf:"requires_confirmation"`
}

type ActionConfig struct {
	Name         string         `koanf:"name"`
	Kind         string         `koanf:"kind"` // native, custom_code, workflow
	Handler      string         `koanf:"handler"`
	InputSchema  map[string]any `koanf:"input_schema"`
	ConfigSchema map[string]any `koanf:"config_schema"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (a missing file is fine) and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load %s: %w", path, err)
			}
		}
	}

	// Environment variables override file config; "__" separates levels.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Model.APIKey = substituteEnvVars(cfg.Model.APIKey)
	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":            8080,
		"server.request_timeout": "30s",
		"storage.type":           "sqlite",
		"storage.dsn":            "turns.db",
		"bus.type":               "sql",
		"bus.batch_size":         10,
		"bus.poll_interval":      "250ms",
		"bus.lease_timeout":      "2m",
		"bus.max_attempts":       5,
		"engine.workers":         8,
		"engine.queue_size":      64,
		"engine.hop_timeout":     "60s",
		"engine.max_tool_rounds": 10,
		"engine.enqueue_retries": 3,
		"engine.sweep_interval":  "30s",
		"engine.stall_after":     "5m",
		"model.base_url":         "https://api.openai.com/v1",
		"model.default_model":    "gpt-4o-mini",
		"model.max_retries":      3,
		"model.timeout":          "60s",
		"telemetry.service_name": "turn-engine",
		"workflow.timeout":       "30s",
		"workflow.retries":       2,
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}

// Validate checks the agent catalog for structural errors. Cross references
// between capabilities and actions are checked by the capability registry.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, a := range c.Agents {
		if a.DeveloperName == "" {
			return fmt.Errorf("agent without developer_name")
		}
		if seen[a.DeveloperName] {
			return fmt.Errorf("duplicate agent %q", a.DeveloperName)
		}
		seen[a.DeveloperName] = true
	}

	actions := make(map[string]bool)
	for _, a := range c.Actions {
		if a.Name == "" {
			return fmt.Errorf("action without name")
		}
		if actions[a.Name] {
			return fmt.Errorf("duplicate action %q", a.Name)
		}
		actions[a.Name] = true
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
