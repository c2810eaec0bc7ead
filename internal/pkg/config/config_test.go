package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Port != 8080 {
			t.Errorf("Load() port = %v, want 8080", cfg.Server.Port)
		}
		if cfg.Engine.MaxToolRounds != 10 {
			t.Errorf("MaxToolRounds = %v, want 10", cfg.Engine.MaxToolRounds)
		}
		if cfg.Engine.HopTimeout != 60*time.Second {
			t.Errorf("HopTimeout = %v, want 60s", cfg.Engine.HopTimeout)
		}
	})

	t.Run("env var override", func(t *testing.T) {
		t.Setenv("TURNS_SERVER__PORT", "9000")
		t.Setenv("TURNS_ENGINE__MAX_TOOL_ROUNDS", "4")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Port != 9000 {
			t.Errorf("Load() port = %v, want 9000", cfg.Server.Port)
		}
		if cfg.Engine.MaxToolRounds != 4 {
			t.Errorf("MaxToolRounds = %v, want 4", cfg.Engine.MaxToolRounds)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
			t.Errorf("Load() error = %v, want nil", err)
		}
	})
}

func TestLoadAgents(t *testing.T) {
	t.Setenv("TEST_MODEL_KEY", "sk-test")

	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
model:
  api_key: ${TEST_MODEL_KEY}
agents:
  - developer_name: support
    welcome_message: Hi, how can I help?
    transient_messages: true
    memory:
      strategy: buffer_window
      window: 6
    capabilities:
      - function_name: lookup_order
        action: order_lookup
        prerequisite_scope: entire_session
        prerequisites: [verify_identity]
        input_schema:
          type: object
          required: [order_id]
actions:
  - name: order_lookup
    kind: workflow
    handler: http://localhost:9999/orders
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model.APIKey != "sk-test" {
		t.Errorf("APIKey = %q, want sk-test", cfg.Model.APIKey)
	}
	if len(cfg.Agents) != 1 {
		t.Fatalf("len(Agents) = %d, want 1", len(cfg.Agents))
	}
	agent := cfg.Agents[0]
	if agent.Memory.Window != 6 || !agent.TransientMessages {
		t.Errorf("agent = %+v, want window 6 with transient messages", agent)
	}
	if len(agent.Capabilities) != 1 || agent.Capabilities[0].Prerequisites[0] != "verify_identity" {
		t.Errorf("capabilities = %+v", agent.Capabilities)
	}
	if agent.Capabilities[0].InputSchema["type"] != "object" {
		t.Errorf("input_schema = %v, want object schema", agent.Capabilities[0].InputSchema)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{Agents: []AgentConfig{{DeveloperName: "a"}, {DeveloperName: "a"}}}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() error = nil, want duplicate agent error")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple substitution", input: "${TEST_VAR}", want: "test-value"},
		{name: "substitution in string", input: "prefix-${TEST_VAR}-suffix", want: "prefix-test-value-suffix"},
		{name: "no substitution", input: "plain-string", want: "plain-string"},
		{name: "undefined var", input: "${UNDEFINED_VAR}", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}
