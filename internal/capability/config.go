package capability

import (
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/pkg/config"
)

// FromConfig builds a registry from the agent and action sections.
func FromConfig(cfg *config.Config) (*Registry, error) {
	r := &Registry{}
	if err := r.Reload(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the catalog with the one described by cfg.
func (r *Registry) Reload(cfg *config.Config) error {
	agents, actions, bindings, err := convert(cfg)
	if err != nil {
		return err
	}
	return r.Replace(agents, actions, bindings)
}

func convert(cfg *config.Config) ([]domain.Agent, []domain.ActionDefinition, []domain.CapabilityBinding, error) {
	var (
		agents   []domain.Agent
		actions  []domain.ActionDefinition
		bindings []domain.CapabilityBinding
	)

	for _, a := range cfg.Actions {
		input, err := schemaJSON(a.InputSchema)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("action %q input_schema: %w", a.Name, err)
		}
		conf, err := schemaJSON(a.ConfigSchema)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("action %q config_schema: %w", a.Name, err)
		}
		actions = append(actions, domain.ActionDefinition{
			Name:               a.Name,
			ImplementationKind: domain.ImplementationKind(a.Kind),
			Handler:            a.Handler,
			InputSchema:        input,
			ConfigSchema:       conf,
		})
	}

	for _, a := range cfg.Agents {
		model := a.Model
		if model == "" {
			model = cfg.Model.DefaultModel
		}
		agents = append(agents, domain.Agent{
			DeveloperName:            a.DeveloperName,
			Model:                    model,
			SystemPrompt:             a.SystemPrompt,
			WelcomeMessage:           a.WelcomeMessage,
			TransientMessagesEnabled: a.TransientMessages,
			Memory: domain.MemoryConfig{
				Strategy:        domain.MemoryStrategy(a.Memory.Strategy),
				Window:          a.Memory.Window,
				RetainTurns:     a.Memory.RetainTurns,
				MaxBufferTokens: a.Memory.MaxBufferTokens,
			},
		})

		for _, c := range a.Capabilities {
			input, err := schemaJSON(c.InputSchema)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("capability %q input_schema: %w", c.FunctionName, err)
			}
			backend, err := schemaJSON(c.BackendConfig)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("capability %q backend_config: %w", c.FunctionName, err)
			}
			bindings = append(bindings, domain.CapabilityBinding{
				AgentID:              a.DeveloperName,
				FunctionName:         c.FunctionName,
				Description:          c.Description,
				ActionName:           c.Action,
				InputSchema:          input,
				BackendConfig:        backend,
				PrerequisiteScope:    domain.PrerequisiteScope(c.PrerequisiteScope),
				Prerequisites:        c.Prerequisites,
				RequiresConfirmation: c.RequiresConfirmation,
			})
		}
	}

	return agents, actions, bindings, nil
}

func schemaJSON(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}
