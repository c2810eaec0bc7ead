// Package capability resolves model-requested function names to the
// actions that implement them, per agent.
package capability

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

type catalog struct {
	agents   map[string]*domain.Agent
	actions  map[string]domain.ActionDefinition
	bindings map[string]map[string]domain.CapabilityBinding
	// order keeps each agent's function names in declaration order so the
	// tool list sent to the model is stable.
	order map[string][]string
}

// Registry is the read side of agent configuration. It is safe for
// concurrent use and can be swapped wholesale on config reload.
type Registry struct {
	mu  sync.RWMutex
	cat *catalog
}

// New creates a registry from explicit definitions.
func New(agents []domain.Agent, actions []domain.ActionDefinition, bindings []domain.CapabilityBinding) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(agents, actions, bindings); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace validates and installs a new catalog. On error the previous
// catalog stays active.
func (r *Registry) Replace(agents []domain.Agent, actions []domain.ActionDefinition, bindings []domain.CapabilityBinding) error {
	cat, err := build(agents, actions, bindings)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cat = cat
	r.mu.Unlock()
	return nil
}

func build(agents []domain.Agent, actions []domain.ActionDefinition, bindings []domain.CapabilityBinding) (*catalog, error) {
	cat := &catalog{
		agents:   make(map[string]*domain.Agent, len(agents)),
		actions:  make(map[string]domain.ActionDefinition, len(actions)),
		bindings: make(map[string]map[string]domain.CapabilityBinding),
		order:    make(map[string][]string),
	}

	for i := range agents {
		a := agents[i]
		if a.Memory.Strategy == "" {
			a.Memory.Strategy = domain.MemoryBufferWindow
		}
		if a.Memory.Strategy == domain.MemoryBufferWindow && a.Memory.Window <= 0 {
			a.Memory.Window = 10
		}
		if a.Memory.Strategy == domain.MemorySummaryBuffer {
			if a.Memory.RetainTurns <= 0 {
				a.Memory.RetainTurns = 3
			}
			if a.Memory.MaxBufferTokens <= 0 {
				a.Memory.MaxBufferTokens = 2000
			}
		}
		cat.agents[a.DeveloperName] = &a
	}

	for _, act := range actions {
		switch act.ImplementationKind {
		case domain.KindNative, domain.KindCustomCode, domain.KindWorkflow:
		default:
			return nil, fmt.Errorf("action %q: unknown implementation kind %q", act.Name, act.ImplementationKind)
		}
		for name, schema := range map[string]json.RawMessage{"input_schema": act.InputSchema, "config_schema": act.ConfigSchema} {
			if len(schema) > 0 && !json.Valid(schema) {
				return nil, fmt.Errorf("action %q: %s is not valid JSON", act.Name, name)
			}
		}
		cat.actions[act.Name] = act
	}

	for _, b := range bindings {
		if _, ok := cat.agents[b.AgentID]; !ok {
			return nil, fmt.Errorf("capability %q: unknown agent %q", b.FunctionName, b.AgentID)
		}
		if _, ok := cat.actions[b.ActionName]; !ok {
			return nil, fmt.Errorf("capability %q: unknown action %q", b.FunctionName, b.ActionName)
		}
		if b.PrerequisiteScope == "" {
			b.PrerequisiteScope = domain.ScopeCurrentTurnOnly
		}
		if b.PrerequisiteScope != domain.ScopeCurrentTurnOnly && b.PrerequisiteScope != domain.ScopeEntireSession {
			return nil, fmt.Errorf("capability %q: unknown prerequisite scope %q", b.FunctionName, b.PrerequisiteScope)
		}
		byName := cat.bindings[b.AgentID]
		if byName == nil {
			byName = make(map[string]domain.CapabilityBinding)
			cat.bindings[b.AgentID] = byName
		}
		if _, dup := byName[b.FunctionName]; dup {
			return nil, fmt.Errorf("capability %q declared twice for agent %q", b.FunctionName, b.AgentID)
		}
		byName[b.FunctionName] = b
		cat.order[b.AgentID] = append(cat.order[b.AgentID], b.FunctionName)
	}

	for agentID, byName := range cat.bindings {
		for _, b := range byName {
			for _, p := range b.Prerequisites {
				if _, ok := byName[p]; !ok {
					return nil, fmt.Errorf("capability %q: prerequisite %q is not a capability of agent %q", b.FunctionName, p, agentID)
				}
			}
		}
	}

	return cat, nil
}

func (r *Registry) snapshot() *catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cat
}

// Agent returns the configuration of an agent.
func (r *Registry) Agent(name string) (*domain.Agent, error) {
	a, ok := r.snapshot().agents[name]
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("agent %q not found", name))
	}
	c := *a
	return &c, nil
}

// Resolve maps a function name requested by the model to its binding and
// action.
func (r *Registry) Resolve(agentID, functionName string) (*domain.Resolved, error) {
	cat := r.snapshot()
	b, ok := cat.bindings[agentID][functionName]
	if !ok {
		return nil, domain.NewError(domain.KindUnresolved, fmt.Sprintf("agent %q has no capability %q", agentID, functionName))
	}
	return &domain.Resolved{Binding: b, Action: cat.actions[b.ActionName]}, nil
}

// Tools lists an agent's capabilities as model tool specs.
func (r *Registry) Tools(agentID string) []ports.ToolSpec {
	cat := r.snapshot()
	names := cat.order[agentID]
	specs := make([]ports.ToolSpec, 0, len(names))
	for _, name := range names {
		b := cat.bindings[agentID][name]
		res := domain.Resolved{Binding: b, Action: cat.actions[b.ActionName]}
		params := res.Schema()
		if len(params) == 0 {
			params = emptyObjectSchema
		}
		specs = append(specs, ports.ToolSpec{Name: name, Description: b.Description, Parameters: params})
	}
	return specs
}
