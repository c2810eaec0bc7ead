package action

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
)

// Outcome is the uniform result of every action implementation.
type Outcome struct {
	Result  json.RawMessage
	Success bool
	Error   string
}

// Failed builds a failed outcome.
func Failed(format string, args ...any) Outcome {
	return Outcome{Error: fmt.Sprintf(format, args...)}
}

// Succeeded builds a successful outcome from any JSON-encodable value.
func Succeeded(v any) Outcome {
	raw, err := json.Marshal(v)
	if err != nil {
		return Failed("encode result: %v", err)
	}
	return Outcome{Result: raw, Success: true}
}

// Func is the single calling convention shared by all implementation kinds.
type Func func(ctx context.Context, args, config json.RawMessage) Outcome

// Implementations selects the Func for an action by its implementation kind.
type Implementations struct {
	mu       sync.RWMutex
	native   map[string]Func
	custom   map[string]Func
	workflow *WorkflowInvoker
}

// NewImplementations registers the built-in native handlers. workflow may
// be nil, in which case workflow actions fail to resolve.
func NewImplementations(workflow *WorkflowInvoker) *Implementations {
	impls := &Implementations{
		native:   make(map[string]Func),
		custom:   make(map[string]Func),
		workflow: workflow,
	}
	for name, fn := range builtins() {
		impls.native[name] = fn
	}
	return impls
}

// RegisterCustom installs a custom-code handler under name.
func (i *Implementations) RegisterCustom(name string, fn Func) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.custom[name] = fn
}

// Lookup returns the Func that runs def.
func (i *Implementations) Lookup(def domain.ActionDefinition) (Func, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	switch def.ImplementationKind {
	case domain.KindNative:
		if fn, ok := i.native[def.Handler]; ok {
			return fn, nil
		}
		return nil, fmt.Errorf("no native handler %q", def.Handler)
	case domain.KindCustomCode:
		if fn, ok := i.custom[def.Handler]; ok {
			return fn, nil
		}
		return nil, fmt.Errorf("no custom handler %q", def.Handler)
	case domain.KindWorkflow:
		if i.workflow == nil {
			return nil, fmt.Errorf("workflow actions are not configured")
		}
		endpoint := def.Handler
		return func(ctx context.Context, args, config json.RawMessage) Outcome {
			return i.workflow.Invoke(ctx, endpoint, args, config)
		}, nil
	default:
		return nil, fmt.Errorf("unknown implementation kind %q", def.ImplementationKind)
	}
}
