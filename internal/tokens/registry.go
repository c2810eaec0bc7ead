// Package tokens counts prompt tokens for memory budgeting.
package tokens

import (
	"strings"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
)

// Counter counts the prompt tokens of a message list.
type Counter interface {
	CountMessages(model string, msgs []ports.ModelMessage) int
	SupportsModel(model string) bool
}

// Registry picks a counter per model.
// It supports:
// 1. Registered Counter implementations (like tiktoken for OpenAI)
// 2. A fallback estimator for unknown models
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry creates a registry with the tiktoken counter registered and
// the character estimator as fallback.
func NewRegistry() *Registry {
	r := &Registry{fallback: NewEstimator()}
	r.Register(NewTiktokenCounter())
	return r
}

// Register adds a token counter to the registry.
func (r *Registry) Register(counter Counter) {
	r.counters = append(r.counters, counter)
}

// SetFallback sets the fallback counter for unsupported models.
func (r *Registry) SetFallback(counter Counter) {
	r.fallback = counter
}

// CountMessages counts with the first counter that supports the model.
func (r *Registry) CountMessages(model string, msgs []ports.ModelMessage) int {
	return r.GetCounter(model).CountMessages(model, msgs)
}

// SupportsModel is always true; the fallback covers every model.
func (r *Registry) SupportsModel(model string) bool {
	return true
}

// GetCounter returns the appropriate counter for a model.
func (r *Registry) GetCounter(model string) Counter {
	for _, counter := range r.counters {
		if counter.SupportsModel(model) {
			return counter
		}
	}
	return r.fallback
}

// Estimator provides token count estimation based on character counts.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

func (e *Estimator) CountMessages(model string, msgs []ports.ModelMessage) int {
	totalChars := 0
	for _, msg := range msgs {
		totalChars += len(msg.Role)
		totalChars += len(msg.Content)
		totalChars += 4 // role tokens + separators
		for _, tc := range msg.ToolCalls {
			totalChars += len(tc.Name) + len(tc.Arguments)
		}
	}
	return int(float64(totalChars) / e.CharsPerToken)
}

// SupportsModel returns true - estimator supports all models as a fallback.
func (e *Estimator) SupportsModel(model string) bool {
	return true
}

// ModelMatcher helps match model names to provider patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{
		prefixes: prefixes,
		exact:    exact,
	}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
