// Package turnengine provides the public API for embedding the turn engine.
// This is the stable API for external consumers.
package turnengine

import (
	"github.com/tjfontaine/polyglot-turn-engine/internal/action"
	"github.com/tjfontaine/polyglot-turn-engine/internal/runtime"
)

// Node is one turn engine process.
// See internal/runtime.Node for full documentation.
type Node = runtime.Node

// Option is a functional option for configuring a Node.
type Option = runtime.Option

// ActionFunc implements a custom_code action. It receives the tool call
// arguments and the capability's backend config.
type ActionFunc = action.Func

// Outcome is the result of an ActionFunc.
type Outcome = action.Outcome

// New creates a new Node with the given options.
// Example:
//
//	node, err := turnengine.New(
//	    turnengine.WithFileConfig("config.yaml"),
//	    turnengine.WithCustomAction("lookup_order", lookupOrder),
//	)
var New = runtime.New

// Configuration options
var (
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider
	WithLogger         = runtime.WithLogger
	WithPort           = runtime.WithPort

	// Backends
	WithStore     = runtime.WithStore
	WithBus       = runtime.WithBus
	WithCompleter = runtime.WithCompleter

	// Actions
	WithCustomAction = runtime.WithCustomAction
)

// Action outcome helpers
var (
	Succeeded = action.Succeeded
	Failed    = action.Failed
)
