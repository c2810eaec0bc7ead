package runtime

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/polyglot-turn-engine/internal/action"
	"github.com/tjfontaine/polyglot-turn-engine/internal/adapters/config/file"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
)

// Option is a functional option for configuring a Node.
type Option func(*Node) error

// WithFileConfig uses file-based configuration with hot-reload of the
// agent and action catalog.
func WithFileConfig(path string) Option {
	return func(n *Node) error {
		provider, err := file.NewProvider(path, n.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		n.config = provider
		return nil
	}
}

// WithConfigProvider uses a custom configuration provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(n *Node) error {
		n.config = provider
		return nil
	}
}

// WithLogger sets the logger. Pass it before WithFileConfig so the config
// provider logs through it too.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) error {
		n.logger = logger
		return nil
	}
}

// WithPort overrides the configured listen port.
func WithPort(port int) Option {
	return func(n *Node) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid port %d", port)
		}
		n.port = port
		return nil
	}
}

// WithStore uses store instead of the configured storage. The caller owns
// its lifecycle.
func WithStore(store ports.Store) Option {
	return func(n *Node) error {
		n.store = store
		return nil
	}
}

// WithBus uses bus instead of the configured one. The caller owns its
// lifecycle.
func WithBus(bus ports.Bus) Option {
	return func(n *Node) error {
		n.bus = bus
		return nil
	}
}

// WithCompleter replaces the configured model endpoint.
func WithCompleter(completer ports.Completer) Option {
	return func(n *Node) error {
		n.completer = completer
		return nil
	}
}

// WithCustomAction registers the handler for custom_code actions naming
// handler.
func WithCustomAction(handler string, fn action.Func) Option {
	return func(n *Node) error {
		if handler == "" || fn == nil {
			return fmt.Errorf("custom action needs a handler name and a function")
		}
		n.custom[handler] = fn
		return nil
	}
}
