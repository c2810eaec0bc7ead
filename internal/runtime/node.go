// Package runtime assembles a turn engine node from configuration and
// manages its lifecycle: the chat API, the hop dispatcher, the result
// stream and the stalled-turn sweeper.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/polyglot-turn-engine/internal/action"
	"github.com/tjfontaine/polyglot-turn-engine/internal/bus/memory"
	"github.com/tjfontaine/polyglot-turn-engine/internal/bus/sqlq"
	"github.com/tjfontaine/polyglot-turn-engine/internal/capability"
	"github.com/tjfontaine/polyglot-turn-engine/internal/chat"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
	"github.com/tjfontaine/polyglot-turn-engine/internal/dispatcher"
	"github.com/tjfontaine/polyglot-turn-engine/internal/engine"
	memorystrategy "github.com/tjfontaine/polyglot-turn-engine/internal/memory"
	"github.com/tjfontaine/polyglot-turn-engine/internal/model"
	"github.com/tjfontaine/polyglot-turn-engine/internal/notify"
	"github.com/tjfontaine/polyglot-turn-engine/internal/pkg/config"
	"github.com/tjfontaine/polyglot-turn-engine/internal/pkg/safehttp"
	"github.com/tjfontaine/polyglot-turn-engine/internal/server"
	"github.com/tjfontaine/polyglot-turn-engine/internal/storage"
	"github.com/tjfontaine/polyglot-turn-engine/internal/storage/sqldb"
	"github.com/tjfontaine/polyglot-turn-engine/internal/tokens"
)

// Node is one turn engine process. Nodes sharing a SQL store and bus
// cooperate on the same sessions.
type Node struct {
	// Dependencies (injected via options)
	config    ports.ConfigProvider
	store     ports.Store
	bus       ports.Bus
	completer ports.Completer
	custom    map[string]action.Func
	port      int
	logger    *slog.Logger

	// Built by Start
	registry *capability.Registry
	engine   *engine.Engine
	hub      *notify.Hub
	server   *server.Server
	ownStore bool
	ownBus   bool

	cancel context.CancelFunc
	group  *errgroup.Group
	mu     sync.Mutex
}

// New creates a Node. A config provider is required; everything else is
// built from configuration unless supplied.
func New(opts ...Option) (*Node, error) {
	n := &Node{
		logger: slog.Default(),
		custom: make(map[string]action.Func),
	}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if n.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	return n, nil
}

// Start loads configuration, builds every component and starts them in the
// background. Use Wait to block until they stop and Shutdown to stop them.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.group != nil {
		return errors.New("node already started")
	}

	cfg, err := n.config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if n.port > 0 {
		cfg.Server.Port = n.port
	}
	if err := n.build(cfg); err != nil {
		n.closeResources()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	n.group = g

	workers := dispatcher.New(n.engine, dispatcher.Config{
		Workers:        cfg.Engine.Workers,
		QueueSize:      cfg.Engine.QueueSize,
		HopTimeout:     cfg.Engine.HopTimeout,
		EnqueueRetries: cfg.Engine.EnqueueRetries,
		Logger:         n.logger,
	})

	g.Go(func() error { return n.server.Start(gctx) })
	g.Go(func() error { return workers.Run(gctx, n.bus) })
	g.Go(func() error { return n.hub.Run(gctx, n.bus) })
	g.Go(func() error {
		return n.engine.RunSweeper(gctx, cfg.Engine.SweepInterval, cfg.Engine.StallAfter)
	})

	if err := n.config.Watch(gctx, n.reload); err != nil {
		n.logger.Warn("config watch unavailable", slog.String("error", err.Error()))
	}

	n.logger.Info("turn engine started",
		slog.Int("port", cfg.Server.Port),
		slog.Int("agents", len(cfg.Agents)),
		slog.Int("actions", len(cfg.Actions)),
		slog.String("bus", cfg.Bus.Type),
		slog.String("storage", cfg.Storage.Type))
	return nil
}

// build wires the components described by cfg.
func (n *Node) build(cfg *config.Config) error {
	var sqlStore *sqldb.Store
	if n.store == nil {
		store, s, err := storage.Open(storage.Config{Type: cfg.Storage.Type, DSN: cfg.Storage.DSN})
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		n.store, sqlStore, n.ownStore = store, s, true
	} else if s, ok := n.store.(*sqldb.Store); ok {
		sqlStore = s
	}

	if n.bus == nil {
		bus, err := n.openBus(cfg.Bus, sqlStore)
		if err != nil {
			return fmt.Errorf("open bus: %w", err)
		}
		n.bus, n.ownBus = bus, true
	}

	registry, err := capability.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("load capabilities: %w", err)
	}
	n.registry = registry

	if n.completer == nil {
		n.completer = n.newCompleter(cfg.Model)
	}

	workflow := action.NewWorkflowInvoker(action.WorkflowConfig{
		Client:  safehttp.NewClient(cfg.Workflow.Timeout, cfg.Workflow.AllowPrivate),
		Retries: cfg.Workflow.Retries,
		Headers: cfg.Workflow.Headers,
		Logger:  n.logger,
	})
	impls := action.NewImplementations(workflow)
	for name, fn := range n.custom {
		impls.RegisterCustom(name, fn)
	}

	n.engine = engine.New(engine.Config{
		Store:          n.store,
		Bus:            n.bus,
		Catalog:        registry,
		Actions:        action.NewDispatcher(registry, impls, n.store, n.logger),
		Memory:         memorystrategy.NewAssembler(n.completer, tokens.NewRegistry(), cfg.Model.SummaryModel, n.logger),
		Completer:      n.completer,
		Notifier:       notify.NewPublisher(n.bus, n.logger),
		MaxToolRounds:  cfg.Engine.MaxToolRounds,
		PublishRetries: cfg.Engine.EnqueueRetries,
		ClaimTTL:       2 * cfg.Engine.HopTimeout,
		Logger:         n.logger,
	})

	n.hub = notify.NewHub(0, n.logger)
	svc := chat.NewService(n.store, registry, n.engine, n.logger)

	n.server = server.New(server.Config{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		ServiceName:    cfg.Telemetry.ServiceName,
	}, n.logger)
	chat.NewHandler(svc, n.hub, n.logger).Routes(n.server.Router)
	return nil
}

func (n *Node) openBus(cfg config.BusConfig, sqlStore *sqldb.Store) (ports.Bus, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(memory.Options{
			BatchSize:   cfg.BatchSize,
			MaxAttempts: cfg.MaxAttempts,
			Logger:      n.logger,
		}), nil
	case "sql":
		if sqlStore == nil {
			return nil, errors.New("sql bus requires sqlite or postgres storage")
		}
		return sqlq.New(sqlStore.DB(), sqlStore.Dialect(), sqlq.Options{
			BatchSize:    cfg.BatchSize,
			PollInterval: cfg.PollInterval,
			LeaseTimeout: cfg.LeaseTimeout,
			MaxAttempts:  cfg.MaxAttempts,
			Logger:       n.logger,
		})
	default:
		return nil, fmt.Errorf("unknown bus type: %s", cfg.Type)
	}
}

func (n *Node) newCompleter(cfg config.ModelConfig) *model.Completer {
	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	client := model.NewClient(cfg.APIKey,
		model.WithBaseURL(cfg.BaseURL),
		model.WithHTTPClient(httpClient))
	return model.NewCompleter(client, cfg.DefaultModel,
		model.WithMaxRetries(cfg.MaxRetries),
		model.WithLogger(n.logger))
}

// reload swaps the capability catalog. Infrastructure settings (ports,
// storage, bus) only take effect on restart.
func (n *Node) reload(cfg *config.Config) {
	n.logger.Info("config changed, reloading capabilities")
	if err := n.registry.Reload(cfg); err != nil {
		n.logger.Error("failed to reload", slog.String("error", err.Error()))
		return
	}
	n.logger.Info("reload complete",
		slog.Int("agents", len(cfg.Agents)),
		slog.Int("actions", len(cfg.Actions)))
}

// Handler returns the HTTP handler of a started node.
func (n *Node) Handler() http.Handler {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.server == nil {
		return nil
	}
	return n.server.Router
}

// Wait blocks until the node's components stop and returns the first error.
func (n *Node) Wait() error {
	n.mu.Lock()
	g := n.group
	n.mu.Unlock()
	if g == nil {
		return errors.New("node not started")
	}
	return g.Wait()
}

// Shutdown stops the node and releases the resources it opened.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.logger.Info("shutting down turn engine")
	if n.cancel != nil {
		n.cancel()
	}

	var runErr error
	if n.group != nil {
		done := make(chan error, 1)
		go func() { done <- n.group.Wait() }()
		select {
		case runErr = <-done:
		case <-ctx.Done():
			runErr = ctx.Err()
		}
	}

	n.closeResources()
	n.logger.Info("turn engine shutdown complete")
	return runErr
}

func (n *Node) closeResources() {
	if n.ownBus && n.bus != nil {
		if err := n.bus.Close(); err != nil {
			n.logger.Error("failed to close bus", slog.String("error", err.Error()))
		}
	}
	if n.ownStore && n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}
	if n.config != nil {
		if err := n.config.Close(); err != nil {
			n.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}
}
