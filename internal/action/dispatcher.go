// Package action resolves, validates and executes the tool calls a model
// requests, producing one structured result per call.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
)

// Resolver maps an agent function name to its capability.
type Resolver interface {
	Resolve(agentID, functionName string) (*domain.Resolved, error)
}

// Ledger reports which capabilities have been satisfied in a session.
type Ledger interface {
	LedgerSatisfied(ctx context.Context, sessionID string, names []string) (map[string]bool, error)
}

// Request is one tool call dispatched within a turn.
type Request struct {
	SessionID string
	AgentID   string
	Call      domain.ToolCall
	// Executed lists the function names that succeeded earlier in the turn.
	Executed []string
}

// Response is the outcome of a dispatched tool call.
type Response struct {
	Result domain.ActionResult
	// Ledger holds the names to record as satisfied for the session.
	Ledger []string
}

// Dispatcher executes tool calls against the capability catalog.
type Dispatcher struct {
	resolver Resolver
	impls    *Implementations
	schemas  *SchemaCache
	ledger   Ledger
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(resolver Resolver, impls *Implementations, ledger Ledger, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		resolver: resolver,
		impls:    impls,
		schemas:  NewSchemaCache(0),
		ledger:   ledger,
		logger:   logger,
	}
}

// Prepare resolves the call and validates its arguments. It returns either
// the resolved capability or a failed result to hand back to the model.
func (d *Dispatcher) Prepare(agentID string, call domain.ToolCall) (*domain.Resolved, *domain.ActionResult) {
	res, err := d.resolver.Resolve(agentID, call.Name)
	if err != nil {
		return nil, failure(call, err)
	}
	if err := d.schemas.Validate(res.Schema(), arguments(call)); err != nil {
		return nil, failure(call, err)
	}
	return res, nil
}

// Dispatch prepares and executes one call.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	res, failed := d.Prepare(req.AgentID, req.Call)
	if failed != nil {
		d.logResult(req, failed, 0)
		return Response{Result: *failed}
	}
	return d.Execute(ctx, req, res)
}

// Execute checks prerequisites and invokes a call that already passed
// Prepare. It never returns an error: every failure is a failed result.
func (d *Dispatcher) Execute(ctx context.Context, req Request, res *domain.Resolved) Response {
	start := time.Now()

	ledger, err := d.checkPrerequisites(ctx, req, res.Binding)
	if err != nil {
		result := failure(req.Call, err)
		if missing, ok := err.(*missingError); ok {
			result.Result, _ = json.Marshal(map[string][]string{"missing_prerequisites": missing.names})
		}
		d.logResult(req, result, time.Since(start))
		return Response{Result: *result}
	}

	if len(res.Binding.BackendConfig) > 0 && len(res.Action.ConfigSchema) > 0 {
		if err := d.schemas.Validate(res.Action.ConfigSchema, res.Binding.BackendConfig); err != nil {
			result := failure(req.Call, domain.WrapError(domain.KindActionExecution, "invalid backend config", err))
			d.logResult(req, result, time.Since(start))
			return Response{Result: *result}
		}
	}

	fn, err := d.impls.Lookup(res.Action)
	if err != nil {
		result := failure(req.Call, domain.WrapError(domain.KindActionExecution, "no implementation", err))
		d.logResult(req, result, time.Since(start))
		return Response{Result: *result}
	}

	out := invoke(ctx, fn, arguments(req.Call), res.Binding.BackendConfig)
	result := &domain.ActionResult{
		ToolCallID: req.Call.ID,
		Name:       req.Call.Name,
		Success:    out.Success,
		Result:     out.Result,
		Error:      out.Error,
	}
	if !out.Success {
		result.ErrorKind = domain.KindActionExecution
		if result.Error == "" {
			result.Error = "action failed"
		}
	}
	d.logResult(req, result, time.Since(start))
	resp := Response{Result: *result}
	if out.Success {
		resp.Ledger = ledger
	}
	return resp
}

// checkPrerequisites applies the binding's scope rules. On success it
// returns the ledger entries the call establishes.
func (d *Dispatcher) checkPrerequisites(ctx context.Context, req Request, b domain.CapabilityBinding) ([]string, error) {
	executed := make(map[string]bool, len(req.Executed))
	for _, name := range req.Executed {
		executed[name] = true
	}

	if b.PrerequisiteScope != domain.ScopeEntireSession {
		if missing := missingFrom(b.Prerequisites, executed, nil); len(missing) > 0 {
			return nil, &missingError{names: missing}
		}
		return nil, nil
	}

	names := append([]string{b.FunctionName}, b.Prerequisites...)
	satisfied, err := d.ledger.LedgerSatisfied(ctx, req.SessionID, names)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "read prerequisite ledger", err)
	}

	if !satisfied[b.FunctionName] {
		if missing := missingFrom(b.Prerequisites, executed, satisfied); len(missing) > 0 {
			return nil, &missingError{names: missing}
		}
	}

	record := []string{b.FunctionName}
	for _, p := range b.Prerequisites {
		if executed[p] && !satisfied[p] {
			record = append(record, p)
		}
	}
	return record, nil
}

func missingFrom(prereqs []string, executed, satisfied map[string]bool) []string {
	var missing []string
	for _, p := range prereqs {
		if !executed[p] && !satisfied[p] {
			missing = append(missing, p)
		}
	}
	return missing
}

type missingError struct {
	names []string
}

func (e *missingError) Error() string {
	return fmt.Sprintf("prerequisites not met: %v", e.names)
}

// invoke runs fn, converting a panic into a failed outcome.
func invoke(ctx context.Context, fn Func, args, config json.RawMessage) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failed("action panicked: %v", r)
		}
	}()
	return fn(ctx, args, config)
}

func arguments(call domain.ToolCall) json.RawMessage {
	if len(call.Arguments) == 0 {
		return json.RawMessage(`{}`)
	}
	return call.Arguments
}

func failure(call domain.ToolCall, err error) *domain.ActionResult {
	result := &domain.ActionResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Error:      err.Error(),
		ErrorKind:  domain.KindOf(err),
	}

	var missing *missingError
	var derr *domain.Error
	switch {
	case errors.As(err, &missing):
		result.ErrorKind = domain.KindPrerequisiteNotMet
	case errors.As(err, &derr) && derr.Message != "":
		result.Error = derr.Message
	}
	return result
}

func (d *Dispatcher) logResult(req Request, result *domain.ActionResult, elapsed time.Duration) {
	attrs := []any{
		slog.String("session_id", req.SessionID),
		slog.String("agent", req.AgentID),
		slog.String("function", req.Call.Name),
		slog.Bool("success", result.Success),
		slog.Duration("duration", elapsed),
	}
	if !result.Success {
		attrs = append(attrs, slog.String("error_kind", string(result.ErrorKind)))
		d.logger.Warn("action failed", attrs...)
		return
	}
	d.logger.Info("action executed", attrs...)
}
