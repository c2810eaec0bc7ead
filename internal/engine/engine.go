// Package engine runs agent turns as a chain of short hops. Each hop reads
// the persisted turn, does one bounded unit of work, commits its outcome
// atomically and publishes the event for the next hop.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-turn-engine/internal/action"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
	"github.com/tjfontaine/polyglot-turn-engine/internal/memory"
)

// Catalog exposes agent configuration and the tools each agent offers.
type Catalog interface {
	Agent(name string) (*domain.Agent, error)
	Tools(agentID string) []ports.ToolSpec
}

// Notifier delivers best-effort progress messages.
type Notifier interface {
	Notify(ctx context.Context, msg domain.TransientMessage)
}

// Config wires an Engine.
type Config struct {
	Store     ports.Store
	Bus       ports.Publisher
	Catalog   Catalog
	Actions   *action.Dispatcher
	Memory    *memory.Assembler
	Completer ports.Completer
	Notifier  Notifier

	MaxToolRounds  int
	PublishRetries int
	PublishBackoff time.Duration
	// ClaimTTL bounds how long a delivery may hold a step before a
	// redelivery may take it over. It should exceed the hop timeout.
	ClaimTTL time.Duration

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Engine executes orchestration events.
type Engine struct {
	store     ports.Store
	bus       ports.Publisher
	catalog   Catalog
	actions   *action.Dispatcher
	memory    *memory.Assembler
	completer ports.Completer
	notifier  Notifier

	maxToolRounds  int
	publishRetries int
	publishBackoff time.Duration
	claimTTL       time.Duration

	logger *slog.Logger
	tracer trace.Tracer
	newID  func() string
	now    func() time.Time
}

// New creates an Engine.
func New(cfg Config) *Engine {
	e := &Engine{
		store:          cfg.Store,
		bus:            cfg.Bus,
		catalog:        cfg.Catalog,
		actions:        cfg.Actions,
		memory:         cfg.Memory,
		completer:      cfg.Completer,
		notifier:       cfg.Notifier,
		maxToolRounds:  cfg.MaxToolRounds,
		publishRetries: cfg.PublishRetries,
		publishBackoff: cfg.PublishBackoff,
		claimTTL:       cfg.ClaimTTL,
		logger:         cfg.Logger,
		tracer:         cfg.Tracer,
		newID:          uuid.NewString,
		now:            time.Now,
	}
	if e.maxToolRounds <= 0 {
		e.maxToolRounds = 10
	}
	if e.publishRetries < 0 {
		e.publishRetries = 0
	}
	if e.publishBackoff <= 0 {
		e.publishBackoff = 100 * time.Millisecond
	}
	if e.claimTTL <= 0 {
		e.claimTTL = 2 * time.Minute
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/tjfontaine/polyglot-turn-engine/internal/engine")
	}
	return e
}

// outcome is what a hop handler decided. The engine commits write, then
// publishes next or final.
type outcome struct {
	write     ports.HopWrite
	next      *domain.OrchestrationEvent
	final     *domain.FinalResult
	transient []domain.TransientMessage
}

// HandleEvent runs one hop. A nil error means the event is settled, even
// when it was discarded as stale, duplicate or malformed; an error asks
// for redelivery.
func (e *Engine) HandleEvent(ctx context.Context, ev *domain.OrchestrationEvent) error {
	ctx, span := e.tracer.Start(ctx, "hop "+string(ev.NextStepType), trace.WithAttributes(
		attribute.String("session.id", ev.SessionID),
		attribute.String("turn.identifier", ev.TurnIdentifier),
		attribute.Int64("turn.count", ev.TurnCount),
		attribute.Int64("step.sequence", ev.SequenceNumber),
	))
	defer span.End()

	logger := e.logger.With(
		slog.String("session_id", ev.SessionID),
		slog.String("turn_identifier", ev.TurnIdentifier),
		slog.Int64("turn_count", ev.TurnCount),
		slog.Int64("seq", ev.SequenceNumber),
		slog.String("step", string(ev.NextStepType)),
	)

	if err := ev.Validate(); err != nil {
		logger.Warn("skipping invalid event", slog.String("error", err.Error()))
		return nil
	}

	turn, err := e.store.GetTurn(ctx, ev.SessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("skipping event for unknown session")
			return nil
		}
		return err
	}
	if !turn.Matches(ev.TurnIdentifier, ev.TurnCount) {
		logger.Debug("discarding stale hop", slog.String("active_turn", turn.TurnIdentifier))
		return nil
	}

	last, err := e.store.LastStep(ctx, ev.SessionID, ev.TurnCount)
	if err != nil {
		return err
	}
	var lastSeq int64
	if last != nil {
		lastSeq = last.SequenceNumber
	}
	switch {
	case ev.SequenceNumber <= lastSeq:
		logger.Debug("ignoring duplicate delivery")
		return nil
	case ev.SequenceNumber != lastSeq+1:
		logger.Warn("rejecting out of order event", slog.Int64("last_seq", lastSeq))
		return nil
	}

	// Concurrent deliveries of one event race here; only the claim holder
	// runs the hop's side effects.
	owner := e.newID()
	err = e.store.ClaimHop(ctx, &ports.HopClaim{
		SessionID:      ev.SessionID,
		TurnIdentifier: ev.TurnIdentifier,
		TurnCount:      ev.TurnCount,
		SequenceNumber: ev.SequenceNumber,
		Owner:          owner,
		Until:          e.now().Add(e.claimTTL),
	})
	switch {
	case errors.Is(err, domain.ErrHopClaimed):
		logger.Debug("hop already running elsewhere")
		return nil
	case errors.Is(err, domain.ErrStaleTurn), errors.Is(err, domain.ErrDuplicateStep), errors.Is(err, domain.ErrOutOfOrder):
		logger.Debug("hop claim refused", slog.String("reason", err.Error()))
		return nil
	case err != nil:
		return err
	}
	defer func() {
		if err := e.store.ReleaseHop(context.WithoutCancel(ctx), ev.SessionID, owner); err != nil {
			logger.Warn("failed to release hop claim", slog.String("error", err.Error()))
		}
	}()

	agent, err := e.catalog.Agent(ev.AgentID)
	if err != nil {
		return e.failTurn(ctx, ev, ev.SequenceNumber, err)
	}

	out, err := e.runHop(ctx, ev, turn, agent)
	if err != nil {
		if errors.Is(err, domain.ErrStaleTurn) {
			logger.Debug("discarding stale hop")
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("hop failed", slog.String("error", err.Error()))
		return e.failTurn(ctx, ev, ev.SequenceNumber, err)
	}

	return e.commit(ctx, ev, out, logger)
}

// runHop dispatches on the step type.
func (e *Engine) runHop(ctx context.Context, ev *domain.OrchestrationEvent, turn *domain.Turn, agent *domain.Agent) (*outcome, error) {
	switch ev.NextStepType {
	case domain.StepPrepareModelCall:
		return e.prepareModelCall(ctx, ev, agent)
	case domain.StepModelResponseReceived:
		return e.modelResponseReceived(ctx, ev)
	case domain.StepDispatchActions:
		return e.dispatchActions(ctx, ev, turn, agent)
	case domain.StepActionResultReceived:
		return e.actionResultReceived(ctx, ev)
	case domain.StepPrepareFollowup:
		return e.prepareFollowup(ctx, ev, agent)
	case domain.StepFinalize:
		return e.finalize(ctx, ev)
	case domain.StepFailed:
		return e.failedOutcome(ev, ev.SequenceNumber, &domain.Error{Kind: ev.Payload.Error.Kind, Message: ev.Payload.Error.Message}), nil
	default:
		return nil, domain.NewError(domain.KindValidation, fmt.Sprintf("unknown step type %q", ev.NextStepType))
	}
}

// commit applies the hop write and publishes what follows it.
func (e *Engine) commit(ctx context.Context, ev *domain.OrchestrationEvent, out *outcome, logger *slog.Logger) error {
	out.write.Step.NextEvent = out.next
	if err := e.store.ApplyHop(ctx, &out.write); err != nil {
		switch {
		case errors.Is(err, domain.ErrStaleTurn), errors.Is(err, domain.ErrDuplicateStep):
			logger.Debug("hop write discarded", slog.String("reason", err.Error()))
			return nil
		case errors.Is(err, domain.ErrOutOfOrder):
			logger.Warn("hop write rejected", slog.String("reason", err.Error()))
			return nil
		}
		return err
	}

	for _, msg := range out.transient {
		e.notify(ctx, msg)
	}

	if out.next != nil {
		if err := e.publish(ctx, ports.TopicOrchestration, out.next); err != nil {
			logger.Error("failed to enqueue next hop", slog.String("error", err.Error()))
			return e.failTurn(ctx, ev, out.next.SequenceNumber,
				domain.WrapError(domain.KindEnqueue, "failed to schedule next hop", err))
		}
	}
	if out.final != nil {
		if err := e.publish(ctx, ports.TopicFinalResult, out.final); err != nil {
			logger.Error("failed to publish final result", slog.String("error", err.Error()))
		}
	}
	return nil
}

// publish encodes v and publishes it, retrying with backoff.
func (e *Engine) publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.publishBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.publishRetries)), ctx)
	return backoff.RetryNotify(func() error {
		return e.bus.Publish(ctx, topic, payload)
	}, policy, func(err error, delay time.Duration) {
		e.logger.Warn("publish failed, retrying",
			slog.String("topic", topic),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
	})
}

// Kickoff schedules the first hop of a freshly started turn.
func (e *Engine) Kickoff(ctx context.Context, turn *domain.Turn) error {
	ev := &domain.OrchestrationEvent{
		SessionID:      turn.SessionID,
		UserID:         turn.UserID,
		AgentID:        turn.AgentID,
		TurnIdentifier: turn.TurnIdentifier,
		TurnCount:      turn.TurnCount,
		SequenceNumber: 1,
		NextStepType:   domain.StepPrepareModelCall,
	}
	if err := e.publish(ctx, ports.TopicOrchestration, ev); err != nil {
		enqueueErr := domain.WrapError(domain.KindEnqueue, "failed to schedule turn", err)
		if ferr := e.failTurn(ctx, ev, 1, enqueueErr); ferr != nil {
			e.logger.Error("failed to record enqueue failure", slog.String("error", ferr.Error()))
		}
		return enqueueErr
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, msg domain.TransientMessage) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, msg)
}

// transient builds a progress message. The id depends only on the hop, so
// a redelivered hop repeats the same id.
func transient(ev *domain.OrchestrationEvent, kind, content string) domain.TransientMessage {
	return domain.TransientMessage{
		SessionID: ev.SessionID,
		MessageID: fmt.Sprintf("%s:%d:%s", ev.TurnIdentifier, ev.SequenceNumber, kind),
		Content:   content,
	}
}

func step(ev *domain.OrchestrationEvent, seq int64, typ domain.StepType, payload any) *domain.ExecutionStep {
	s := &domain.ExecutionStep{
		SessionID:      ev.SessionID,
		TurnIdentifier: ev.TurnIdentifier,
		TurnCount:      ev.TurnCount,
		StepType:       typ,
		SequenceNumber: seq,
	}
	if payload != nil {
		s.Payload, _ = json.Marshal(payload)
	}
	return s
}
