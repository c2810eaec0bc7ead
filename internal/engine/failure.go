package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
)

const failureWriteTimeout = 10 * time.Second

// Fail records an unrecoverable failure for the turn addressed by ev at
// ev's sequence number. The dispatcher uses it when an event cannot be
// scheduled.
func (e *Engine) Fail(ctx context.Context, ev *domain.OrchestrationEvent, cause error) error {
	return e.failTurn(ctx, ev, ev.SequenceNumber, cause)
}

// failedOutcome builds the Failed step: one system message and one failed
// final result.
func (e *Engine) failedOutcome(ev *domain.OrchestrationEvent, seq int64, cause error) *outcome {
	details := domain.DetailsOf(cause)
	notice := &domain.ChatMessage{
		ID:             e.newID(),
		TurnIdentifier: ev.TurnIdentifier,
		Role:           domain.RoleSystem,
		Content:        "Sorry, something went wrong while handling your request: " + userMessage(cause),
	}
	return &outcome{
		write: ports.HopWrite{
			Step:     step(ev, seq, domain.StepFailed, details),
			Status:   domain.StatusFailed,
			Messages: []*domain.ChatMessage{notice},
		},
		final: &domain.FinalResult{
			SessionID:      ev.SessionID,
			TurnIdentifier: ev.TurnIdentifier,
			TurnCount:      ev.TurnCount,
			Success:        false,
			FinalMessageID: notice.ID,
			ErrorDetails:   details,
		},
	}
}

// failTurn commits the Failed step at seq. It runs on a detached context
// so a hop that died on its deadline can still record the failure.
func (e *Engine) failTurn(ctx context.Context, ev *domain.OrchestrationEvent, seq int64, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	logger := e.logger.With(
		slog.String("session_id", ev.SessionID),
		slog.String("turn_identifier", ev.TurnIdentifier),
		slog.Int64("seq", seq),
	)
	logger.Warn("turn failed",
		slog.String("kind", string(domain.KindOf(cause))),
		slog.String("error", cause.Error()))

	out := e.failedOutcome(ev, seq, cause)
	if err := e.store.ApplyHop(ctx, &out.write); err != nil {
		var derr *domain.Error
		if errors.As(err, &derr) {
			// The turn moved on or already recorded this step.
			logger.Debug("failure write discarded", slog.String("reason", err.Error()))
			return nil
		}
		return err
	}

	if err := e.publish(ctx, ports.TopicFinalResult, out.final); err != nil {
		logger.Error("failed to publish final result", slog.String("error", err.Error()))
	}
	return nil
}

// userMessage is the part of an error safe to show in the conversation.
func userMessage(err error) string {
	var derr *domain.Error
	if errors.As(err, &derr) {
		switch derr.Kind {
		case domain.KindModelCall:
			return "the assistant is unavailable right now. Please try again."
		case domain.KindMaxRounds:
			return "the request needed too many steps to complete."
		case domain.KindEnqueue:
			return "the request could not be scheduled. Please try again."
		}
		if derr.Message != "" {
			return derr.Message + "."
		}
	}
	return "an internal error occurred."
}
