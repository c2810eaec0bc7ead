package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
)

// Sweep republishes the next event of turns that made no progress since
// stallAfter ago. Redelivering an event that was in fact processed is
// harmless: the hop sees a duplicate sequence number and does nothing.
func (e *Engine) Sweep(ctx context.Context, stallAfter time.Duration) (int, error) {
	turns, err := e.store.StalledTurns(ctx, time.Now().UTC().Add(-stallAfter), 100)
	if err != nil {
		return 0, err
	}

	republished := 0
	for _, turn := range turns {
		ev, err := e.recoveryEvent(ctx, turn)
		if err != nil {
			e.logger.Error("failed to inspect stalled turn",
				slog.String("session_id", turn.SessionID),
				slog.String("error", err.Error()))
			continue
		}
		if ev == nil {
			continue
		}
		if err := e.publish(ctx, ports.TopicOrchestration, ev); err != nil {
			e.logger.Error("failed to republish stalled turn",
				slog.String("session_id", turn.SessionID),
				slog.String("error", err.Error()))
			continue
		}
		e.logger.Info("republished stalled turn",
			slog.String("session_id", turn.SessionID),
			slog.String("turn_identifier", turn.TurnIdentifier),
			slog.Int64("seq", ev.SequenceNumber),
			slog.String("step", string(ev.NextStepType)))
		republished++
	}
	return republished, nil
}

func (e *Engine) recoveryEvent(ctx context.Context, turn *domain.Turn) (*domain.OrchestrationEvent, error) {
	last, err := e.store.LastStep(ctx, turn.SessionID, turn.TurnCount)
	if err != nil {
		return nil, err
	}

	base := domain.OrchestrationEvent{
		SessionID:      turn.SessionID,
		UserID:         turn.UserID,
		AgentID:        turn.AgentID,
		TurnIdentifier: turn.TurnIdentifier,
		TurnCount:      turn.TurnCount,
	}

	switch {
	case turn.Pending != nil:
		// The reply was recorded but its resume event was lost.
		decision, err := e.lastReply(ctx, turn)
		if err != nil || decision == nil {
			return nil, err
		}
		base.SequenceNumber = 1
		if last != nil {
			base.SequenceNumber = last.SequenceNumber + 1
		}
		base.NextStepType = domain.StepDispatchActions
		base.Payload = domain.EventPayload{Confirmation: decision}
		return &base, nil
	case last == nil:
		base.SequenceNumber = 1
		base.NextStepType = domain.StepPrepareModelCall
		return &base, nil
	default:
		return last.NextEvent, nil
	}
}

func (e *Engine) lastReply(ctx context.Context, turn *domain.Turn) (*domain.ConfirmationDecision, error) {
	msgs, err := e.store.ListMessages(ctx, turn.SessionID, ports.HistoryOptions{Limit: 20})
	if err != nil {
		return nil, err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.TurnIdentifier != turn.TurnIdentifier {
			break
		}
		if m.Role == domain.RoleUser && m.ExternalID != domain.UserExternalID(turn.TurnIdentifier) {
			return &domain.ConfirmationDecision{Approved: IsAffirmative(m.Content), MessageID: m.ID}, nil
		}
	}
	return nil, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context, interval, stallAfter time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Sweep(ctx, stallAfter); err != nil {
				e.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
