package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tjfontaine/polyglot-turn-engine/internal/action"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
)

var affirmative = map[string]bool{
	"yes": true, "y": true, "yeah": true, "yep": true, "sure": true,
	"ok": true, "okay": true, "approve": true, "approved": true,
	"confirm": true, "confirmed": true, "proceed": true,
	"go ahead": true, "do it": true,
}

// IsAffirmative classifies a confirmation reply. Anything outside the
// affirmative vocabulary counts as a refusal.
func IsAffirmative(reply string) bool {
	s := strings.ToLower(strings.TrimSpace(reply))
	s = strings.TrimRight(s, ".!")
	return affirmative[s]
}

// batch is the state of one tool-call batch while it is being dispatched.
type batch struct {
	results  []domain.ActionResult
	executed []string
	ledger   []string
	messages []*domain.ChatMessage
	notes    []domain.TransientMessage
}

func (b *batch) add(ev *domain.OrchestrationEvent, r domain.ActionResult) {
	b.results = append(b.results, r)
	raw, _ := json.Marshal(r)
	b.messages = append(b.messages, &domain.ChatMessage{
		TurnIdentifier: ev.TurnIdentifier,
		Role:           domain.RoleTool,
		Content:        r.Content(),
		ToolResultData: raw,
	})
}

func (e *Engine) dispatchActions(ctx context.Context, ev *domain.OrchestrationEvent, turn *domain.Turn, agent *domain.Agent) (*outcome, error) {
	p := ev.Payload
	b := &batch{executed: append([]string(nil), p.ExecutedActions...)}
	calls := p.ToolCalls
	round := p.ToolRound

	if p.Confirmation != nil {
		pending := turn.Pending
		if pending == nil {
			return nil, domain.NewError(domain.KindStaleTurn, "no pending confirmation to resume")
		}
		b.results = append(b.results, pending.Results...)
		b.executed = append([]string(nil), pending.ExecutedActions...)
		round = pending.ToolRound

		if p.Confirmation.Approved {
			e.runCall(ctx, ev, agent, pending.Call, b, true)
		} else {
			b.add(ev, domain.ActionResult{
				ToolCallID: pending.Call.ID,
				Name:       pending.Call.Name,
				Error:      "user declined the action",
				ErrorKind:  domain.KindDeclined,
			})
		}
		calls = pending.Deferred
	}

	for i, call := range calls {
		if suspended := e.runCall(ctx, ev, agent, call, b, false); suspended {
			return e.suspend(ev, agent, call, calls[i+1:], b, round), nil
		}
	}

	for _, m := range b.messages {
		m.ID = e.newID()
	}
	return &outcome{
		write: ports.HopWrite{
			Step:     step(ev, ev.SequenceNumber, domain.StepDispatchActions, map[string]int{"results": len(b.results)}),
			Status:   domain.StatusProcessing,
			Messages: b.messages,
			Ledger:   b.ledger,
		},
		next: ev.Next(domain.StepActionResultReceived, domain.EventPayload{
			Results:         b.results,
			ExecutedActions: b.executed,
			ToolRound:       round,
		}),
		transient: b.notes,
	}, nil
}

// runCall dispatches one call into b. It reports true when the call needs
// confirmation and was not executed.
func (e *Engine) runCall(ctx context.Context, ev *domain.OrchestrationEvent, agent *domain.Agent, call domain.ToolCall, b *batch, approved bool) bool {
	res, failed := e.actions.Prepare(agent.DeveloperName, call)
	if failed != nil {
		b.add(ev, *failed)
		return false
	}
	if res.Binding.RequiresConfirmation && !approved {
		return true
	}

	if agent.TransientMessagesEnabled {
		b.notes = append(b.notes, transient(ev, "action-"+call.ID, fmt.Sprintf("Running %s...", call.Name)))
	}
	resp := e.actions.Execute(ctx, action.Request{
		SessionID: ev.SessionID,
		AgentID:   agent.DeveloperName,
		Call:      call,
		Executed:  b.executed,
	}, res)
	if resp.Result.Success {
		b.executed = append(b.executed, call.Name)
		b.ledger = append(b.ledger, resp.Ledger...)
	}
	b.add(ev, resp.Result)
	return false
}

// suspend parks the batch at call until the user answers.
func (e *Engine) suspend(ev *domain.OrchestrationEvent, agent *domain.Agent, call domain.ToolCall, deferred []domain.ToolCall, b *batch, round int) *outcome {
	prompt := &domain.ChatMessage{
		TurnIdentifier: ev.TurnIdentifier,
		Role:           domain.RoleAssistant,
		Content: fmt.Sprintf("I need your confirmation before running %s with %s. Reply yes to proceed or no to cancel.",
			call.Name, string(call.Arguments)),
	}
	msgs := append(b.messages, prompt)
	for _, m := range msgs {
		m.ID = e.newID()
	}

	// Confirmation requests are sent whether or not progress messages are on.
	notes := append(b.notes, transient(ev, "confirmation", prompt.Content))

	return &outcome{
		write: ports.HopWrite{
			Step: step(ev, ev.SequenceNumber, domain.StepDispatchActions,
				map[string]any{"results": len(b.results), "awaiting": call.Name}),
			Status: domain.StatusAwaitingAction,
			Pending: &domain.PendingConfirmation{
				Call:            call,
				Deferred:        deferred,
				Results:         b.results,
				ExecutedActions: b.executed,
				ToolRound:       round,
				RequestedAt:     time.Now().UTC(),
			},
			Messages: msgs,
			Ledger:   b.ledger,
		},
		transient: notes,
	}
}

// Resume schedules the dispatch hop that continues a suspended batch after
// the user's reply was recorded.
func (e *Engine) Resume(ctx context.Context, turn *domain.Turn, decision domain.ConfirmationDecision) error {
	last, err := e.store.LastStep(ctx, turn.SessionID, turn.TurnCount)
	if err != nil {
		return err
	}
	var seq int64 = 1
	if last != nil {
		seq = last.SequenceNumber + 1
	}

	ev := &domain.OrchestrationEvent{
		SessionID:      turn.SessionID,
		UserID:         turn.UserID,
		AgentID:        turn.AgentID,
		TurnIdentifier: turn.TurnIdentifier,
		TurnCount:      turn.TurnCount,
		SequenceNumber: seq,
		NextStepType:   domain.StepDispatchActions,
		Payload:        domain.EventPayload{Confirmation: &decision},
	}
	if err := e.publish(ctx, ports.TopicOrchestration, ev); err != nil {
		enqueueErr := domain.WrapError(domain.KindEnqueue, "failed to schedule confirmation", err)
		if ferr := e.failTurn(ctx, ev, seq, enqueueErr); ferr != nil {
			e.logger.Error("failed to record enqueue failure", slog.String("error", ferr.Error()))
		}
		return enqueueErr
	}
	return nil
}
