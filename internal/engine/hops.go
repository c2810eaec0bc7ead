package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
	"github.com/tjfontaine/polyglot-turn-engine/internal/memory"
)

const summaryPreamble = "Summary of the earlier conversation:\n"

func (e *Engine) prepareModelCall(ctx context.Context, ev *domain.OrchestrationEvent, agent *domain.Agent) (*outcome, error) {
	return e.callModel(ctx, ev, agent, domain.StepPrepareModelCall)
}

func (e *Engine) prepareFollowup(ctx context.Context, ev *domain.OrchestrationEvent, agent *domain.Agent) (*outcome, error) {
	if ev.Payload.ToolRound > e.maxToolRounds {
		return nil, domain.NewError(domain.KindMaxRounds,
			fmt.Sprintf("turn exceeded %d tool rounds", e.maxToolRounds))
	}
	return e.callModel(ctx, ev, agent, domain.StepPrepareFollowup)
}

// callModel assembles memory, calls the model and persists its answer.
func (e *Engine) callModel(ctx context.Context, ev *domain.OrchestrationEvent, agent *domain.Agent, typ domain.StepType) (*outcome, error) {
	msgs, err := e.store.AllMessages(ctx, ev.SessionID)
	if err != nil {
		return nil, err
	}
	summary, err := e.store.GetSummary(ctx, ev.SessionID)
	if err != nil {
		return nil, err
	}
	asm, err := e.memory.Assemble(ctx, agent, msgs, summary)
	if err != nil {
		return nil, err
	}

	req := &ports.CompletionRequest{Model: agent.Model, Tools: e.catalog.Tools(agent.DeveloperName)}
	if agent.SystemPrompt != "" {
		req.Messages = append(req.Messages, ports.ModelMessage{Role: domain.RoleSystem, Content: agent.SystemPrompt})
	}
	if asm.Summary != "" {
		req.Messages = append(req.Messages, ports.ModelMessage{Role: domain.RoleSystem, Content: summaryPreamble + asm.Summary})
	}
	req.Messages = append(req.Messages, memory.ModelMessages(asm.Messages)...)

	resp, err := e.completer.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	reply := &domain.ChatMessage{
		ID:             e.newID(),
		TurnIdentifier: ev.TurnIdentifier,
		Role:           domain.RoleAssistant,
		Content:        resp.Content,
	}
	if len(resp.ToolCalls) > 0 {
		reply.ToolCallsData, err = json.Marshal(resp.ToolCalls)
		if err != nil {
			return nil, err
		}
	}

	out := &outcome{
		write: ports.HopWrite{
			Step:     step(ev, ev.SequenceNumber, typ, map[string]any{"model": resp.Model, "tool_calls": len(resp.ToolCalls)}),
			Status:   domain.StatusProcessing,
			Messages: []*domain.ChatMessage{reply},
			Summary:  asm.Updated,
		},
		next: ev.Next(domain.StepModelResponseReceived, domain.EventPayload{
			AssistantMessageID: reply.ID,
			ToolCalls:          resp.ToolCalls,
			FinalContent:       resp.Content,
			ExecutedActions:    ev.Payload.ExecutedActions,
			ToolRound:          ev.Payload.ToolRound,
		}),
	}
	return out, nil
}

func (e *Engine) modelResponseReceived(ctx context.Context, ev *domain.OrchestrationEvent) (*outcome, error) {
	p := ev.Payload
	out := &outcome{
		write: ports.HopWrite{
			Step:   step(ev, ev.SequenceNumber, domain.StepModelResponseReceived, map[string]any{"tool_calls": len(p.ToolCalls)}),
			Status: domain.StatusProcessing,
		},
	}

	if len(p.ToolCalls) == 0 {
		out.next = ev.Next(domain.StepFinalize, domain.EventPayload{
			FinalContent:   p.FinalContent,
			FinalMessageID: p.AssistantMessageID,
		})
		return out, nil
	}

	if p.ToolRound >= e.maxToolRounds {
		return nil, domain.NewError(domain.KindMaxRounds,
			fmt.Sprintf("turn exceeded %d tool rounds", e.maxToolRounds))
	}
	out.next = ev.Next(domain.StepDispatchActions, domain.EventPayload{
		AssistantMessageID: p.AssistantMessageID,
		ToolCalls:          p.ToolCalls,
		ExecutedActions:    p.ExecutedActions,
		ToolRound:          p.ToolRound + 1,
	})
	return out, nil
}

func (e *Engine) actionResultReceived(ctx context.Context, ev *domain.OrchestrationEvent) (*outcome, error) {
	p := ev.Payload
	failed := 0
	for _, r := range p.Results {
		if !r.Success {
			failed++
		}
	}
	return &outcome{
		write: ports.HopWrite{
			Step: step(ev, ev.SequenceNumber, domain.StepActionResultReceived,
				map[string]int{"results": len(p.Results), "failed": failed}),
			Status: domain.StatusAwaitingFollowup,
		},
		next: ev.Next(domain.StepPrepareFollowup, domain.EventPayload{
			ExecutedActions: p.ExecutedActions,
			ToolRound:       p.ToolRound,
		}),
	}, nil
}

func (e *Engine) finalize(ctx context.Context, ev *domain.OrchestrationEvent) (*outcome, error) {
	return &outcome{
		write: ports.HopWrite{
			Step:   step(ev, ev.SequenceNumber, domain.StepFinalize, map[string]string{"final_message_id": ev.Payload.FinalMessageID}),
			Status: domain.StatusIdle,
		},
		final: &domain.FinalResult{
			SessionID:           ev.SessionID,
			TurnIdentifier:      ev.TurnIdentifier,
			TurnCount:           ev.TurnCount,
			Success:             true,
			FinalMessageContent: ev.Payload.FinalContent,
			FinalMessageID:      ev.Payload.FinalMessageID,
		},
	}, nil
}
