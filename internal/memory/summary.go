package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
	"github.com/tjfontaine/polyglot-turn-engine/internal/tokens"
)

const summarizePrompt = `You maintain a running summary of a conversation between a user and an assistant.
Fold the new transcript into the existing summary. Keep facts, decisions, identifiers and open questions.
Answer with the updated summary only.`

// Counter counts prompt tokens for a model.
type Counter interface {
	CountMessages(model string, msgs []ports.ModelMessage) int
}

var _ Counter = (*tokens.Registry)(nil)

// Assembly is the history prepared for one model call.
type Assembly struct {
	// Summary is the running summary text to inject, if any.
	Summary  string
	Messages []*domain.ChatMessage
	// Updated is set when a new summary was produced and must be persisted
	// with the hop write.
	Updated *domain.MemorySummary
}

// Assembler applies an agent's memory strategy.
type Assembler struct {
	completer ports.Completer
	counter   Counter
	model     string
	logger    *slog.Logger
	now       func() time.Time
}

// NewAssembler creates an assembler. completer and model are used for
// summarization calls; model may be empty to summarize with the agent model.
func NewAssembler(completer ports.Completer, counter Counter, model string, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		completer: completer,
		counter:   counter,
		model:     model,
		logger:    logger,
		now:       time.Now,
	}
}

// Assemble selects the history for agent from the session's messages and
// its persisted summary. It never modifies msgs.
func (a *Assembler) Assemble(ctx context.Context, agent *domain.Agent, msgs []*domain.ChatMessage, summary *domain.MemorySummary) (*Assembly, error) {
	switch agent.Memory.Strategy {
	case domain.MemorySummaryBuffer:
		return a.summaryBuffer(ctx, agent, msgs, summary)
	case domain.MemoryBufferWindow, "":
		return &Assembly{Messages: BufferWindow(msgs, agent.Memory.Window)}, nil
	default:
		return nil, fmt.Errorf("unknown memory strategy %q", agent.Memory.Strategy)
	}
}

func (a *Assembler) summaryBuffer(ctx context.Context, agent *domain.Agent, msgs []*domain.ChatMessage, summary *domain.MemorySummary) (*Assembly, error) {
	var covered int64 = -1
	text := ""
	if summary != nil {
		covered = summary.CoveredThroughPosition
		text = summary.Summary
	}

	raw := make([]*domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Position > covered {
			raw = append(raw, m)
		}
	}

	result := &Assembly{Summary: text, Messages: raw}
	if a.counter.CountMessages(agent.Model, ModelMessages(raw)) <= agent.Memory.MaxBufferTokens {
		return result, nil
	}

	groups := Groups(raw)
	retain := agent.Memory.RetainTurns
	if retain < 1 {
		retain = 1
	}
	if len(groups) <= retain {
		return result, nil
	}

	var older []*domain.ChatMessage
	for _, g := range groups[:len(groups)-retain] {
		older = append(older, g...)
	}
	var recent []*domain.ChatMessage
	for _, g := range groups[len(groups)-retain:] {
		recent = append(recent, g...)
	}

	updated, err := a.summarize(ctx, agent, text, older)
	if err != nil {
		// The raw buffer is still a usable history; summarize next time.
		a.logger.Warn("summarization failed",
			slog.String("agent", agent.DeveloperName),
			slog.String("error", err.Error()))
		return result, nil
	}

	var through int64
	for _, m := range older {
		if m.Position > through {
			through = m.Position
		}
	}

	sessionID := older[0].SessionID
	result.Summary = updated
	result.Messages = recent
	result.Updated = &domain.MemorySummary{
		SessionID:              sessionID,
		Summary:                updated,
		CoveredThroughPosition: through,
		UpdatedAt:              a.now().UTC(),
	}
	return result, nil
}

func (a *Assembler) summarize(ctx context.Context, agent *domain.Agent, existing string, older []*domain.ChatMessage) (string, error) {
	var b strings.Builder
	if existing != "" {
		b.WriteString("Existing summary:\n")
		b.WriteString(existing)
		b.WriteString("\n\n")
	}
	b.WriteString("New transcript:\n")
	for _, m := range older {
		switch m.Role {
		case domain.RoleTool:
			r, _ := m.ToolResult()
			name := ""
			if r != nil {
				name = r.Name
			}
			fmt.Fprintf(&b, "tool(%s): %s\n", name, m.Content)
		default:
			if m.Content == "" {
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}

	model := a.model
	if model == "" {
		model = agent.Model
	}
	resp, err := a.completer.Complete(ctx, &ports.CompletionRequest{
		Model: model,
		Messages: []ports.ModelMessage{
			{Role: domain.RoleSystem, Content: summarizePrompt},
			{Role: domain.RoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", fmt.Errorf("empty summary")
	}
	return out, nil
}
