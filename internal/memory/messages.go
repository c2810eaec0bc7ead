// Package memory assembles the message history sent to the model from the
// persisted chat messages of a session.
package memory

import (
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
)

// missingResult stands in for a tool call whose result was never recorded,
// e.g. when the turn failed mid-dispatch.
const missingResult = `{"success":false,"error":"no result recorded"}`

// Groups splits position-ordered messages into logical turns.
func Groups(msgs []*domain.ChatMessage) [][]*domain.ChatMessage {
	var groups [][]*domain.ChatMessage
	index := make(map[string]int)
	for _, m := range msgs {
		key := m.GroupKey()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	return groups
}

// ModelMessages converts chat messages to model messages. Tool results are
// placed directly after the assistant message that requested them, since a
// confirmation reply may have been persisted in between.
func ModelMessages(msgs []*domain.ChatMessage) []ports.ModelMessage {
	results := make(map[string]*domain.ActionResult)
	for _, m := range msgs {
		if m.Role != domain.RoleTool {
			continue
		}
		if r, err := m.ToolResult(); err == nil && r != nil {
			results[r.ToolCallID] = r
		}
	}

	out := make([]ports.ModelMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleTool:
			// Emitted with the assistant message that owns it.
		case domain.RoleAssistant:
			calls, _ := m.ToolCalls()
			out = append(out, ports.ModelMessage{Role: domain.RoleAssistant, Content: m.Content, ToolCalls: calls})
			for _, c := range calls {
				msg := ports.ModelMessage{Role: domain.RoleTool, ToolCallID: c.ID, Name: c.Name, Content: missingResult}
				if r, ok := results[c.ID]; ok {
					msg.Content = r.Content()
				}
				out = append(out, msg)
			}
		default:
			out = append(out, ports.ModelMessage{Role: m.Role, Content: m.Content})
		}
	}
	return out
}
