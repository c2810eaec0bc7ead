package memory

import "github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"

// BufferWindow returns the last n messages, extended backward until the
// oldest included logical turn is complete. n <= 0 returns everything.
func BufferWindow(msgs []*domain.ChatMessage, n int) []*domain.ChatMessage {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}

	start := len(msgs) - n
	key := msgs[start].GroupKey()
	for start > 0 && msgs[start-1].GroupKey() == key {
		start--
	}
	return msgs[start:]
}
