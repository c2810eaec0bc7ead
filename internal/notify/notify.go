// Package notify delivers transient progress messages and streams session
// events to websocket clients.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
)

// Publisher sends transient messages on the transient topic. Delivery is
// best effort: failures are logged and never reach the caller.
type Publisher struct {
	bus    ports.Publisher
	logger *slog.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(bus ports.Publisher, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{bus: bus, logger: logger}
}

// Notify publishes msg.
func (p *Publisher) Notify(ctx context.Context, msg domain.TransientMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn("failed to encode transient message", slog.String("error", err.Error()))
		return
	}
	if err := p.bus.Publish(ctx, ports.TopicTransient, payload); err != nil {
		p.logger.Warn("failed to publish transient message",
			slog.String("session_id", msg.SessionID),
			slog.String("message_id", msg.MessageID),
			slog.String("error", err.Error()))
	}
}
