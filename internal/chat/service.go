// Package chat is the synchronous front end of the engine: sessions,
// message submission, history and rewinds.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
	"github.com/tjfontaine/polyglot-turn-engine/internal/engine"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Scheduler starts and resumes turn chains.
type Scheduler interface {
	Kickoff(ctx context.Context, turn *domain.Turn) error
	Resume(ctx context.Context, turn *domain.Turn, decision domain.ConfirmationDecision) error
}

// Agents looks up agent configuration.
type Agents interface {
	Agent(name string) (*domain.Agent, error)
}

// SessionInfo describes a session to the client.
type SessionInfo struct {
	SessionID                string `json:"session_id,omitempty"`
	WelcomeMessage           string `json:"welcome_message,omitempty"`
	TransientMessagesEnabled bool   `json:"transient_messages_enabled"`
}

// SendRequest is a user message submission.
type SendRequest struct {
	SessionID       string `json:"-"`
	Message         string `json:"message"`
	ContextRecordID string `json:"context_record_id,omitempty"`
	TurnIdentifier  string `json:"turn_identifier"`
}

// SendResult acknowledges a submission. The answer arrives on the
// final-result channel.
type SendResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Service implements the chat operations.
type Service struct {
	store     ports.Store
	agents    Agents
	scheduler Scheduler
	logger    *slog.Logger
	newID     func() string
}

// NewService creates a Service.
func NewService(store ports.Store, agents Agents, scheduler Scheduler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		agents:    agents,
		scheduler: scheduler,
		logger:    logger,
		newID:     uuid.NewString,
	}
}

// CreateSession opens a new session with agentName and stores its welcome
// message.
func (s *Service) CreateSession(ctx context.Context, userID, contextRecordID, agentName string) (*SessionInfo, error) {
	agent, err := s.agents.Agent(agentName)
	if err != nil {
		return nil, err
	}

	sess := &domain.Session{
		ID:              s.newID(),
		UserID:          userID,
		AgentID:         agent.DeveloperName,
		ContextRecordID: contextRecordID,
	}
	var welcome *domain.ChatMessage
	if agent.WelcomeMessage != "" {
		welcome = &domain.ChatMessage{ID: s.newID(), Role: domain.RoleAssistant, Content: agent.WelcomeMessage}
	}
	if err := s.store.CreateSession(ctx, sess, welcome); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info("session created",
		slog.String("session_id", sess.ID),
		slog.String("agent", agent.DeveloperName))
	return &SessionInfo{
		SessionID:                sess.ID,
		WelcomeMessage:           agent.WelcomeMessage,
		TransientMessagesEnabled: agent.TransientMessagesEnabled,
	}, nil
}

// MostRecentSession returns the caller's latest session with agentName for
// contextRecordID. SessionID is empty when there is none.
func (s *Service) MostRecentSession(ctx context.Context, userID, agentName, contextRecordID string) (*SessionInfo, error) {
	agent, err := s.agents.Agent(agentName)
	if err != nil {
		return nil, err
	}
	info := &SessionInfo{
		WelcomeMessage:           agent.WelcomeMessage,
		TransientMessagesEnabled: agent.TransientMessagesEnabled,
	}

	sess, err := s.store.MostRecentSession(ctx, userID, agent.DeveloperName, contextRecordID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return info, nil
		}
		return nil, err
	}
	info.SessionID = sess.ID
	return info, nil
}

// session loads sessionID and checks that userID owns it. Foreign sessions
// are reported as missing.
func (s *Service) session(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	return sess, nil
}

// SendMessage records a user message and schedules its processing. While
// the session awaits a confirmation the message is the user's answer;
// otherwise it starts a new turn, superseding any turn in flight.
// Resubmitting a turnIdentifier is acknowledged without side effects.
func (s *Service) SendMessage(ctx context.Context, userID string, req SendRequest) (*SendResult, error) {
	content := strings.TrimSpace(req.Message)
	if content == "" {
		return nil, domain.NewError(domain.KindValidation, "message is required")
	}
	sess, err := s.session(ctx, userID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if req.ContextRecordID != "" && req.ContextRecordID != sess.ContextRecordID {
		return nil, domain.NewError(domain.KindValidation, "context record does not match the session")
	}
	if req.TurnIdentifier == "" {
		req.TurnIdentifier = s.newID()
	}

	externalID := domain.UserExternalID(req.TurnIdentifier)
	if _, err := s.store.MessageByExternalID(ctx, sess.ID, externalID); err == nil {
		return &SendResult{Success: true}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	msg := &domain.ChatMessage{
		ID:         s.newID(),
		Role:       domain.RoleUser,
		Content:    content,
		ExternalID: externalID,
	}

	turn, err := s.store.GetTurn(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if turn.Status == domain.StatusAwaitingAction && turn.Pending != nil {
		resumed, err := s.reply(ctx, sess.ID, msg, engine.IsAffirmative(content))
		if err == nil {
			return resumed, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		// The confirmation was settled concurrently; the message opens a
		// new turn instead.
	}

	turn, err = s.store.StartTurn(ctx, &ports.StartTurn{
		SessionID:      sess.ID,
		TurnIdentifier: req.TurnIdentifier,
		Message:        msg,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return &SendResult{Success: true}, nil
		}
		return nil, fmt.Errorf("failed to start turn: %w", err)
	}
	s.logger.Info("turn started",
		slog.String("session_id", sess.ID),
		slog.String("turn_identifier", turn.TurnIdentifier),
		slog.Int64("turn_count", turn.TurnCount))

	if err := s.scheduler.Kickoff(ctx, turn); err != nil {
		return &SendResult{Success: false, Error: err.Error()}, nil
	}
	return &SendResult{Success: true}, nil
}

// reply records msg as the answer to the pending confirmation and resumes
// the turn.
func (s *Service) reply(ctx context.Context, sessionID string, msg *domain.ChatMessage, approved bool) (*SendResult, error) {
	turn, err := s.store.RecordReply(ctx, sessionID, msg)
	if err != nil {
		return nil, err
	}
	s.logger.Info("confirmation answered",
		slog.String("session_id", sessionID),
		slog.String("turn_identifier", turn.TurnIdentifier),
		slog.Bool("approved", approved))

	if err := s.scheduler.Resume(ctx, turn, domain.ConfirmationDecision{Approved: approved, MessageID: msg.ID}); err != nil {
		return &SendResult{Success: false, Error: err.Error()}, nil
	}
	return &SendResult{Success: true}, nil
}

// Confirm answers the pending confirmation explicitly.
func (s *Service) Confirm(ctx context.Context, userID, sessionID string, approved bool) (*SendResult, error) {
	sess, err := s.session(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	content := "Declined."
	if approved {
		content = "Approved."
	}
	return s.reply(ctx, sess.ID, &domain.ChatMessage{
		ID:         s.newID(),
		Role:       domain.RoleUser,
		Content:    content,
		ExternalID: "confirmation-" + s.newID(),
	}, approved)
}

// History pages through a session's messages, oldest first. before, when
// set, excludes messages at or after that instant.
func (s *Service) History(ctx context.Context, userID, sessionID string, limit int, before *time.Time) ([]*domain.ChatMessage, error) {
	if _, err := s.session(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	return s.store.ListMessages(ctx, sessionID, ports.HistoryOptions{Limit: limit, Before: before})
}

// StartOver removes the message with externalID and everything after it,
// cancelling any turn in flight.
func (s *Service) StartOver(ctx context.Context, userID, sessionID, externalID string) error {
	if externalID == "" {
		return domain.NewError(domain.KindValidation, "external_id is required")
	}
	if _, err := s.session(ctx, userID, sessionID); err != nil {
		return err
	}
	msg, err := s.store.MessageByExternalID(ctx, sessionID, externalID)
	if err != nil {
		return err
	}
	if err := s.store.Rewind(ctx, sessionID, msg.Position); err != nil {
		return fmt.Errorf("failed to rewind session: %w", err)
	}
	s.logger.Info("session rewound",
		slog.String("session_id", sessionID),
		slog.Int64("position", msg.Position))
	return nil
}

// Authorize reports whether userID may read sessionID.
func (s *Service) Authorize(ctx context.Context, userID, sessionID string) error {
	_, err := s.session(ctx, userID, sessionID)
	return err
}
