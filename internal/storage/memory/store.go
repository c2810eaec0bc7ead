// Package memory is an in-memory implementation of the engine store for
// tests and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
)

type stepKey struct {
	sessionID string
	turnCount int64
}

type ledgerEntry struct {
	satisfiedAt time.Time
	position    int64
}

// Store is an in-memory implementation of ports.Store
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*domain.Session
	turns     map[string]*domain.Turn
	messages  map[string][]*domain.ChatMessage
	steps     map[stepKey][]*domain.ExecutionStep
	ledger    map[string]map[string]ledgerEntry
	claims    map[string]ports.HopClaim
	summaries map[string]*domain.MemorySummary
	now       func() time.Time
}

var _ ports.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		sessions:  make(map[string]*domain.Session),
		turns:     make(map[string]*domain.Turn),
		messages:  make(map[string][]*domain.ChatMessage),
		steps:     make(map[stepKey][]*domain.ExecutionStep),
		ledger:    make(map[string]map[string]ledgerEntry),
		claims:    make(map[string]ports.HopClaim),
		summaries: make(map[string]*domain.MemorySummary),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error {
	return nil
}

func copyTurn(t *domain.Turn) *domain.Turn {
	c := *t
	if t.Pending != nil {
		p := *t.Pending
		c.Pending = &p
	}
	return &c
}

func copyMessage(m *domain.ChatMessage) *domain.ChatMessage {
	c := *m
	return &c
}

func (s *Store) CreateSession(ctx context.Context, session *domain.Session, welcome *domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return domain.NewError(domain.KindConflict, fmt.Sprintf("session %s already exists", session.ID))
	}

	now := s.now()
	session.CreatedAt = now
	session.UpdatedAt = now
	stored := *session
	s.sessions[session.ID] = &stored
	s.turns[session.ID] = &domain.Turn{
		SessionID:      session.ID,
		UserID:         session.UserID,
		AgentID:        session.AgentID,
		Status:         domain.StatusIdle,
		LastActivityAt: now,
	}

	if welcome != nil {
		welcome.SessionID = session.ID
		if err := s.appendMessages(session.ID, []*domain.ChatMessage{welcome}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("session %s not found", id))
	}
	c := *sess
	return &c, nil
}

func (s *Store) MostRecentSession(ctx context.Context, userID, agentID, contextRecordID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *domain.Session
	for _, sess := range s.sessions {
		if sess.UserID != userID || sess.AgentID != agentID || sess.ContextRecordID != contextRecordID {
			continue
		}
		if best == nil || sess.CreatedAt.After(best.CreatedAt) {
			best = sess
		}
	}
	if best == nil {
		return nil, domain.NewError(domain.KindNotFound, "no session for agent "+agentID)
	}
	c := *best
	return &c, nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, opts ports.HistoryOptions) ([]*domain.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var matched []*domain.ChatMessage
	for _, m := range s.messages[sessionID] {
		if opts.Before != nil && !m.Timestamp.Before(*opts.Before) {
			continue
		}
		matched = append(matched, m)
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}

	result := make([]*domain.ChatMessage, len(matched))
	for i, m := range matched {
		result[i] = copyMessage(m)
	}
	return result, nil
}

func (s *Store) AllMessages(ctx context.Context, sessionID string) ([]*domain.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	result := make([]*domain.ChatMessage, len(msgs))
	for i, m := range msgs {
		result[i] = copyMessage(m)
	}
	return result, nil
}

func (s *Store) MessageByExternalID(ctx context.Context, sessionID, externalID string) (*domain.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.messages[sessionID] {
		if externalID != "" && m.ExternalID == externalID {
			return copyMessage(m), nil
		}
	}
	return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("message %s not found", externalID))
}

// appendMessages must be called with the write lock held.
func (s *Store) appendMessages(sessionID string, msgs []*domain.ChatMessage) error {
	existing := s.messages[sessionID]
	for _, m := range msgs {
		if m.ExternalID == "" {
			continue
		}
		for _, e := range existing {
			if e.ExternalID == m.ExternalID {
				return domain.NewError(domain.KindConflict, "message "+m.ExternalID+" already exists")
			}
		}
	}

	var last int64
	if n := len(existing); n > 0 {
		last = existing[n-1].Position
	}
	for _, m := range msgs {
		last++
		m.SessionID = sessionID
		m.Position = last
		if m.Timestamp.IsZero() {
			m.Timestamp = s.now()
		}
		existing = append(existing, copyMessage(m))
	}
	s.messages[sessionID] = existing
	return nil
}

func (s *Store) GetTurn(ctx context.Context, sessionID string) (*domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.turns[sessionID]
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("execution for session %s not found", sessionID))
	}
	return copyTurn(t), nil
}

func (s *Store) StartTurn(ctx context.Context, req *ports.StartTurn) (*domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.turns[req.SessionID]
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("execution for session %s not found", req.SessionID))
	}

	if !domain.CanTransition(t.Status, domain.StatusProcessing) {
		return nil, domain.NewError(domain.KindConflict, fmt.Sprintf("invalid transition %s -> %s", t.Status, domain.StatusProcessing))
	}

	req.Message.TurnIdentifier = req.TurnIdentifier
	if err := s.appendMessages(req.SessionID, []*domain.ChatMessage{req.Message}); err != nil {
		return nil, err
	}

	delete(s.claims, req.SessionID)
	t.TurnIdentifier = req.TurnIdentifier
	t.TurnCount++
	t.Status = domain.StatusProcessing
	t.Pending = nil
	t.LastActivityAt = s.now()
	return copyTurn(t), nil
}

func (s *Store) RecordReply(ctx context.Context, sessionID string, msg *domain.ChatMessage) (*domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.turns[sessionID]
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("execution for session %s not found", sessionID))
	}
	if t.Status != domain.StatusAwaitingAction || t.Pending == nil {
		return nil, domain.NewError(domain.KindConflict, fmt.Sprintf("turn is %s, not awaiting an action", t.Status))
	}

	msg.TurnIdentifier = t.TurnIdentifier
	if err := s.appendMessages(sessionID, []*domain.ChatMessage{msg}); err != nil {
		return nil, err
	}
	t.Status = domain.StatusProcessing
	t.LastActivityAt = s.now()
	return copyTurn(t), nil
}

func (s *Store) LastStep(ctx context.Context, sessionID string, turnCount int64) (*domain.ExecutionStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := s.steps[stepKey{sessionID, turnCount}]
	if len(steps) == 0 {
		return nil, nil
	}
	c := *steps[len(steps)-1]
	return &c, nil
}

func (s *Store) ListSteps(ctx context.Context, sessionID string, turnCount int64) ([]*domain.ExecutionStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := s.steps[stepKey{sessionID, turnCount}]
	result := make([]*domain.ExecutionStep, len(steps))
	for i, st := range steps {
		c := *st
		result[i] = &c
	}
	return result, nil
}

// checkStep must be called with the lock held.
func (s *Store) checkStep(sessionID, turnIdentifier string, turnCount, seq int64) (*domain.Turn, error) {
	t, ok := s.turns[sessionID]
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("execution for session %s not found", sessionID))
	}
	if !t.Matches(turnIdentifier, turnCount) {
		return nil, domain.NewError(domain.KindStaleTurn, fmt.Sprintf(
			"turn %s/%d superseded by %s/%d", turnIdentifier, turnCount, t.TurnIdentifier, t.TurnCount))
	}

	last := int64(len(s.steps[stepKey{sessionID, turnCount}]))
	switch {
	case seq <= last:
		return nil, domain.NewError(domain.KindDuplicateStep, fmt.Sprintf("step %d already applied", seq))
	case seq != last+1:
		return nil, domain.NewError(domain.KindOutOfOrder, fmt.Sprintf("step %d does not follow %d", seq, last))
	}
	return t, nil
}

func (s *Store) ClaimHop(ctx context.Context, c *ports.HopClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.checkStep(c.SessionID, c.TurnIdentifier, c.TurnCount, c.SequenceNumber); err != nil {
		return err
	}
	held, ok := s.claims[c.SessionID]
	if ok && held.Owner != c.Owner && held.TurnCount == c.TurnCount &&
		held.SequenceNumber == c.SequenceNumber && held.Until.After(s.now()) {
		return domain.NewError(domain.KindHopClaimed, fmt.Sprintf("step %d claimed by %s", c.SequenceNumber, held.Owner))
	}
	s.claims[c.SessionID] = *c
	return nil
}

func (s *Store) ReleaseHop(ctx context.Context, sessionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.claims[sessionID]; ok && held.Owner == owner {
		delete(s.claims, sessionID)
	}
	return nil
}

func (s *Store) ApplyHop(ctx context.Context, w *ports.HopWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step := w.Step
	t, err := s.checkStep(step.SessionID, step.TurnIdentifier, step.TurnCount, step.SequenceNumber)
	if err != nil {
		return err
	}
	key := stepKey{step.SessionID, step.TurnCount}
	if !domain.CanTransition(t.Status, w.Status) {
		return domain.NewError(domain.KindConflict, fmt.Sprintf("invalid transition %s -> %s", t.Status, w.Status))
	}

	if err := s.appendMessages(step.SessionID, w.Messages); err != nil {
		return err
	}

	now := s.now()
	step.CreatedAt = now
	stored := *step
	s.steps[key] = append(s.steps[key], &stored)

	if held, ok := s.claims[step.SessionID]; ok && held.TurnCount == step.TurnCount && held.SequenceNumber <= step.SequenceNumber {
		delete(s.claims, step.SessionID)
	}

	if len(w.Ledger) > 0 {
		entries := s.ledger[step.SessionID]
		if entries == nil {
			entries = make(map[string]ledgerEntry)
			s.ledger[step.SessionID] = entries
		}
		var position int64
		if msgs := s.messages[step.SessionID]; len(msgs) > 0 {
			position = msgs[len(msgs)-1].Position
		}
		for _, name := range w.Ledger {
			if _, ok := entries[name]; !ok {
				entries[name] = ledgerEntry{satisfiedAt: now, position: position}
			}
		}
	}

	if w.Summary != nil {
		sum := *w.Summary
		sum.SessionID = step.SessionID
		sum.UpdatedAt = now
		s.summaries[step.SessionID] = &sum
	}

	t.Status = w.Status
	t.Pending = nil
	if w.Pending != nil {
		p := *w.Pending
		t.Pending = &p
	}
	t.LastActivityAt = now
	return nil
}

func (s *Store) LedgerSatisfied(ctx context.Context, sessionID string, names []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	satisfied := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := s.ledger[sessionID][name]; ok {
			satisfied[name] = true
		}
	}
	return satisfied, nil
}

func (s *Store) GetSummary(ctx context.Context, sessionID string) (*domain.MemorySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum, ok := s.summaries[sessionID]
	if !ok {
		return nil, nil
	}
	c := *sum
	return &c, nil
}

func (s *Store) Rewind(ctx context.Context, sessionID string, position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.turns[sessionID]
	if !ok {
		return domain.NewError(domain.KindNotFound, fmt.Sprintf("execution for session %s not found", sessionID))
	}

	var kept []*domain.ChatMessage
	for _, m := range s.messages[sessionID] {
		if m.Position < position {
			kept = append(kept, m)
		}
	}
	s.messages[sessionID] = kept

	if sum, ok := s.summaries[sessionID]; ok && sum.CoveredThroughPosition >= position {
		delete(s.summaries, sessionID)
	}
	for name, entry := range s.ledger[sessionID] {
		if entry.position >= position {
			delete(s.ledger[sessionID], name)
		}
	}
	delete(s.claims, sessionID)

	t.TurnIdentifier = ""
	t.TurnCount++
	t.Status = domain.StatusIdle
	t.Pending = nil
	t.LastActivityAt = s.now()
	return nil
}

func (s *Store) StalledTurns(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Turn
	for _, t := range s.turns {
		if t.Status != domain.StatusProcessing && t.Status != domain.StatusAwaitingFollowup {
			continue
		}
		if t.LastActivityAt.Before(cutoff) {
			result = append(result, copyTurn(t))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActivityAt.Before(result[j].LastActivityAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
