package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
)

// SessionStore persists chat sessions and their execution row.
type SessionStore interface {
	// CreateSession creates the session, its idle execution row and the
	// optional welcome message in one transaction.
	CreateSession(ctx context.Context, session *domain.Session, welcome *domain.ChatMessage) error

	// GetSession retrieves a session by ID
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// MostRecentSession returns the latest session of a user for an agent and
	// context record, or ErrNotFound.
	MostRecentSession(ctx context.Context, userID, agentID, contextRecordID string) (*domain.Session, error)
}

// HistoryOptions pages chat history.
type HistoryOptions struct {
	Limit int
	// Before restricts the page to messages strictly older than this time.
	Before *time.Time
}

// MessageStore reads session messages. Writes go through TurnStore so they
// share the hop transaction.
type MessageStore interface {
	// ListMessages returns the newest Limit messages matching opts, ordered
	// oldest to newest.
	ListMessages(ctx context.Context, sessionID string, opts HistoryOptions) ([]*domain.ChatMessage, error)

	// AllMessages returns every message of a session in position order.
	AllMessages(ctx context.Context, sessionID string) ([]*domain.ChatMessage, error)

	// MessageByExternalID finds a message by its external id, or ErrNotFound.
	MessageByExternalID(ctx context.Context, sessionID, externalID string) (*domain.ChatMessage, error)
}

// StartTurn describes a new user message that opens a turn.
type StartTurn struct {
	SessionID      string
	TurnIdentifier string
	Message        *domain.ChatMessage
}

// HopWrite is everything a hop changes, applied in one transaction.
//
// The write is rejected with ErrStaleTurn when the execution row no longer
// carries Step.TurnIdentifier/Step.TurnCount, with ErrDuplicateStep when a
// step at or after Step.SequenceNumber exists, and with ErrOutOfOrder when
// Step.SequenceNumber is not the successor of the last step.
type HopWrite struct {
	Step     *domain.ExecutionStep
	Status   domain.ProcessingStatus
	Pending  *domain.PendingConfirmation
	Messages []*domain.ChatMessage
	Ledger   []string
	Summary  *domain.MemorySummary
}

// HopClaim reserves the next step of a turn for one delivery of its event
// before the hop runs any side effect.
type HopClaim struct {
	SessionID      string
	TurnIdentifier string
	TurnCount      int64
	SequenceNumber int64
	Owner          string
	Until          time.Time
}

// TurnStore persists the execution row, steps, ledger and summaries.
type TurnStore interface {
	// GetTurn returns the execution row of a session.
	GetTurn(ctx context.Context, sessionID string) (*domain.Turn, error)

	// StartTurn appends the user message and rotates the execution row to
	// the new turn identifier with an incremented turn count. A message with
	// the same external id yields ErrConflict.
	StartTurn(ctx context.Context, req *StartTurn) (*domain.Turn, error)

	// RecordReply appends a confirmation reply to the active turn and moves
	// it from AwaitingAction to Processing. It returns ErrConflict when the
	// turn is no longer awaiting an action.
	RecordReply(ctx context.Context, sessionID string, msg *domain.ChatMessage) (*domain.Turn, error)

	// LastStep returns the highest sequence step of a turn, or nil. Turns
	// are addressed by their session-local turn count.
	LastStep(ctx context.Context, sessionID string, turnCount int64) (*domain.ExecutionStep, error)

	// ListSteps returns the steps of a turn ordered by sequence.
	ListSteps(ctx context.Context, sessionID string, turnCount int64) ([]*domain.ExecutionStep, error)

	// ClaimHop reserves a step for c.Owner until c.Until. It applies the
	// same stale and ordering checks as ApplyHop and returns ErrHopClaimed
	// while a different owner holds an unexpired claim on the step.
	ClaimHop(ctx context.Context, c *HopClaim) error

	// ReleaseHop drops the claim owner holds on a session, if any.
	ReleaseHop(ctx context.Context, sessionID, owner string) error

	// ApplyHop atomically applies a hop and clears the claim on its step.
	// See HopWrite.
	ApplyHop(ctx context.Context, w *HopWrite) error

	// LedgerSatisfied reports which of the names are recorded for a session.
	LedgerSatisfied(ctx context.Context, sessionID string, names []string) (map[string]bool, error)

	// GetSummary returns the running summary of a session, or nil.
	GetSummary(ctx context.Context, sessionID string) (*domain.MemorySummary, error)

	// Rewind deletes messages from position onward, invalidates the active
	// turn and drops a summary that covers deleted messages. Ledger entries
	// recorded at or after position are dropped too.
	Rewind(ctx context.Context, sessionID string, position int64) error

	// StalledTurns lists non-terminal turns idle since before the cutoff.
	StalledTurns(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Turn, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	SessionStore
	MessageStore
	TurnStore
	Close() error
}
