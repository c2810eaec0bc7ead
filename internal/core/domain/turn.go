package domain

import (
	"encoding/json"
	"time"
)

// ProcessingStatus is the state of a session's agent execution.
type ProcessingStatus string

const (
	StatusIdle             ProcessingStatus = "idle"
	StatusProcessing       ProcessingStatus = "processing"
	StatusAwaitingAction   ProcessingStatus = "awaiting_action"
	StatusAwaitingFollowup ProcessingStatus = "awaiting_followup"
	StatusFailed           ProcessingStatus = "failed"
)

// transitions lists every allowed status change. Self transitions are
// listed explicitly where the state machine loops. Every status may move to
// Processing because a new user message supersedes whatever turn was active.
var transitions = map[ProcessingStatus][]ProcessingStatus{
	StatusIdle:             {StatusProcessing},
	StatusProcessing:       {StatusProcessing, StatusAwaitingAction, StatusAwaitingFollowup, StatusIdle, StatusFailed},
	StatusAwaitingAction:   {StatusProcessing},
	StatusAwaitingFollowup: {StatusProcessing, StatusFailed},
	StatusFailed:           {StatusProcessing, StatusIdle},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to ProcessingStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no hop may run for a turn in this status.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusIdle || s == StatusFailed
}

// Session is a chat session between one user and one agent, optionally
// anchored to an external record.
type Session struct {
	ID              string    `json:"session_id" db:"id"`
	UserID          string    `json:"user_id" db:"user_id"`
	AgentID         string    `json:"agent_id" db:"agent_id"`
	ContextRecordID string    `json:"context_record_id,omitempty" db:"context_record_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Turn is the agent execution record of a session. There is exactly one
// per session; each new user message rotates TurnIdentifier and bumps
// TurnCount, which invalidates any chain still running for the old turn.
type Turn struct {
	SessionID      string               `json:"session_id"`
	UserID         string               `json:"user_id"`
	AgentID        string               `json:"agent_id"`
	TurnIdentifier string               `json:"turn_identifier"`
	TurnCount      int64                `json:"turn_count"`
	Status         ProcessingStatus     `json:"processing_status"`
	Pending        *PendingConfirmation `json:"pending_confirmation,omitempty"`
	LastActivityAt time.Time            `json:"last_activity_at"`
}

// Matches reports whether an event addressed to (turnIdentifier, turnCount)
// still targets the active turn.
func (t *Turn) Matches(turnIdentifier string, turnCount int64) bool {
	return t.TurnIdentifier == turnIdentifier && t.TurnCount == turnCount
}

// PendingConfirmation is a tool call suspended behind the confirmation gate,
// together with everything needed to resume the batch it belongs to.
type PendingConfirmation struct {
	Call            ToolCall       `json:"call"`
	Deferred        []ToolCall     `json:"deferred,omitempty"`
	Results         []ActionResult `json:"results,omitempty"`
	ExecutedActions []string       `json:"executed_actions,omitempty"`
	ToolRound       int            `json:"tool_round"`
	RequestedAt     time.Time      `json:"requested_at"`
}

// StepType names one hop of the turn chain.
type StepType string

const (
	StepPrepareModelCall      StepType = "prepare_model_call"
	StepModelResponseReceived StepType = "model_response_received"
	StepDispatchActions       StepType = "dispatch_actions"
	StepActionResultReceived  StepType = "action_result_received"
	StepPrepareFollowup       StepType = "prepare_followup"
	StepFinalize              StepType = "finalize"
	StepFailed                StepType = "failed"
)

// Valid reports whether s is one of the known step types.
func (s StepType) Valid() bool {
	switch s {
	case StepPrepareModelCall, StepModelResponseReceived, StepDispatchActions,
		StepActionResultReceived, StepPrepareFollowup, StepFinalize, StepFailed:
		return true
	}
	return false
}

// ExecutionStep is the durable record of one applied hop.
// (TurnIdentifier, SequenceNumber) is unique.
type ExecutionStep struct {
	SessionID      string          `json:"session_id"`
	TurnIdentifier string          `json:"turn_identifier"`
	TurnCount      int64           `json:"turn_count"`
	StepType       StepType        `json:"step_type"`
	SequenceNumber int64           `json:"sequence_number"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	// NextEvent is the event emitted after this step was applied, kept so a
	// stalled chain can be re-published.
	NextEvent *OrchestrationEvent `json:"next_event,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// LedgerEntry marks an EntireSession-scoped capability as having had its
// prerequisites satisfied within a session.
type LedgerEntry struct {
	SessionID      string    `json:"session_id"`
	CapabilityName string    `json:"capability_name"`
	SatisfiedAt    time.Time `json:"satisfied_at"`
}

// MemorySummary is the rolling summary kept by the SummaryBuffer strategy.
type MemorySummary struct {
	SessionID              string    `json:"session_id"`
	Summary                string    `json:"summary"`
	CoveredThroughPosition int64     `json:"covered_through_position"`
	UpdatedAt              time.Time `json:"updated_at"`
}
