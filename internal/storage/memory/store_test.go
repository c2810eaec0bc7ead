package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
)

func TestMemoryStore_TurnLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	sess := &domain.Session{ID: "sess-1", UserID: "user-1", AgentID: "support"}
	if err := store.CreateSession(ctx, sess, &domain.ChatMessage{ID: "w", Role: domain.RoleAssistant, Content: "Welcome"}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	turn, err := store.StartTurn(ctx, &ports.StartTurn{
		SessionID:      "sess-1",
		TurnIdentifier: "t1",
		Message:        &domain.ChatMessage{ID: "u1", Role: domain.RoleUser, Content: "hi", ExternalID: domain.UserExternalID("t1")},
	})
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if turn.TurnCount != 1 {
		t.Errorf("TurnCount = %d, want 1", turn.TurnCount)
	}

	write := func(seq int64, status domain.ProcessingStatus) error {
		return store.ApplyHop(ctx, &ports.HopWrite{
			Step: &domain.ExecutionStep{
				SessionID: "sess-1", TurnIdentifier: "t1", TurnCount: 1,
				StepType: domain.StepPrepareModelCall, SequenceNumber: seq,
			},
			Status: status,
		})
	}

	if err := write(1, domain.StatusProcessing); err != nil {
		t.Fatalf("ApplyHop(1) error = %v", err)
	}
	if err := write(1, domain.StatusProcessing); !errors.Is(err, domain.ErrDuplicateStep) {
		t.Errorf("ApplyHop(1) again error = %v, want duplicate", err)
	}
	if err := write(4, domain.StatusProcessing); !errors.Is(err, domain.ErrOutOfOrder) {
		t.Errorf("ApplyHop(4) error = %v, want out of order", err)
	}

	if err := store.Rewind(ctx, "sess-1", 2); err != nil {
		t.Fatalf("Rewind() error = %v", err)
	}
	if err := write(2, domain.StatusProcessing); !errors.Is(err, domain.ErrStaleTurn) {
		t.Errorf("ApplyHop(2) after rewind error = %v, want stale", err)
	}

	msgs, err := store.ListMessages(ctx, "sess-1", ports.HistoryOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "w" {
		t.Errorf("messages = %+v, want only the welcome message", msgs)
	}
}

func TestMemoryStore_DuplicateExternalID(t *testing.T) {
	store := New()
	ctx := context.Background()
	if err := store.CreateSession(ctx, &domain.Session{ID: "s", UserID: "u", AgentID: "a"}, nil); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	req := func() *ports.StartTurn {
		return &ports.StartTurn{
			SessionID:      "s",
			TurnIdentifier: "t1",
			Message:        &domain.ChatMessage{ID: "u1", Role: domain.RoleUser, ExternalID: domain.UserExternalID("t1")},
		}
	}
	if _, err := store.StartTurn(ctx, req()); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if _, err := store.StartTurn(ctx, req()); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("StartTurn() error = %v, want conflict", err)
	}

	turn, _ := store.GetTurn(ctx, "s")
	if turn.TurnCount != 1 {
		t.Errorf("TurnCount = %d, want 1", turn.TurnCount)
	}
}

func TestMemoryStore_Ledger(t *testing.T) {
	store := New()
	ctx := context.Background()
	if err := store.CreateSession(ctx, &domain.Session{ID: "s", UserID: "u", AgentID: "a"}, nil); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := store.StartTurn(ctx, &ports.StartTurn{
		SessionID: "s", TurnIdentifier: "t1",
		Message: &domain.ChatMessage{ID: "u1", Role: domain.RoleUser},
	}); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}

	err := store.ApplyHop(ctx, &ports.HopWrite{
		Step:   &domain.ExecutionStep{SessionID: "s", TurnIdentifier: "t1", TurnCount: 1, StepType: domain.StepDispatchActions, SequenceNumber: 1},
		Status: domain.StatusProcessing,
		Ledger: []string{"verify_identity"},
	})
	if err != nil {
		t.Fatalf("ApplyHop() error = %v", err)
	}

	got, _ := store.LedgerSatisfied(ctx, "s", []string{"verify_identity", "other"})
	if !got["verify_identity"] || got["other"] {
		t.Errorf("LedgerSatisfied() = %v, want only verify_identity", got)
	}
}

func TestMemoryStore_RewindRevokesLedger(t *testing.T) {
	store := New()
	ctx := context.Background()
	if err := store.CreateSession(ctx, &domain.Session{ID: "s", UserID: "u", AgentID: "a"}, nil); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	record := func(turnID string, turnCount int64, capability string) {
		t.Helper()
		if _, err := store.StartTurn(ctx, &ports.StartTurn{
			SessionID: "s", TurnIdentifier: turnID,
			Message: &domain.ChatMessage{ID: "u-" + turnID, Role: domain.RoleUser},
		}); err != nil {
			t.Fatalf("StartTurn(%s) error = %v", turnID, err)
		}
		err := store.ApplyHop(ctx, &ports.HopWrite{
			Step:     &domain.ExecutionStep{SessionID: "s", TurnIdentifier: turnID, TurnCount: turnCount, StepType: domain.StepDispatchActions, SequenceNumber: 1},
			Status:   domain.StatusIdle,
			Messages: []*domain.ChatMessage{{ID: "tool-" + turnID, Role: domain.RoleTool}},
			Ledger:   []string{capability},
		})
		if err != nil {
			t.Fatalf("ApplyHop(%s) error = %v", turnID, err)
		}
	}
	record("t1", 1, "verify_identity") // positions 1 and 2
	record("t2", 2, "get_balance")     // positions 3 and 4

	if err := store.Rewind(ctx, "s", 3); err != nil {
		t.Fatalf("Rewind() error = %v", err)
	}
	got, _ := store.LedgerSatisfied(ctx, "s", []string{"verify_identity", "get_balance"})
	if !got["verify_identity"] || got["get_balance"] {
		t.Errorf("LedgerSatisfied() = %v, want only verify_identity after rewind", got)
	}

	if err := store.Rewind(ctx, "s", 1); err != nil {
		t.Fatalf("Rewind() error = %v", err)
	}
	got, _ = store.LedgerSatisfied(ctx, "s", []string{"verify_identity"})
	if got["verify_identity"] {
		t.Errorf("LedgerSatisfied() = %v, want empty after rewinding the whole session", got)
	}
}

func TestMemoryStore_ClaimHop(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	if err := store.CreateSession(ctx, &domain.Session{ID: "s", UserID: "u", AgentID: "a"}, nil); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := store.StartTurn(ctx, &ports.StartTurn{
		SessionID: "s", TurnIdentifier: "t1",
		Message: &domain.ChatMessage{ID: "u1", Role: domain.RoleUser},
	}); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}

	claim := func(owner string, seq int64) error {
		return store.ClaimHop(ctx, &ports.HopClaim{
			SessionID: "s", TurnIdentifier: "t1", TurnCount: 1,
			SequenceNumber: seq, Owner: owner, Until: now.Add(time.Minute),
		})
	}

	if err := claim("a", 1); err != nil {
		t.Fatalf("ClaimHop(a) error = %v", err)
	}
	if err := claim("b", 1); !errors.Is(err, domain.ErrHopClaimed) {
		t.Errorf("ClaimHop(b) error = %v, want claimed", err)
	}
	if err := claim("a", 1); err != nil {
		t.Errorf("ClaimHop(a) again error = %v", err)
	}

	if err := store.ReleaseHop(ctx, "s", "b"); err != nil {
		t.Fatalf("ReleaseHop(b) error = %v", err)
	}
	if err := claim("b", 1); !errors.Is(err, domain.ErrHopClaimed) {
		t.Errorf("ClaimHop(b) after foreign release error = %v, want claimed", err)
	}
	if err := store.ReleaseHop(ctx, "s", "a"); err != nil {
		t.Fatalf("ReleaseHop(a) error = %v", err)
	}
	if err := claim("b", 1); err != nil {
		t.Fatalf("ClaimHop(b) after release error = %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := claim("c", 1); err != nil {
		t.Fatalf("ClaimHop(c) after expiry error = %v", err)
	}

	err := store.ApplyHop(ctx, &ports.HopWrite{
		Step:   &domain.ExecutionStep{SessionID: "s", TurnIdentifier: "t1", TurnCount: 1, StepType: domain.StepPrepareModelCall, SequenceNumber: 1},
		Status: domain.StatusProcessing,
	})
	if err != nil {
		t.Fatalf("ApplyHop() error = %v", err)
	}
	if err := claim("d", 1); !errors.Is(err, domain.ErrDuplicateStep) {
		t.Errorf("ClaimHop(applied step) error = %v, want duplicate", err)
	}
	if err := claim("d", 3); !errors.Is(err, domain.ErrOutOfOrder) {
		t.Errorf("ClaimHop(3) error = %v, want out of order", err)
	}
	if err := claim("d", 2); err != nil {
		t.Errorf("ClaimHop(2) error = %v", err)
	}
	if err := store.ClaimHop(ctx, &ports.HopClaim{SessionID: "s", TurnIdentifier: "t0", TurnCount: 1, SequenceNumber: 2, Owner: "e"}); !errors.Is(err, domain.ErrStaleTurn) {
		t.Errorf("ClaimHop(stale) error = %v, want stale", err)
	}
}

func TestMemoryStore_StartTurnSupersedesFailed(t *testing.T) {
	store := New()
	ctx := context.Background()
	if err := store.CreateSession(ctx, &domain.Session{ID: "s", UserID: "u", AgentID: "a"}, nil); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := store.StartTurn(ctx, &ports.StartTurn{
		SessionID: "s", TurnIdentifier: "t1",
		Message: &domain.ChatMessage{ID: "u1", Role: domain.RoleUser},
	}); err != nil {
		t.Fatalf("StartTurn(t1) error = %v", err)
	}
	if err := store.ApplyHop(ctx, &ports.HopWrite{
		Step:   &domain.ExecutionStep{SessionID: "s", TurnIdentifier: "t1", TurnCount: 1, StepType: domain.StepFailed, SequenceNumber: 1},
		Status: domain.StatusFailed,
	}); err != nil {
		t.Fatalf("ApplyHop(failed) error = %v", err)
	}

	turn, err := store.StartTurn(ctx, &ports.StartTurn{
		SessionID: "s", TurnIdentifier: "t2",
		Message: &domain.ChatMessage{ID: "u2", Role: domain.RoleUser},
	})
	if err != nil {
		t.Fatalf("StartTurn(t2) error = %v", err)
	}
	if turn.Status != domain.StatusProcessing || turn.TurnCount != 2 {
		t.Errorf("turn = %+v, want processing turn 2", turn)
	}
}
