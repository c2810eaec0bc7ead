package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/tjfontaine/polyglot-turn-engine/internal/capability"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
	memstore "github.com/tjfontaine/polyglot-turn-engine/internal/storage/memory"
)

type fakeScheduler struct {
	mu        sync.Mutex
	kickoffs  []*domain.Turn
	decisions []domain.ConfirmationDecision
	err       error
}

func (f *fakeScheduler) Kickoff(ctx context.Context, turn *domain.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kickoffs = append(f.kickoffs, turn)
	return f.err
}

func (f *fakeScheduler) Resume(ctx context.Context, turn *domain.Turn, decision domain.ConfirmationDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, decision)
	return f.err
}

func newTestService(t *testing.T) (*Service, *memstore.Store, *fakeScheduler) {
	t.Helper()
	reg, err := capability.New([]domain.Agent{{
		DeveloperName:            "support",
		WelcomeMessage:           "Hi! How can I help you today?",
		TransientMessagesEnabled: true,
	}}, nil, nil)
	if err != nil {
		t.Fatalf("capability.New() error = %v", err)
	}
	store := memstore.New()
	sched := &fakeScheduler{}
	return NewService(store, reg, sched, slog.New(slog.NewTextHandler(io.Discard, nil))), store, sched
}

func TestService_NewSessionHistory(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	info, err := svc.CreateSession(ctx, "alice", "case-1", "support")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if info.SessionID == "" || !info.TransientMessagesEnabled || info.WelcomeMessage == "" {
		t.Errorf("info = %+v", info)
	}

	msgs, err := svc.History(ctx, "alice", info.SessionID, 0, nil)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != domain.RoleAssistant || msgs[0].Content != info.WelcomeMessage {
		t.Errorf("history = %+v, want only the welcome message", msgs)
	}

	if _, err := svc.History(ctx, "mallory", info.SessionID, 0, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("History() for another user error = %v, want not found", err)
	}
}

func TestService_UnknownAgent(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.CreateSession(context.Background(), "alice", "", "nobody"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("CreateSession() error = %v, want not found", err)
	}
}

func TestService_MostRecentSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	info, err := svc.MostRecentSession(ctx, "alice", "support", "case-1")
	if err != nil {
		t.Fatalf("MostRecentSession() error = %v", err)
	}
	if info.SessionID != "" || !info.TransientMessagesEnabled {
		t.Errorf("info = %+v, want no session", info)
	}

	created, err := svc.CreateSession(ctx, "alice", "case-1", "support")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	info, err = svc.MostRecentSession(ctx, "alice", "support", "case-1")
	if err != nil {
		t.Fatalf("MostRecentSession() error = %v", err)
	}
	if info.SessionID != created.SessionID {
		t.Errorf("SessionID = %s, want %s", info.SessionID, created.SessionID)
	}

	info, _ = svc.MostRecentSession(ctx, "bob", "support", "case-1")
	if info.SessionID != "" {
		t.Errorf("bob sees session %s", info.SessionID)
	}
}

func TestService_SendMessage(t *testing.T) {
	svc, store, sched := newTestService(t)
	ctx := context.Background()
	info, _ := svc.CreateSession(ctx, "alice", "case-1", "support")

	req := SendRequest{SessionID: info.SessionID, Message: "Where is my order?", TurnIdentifier: "t1"}
	res, err := svc.SendMessage(ctx, "alice", req)
	if err != nil || !res.Success {
		t.Fatalf("SendMessage() = %+v, %v", res, err)
	}
	if len(sched.kickoffs) != 1 || sched.kickoffs[0].TurnCount != 1 || sched.kickoffs[0].TurnIdentifier != "t1" {
		t.Fatalf("kickoffs = %+v", sched.kickoffs)
	}

	// Resubmitting the same turn is acknowledged without a new turn.
	res, err = svc.SendMessage(ctx, "alice", req)
	if err != nil || !res.Success {
		t.Fatalf("SendMessage() again = %+v, %v", res, err)
	}
	if len(sched.kickoffs) != 1 {
		t.Errorf("kickoffs = %d, want 1", len(sched.kickoffs))
	}

	msg, err := store.MessageByExternalID(ctx, info.SessionID, domain.UserExternalID("t1"))
	if err != nil {
		t.Fatalf("MessageByExternalID() error = %v", err)
	}
	if msg.TurnIdentifier != "t1" || msg.Role != domain.RoleUser {
		t.Errorf("message = %+v", msg)
	}

	// A new message supersedes the running turn.
	if _, err := svc.SendMessage(ctx, "alice", SendRequest{SessionID: info.SessionID, Message: "Never mind", TurnIdentifier: "t2"}); err != nil {
		t.Fatalf("SendMessage(t2) error = %v", err)
	}
	turn, _ := store.GetTurn(ctx, info.SessionID)
	if turn.TurnCount != 2 || turn.TurnIdentifier != "t2" {
		t.Errorf("turn = %+v, want t2/2", turn)
	}
}

func TestService_SendMessageValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	info, _ := svc.CreateSession(ctx, "alice", "case-1", "support")

	tests := []struct {
		name string
		user string
		req  SendRequest
		kind domain.ErrorKind
	}{
		{"empty message", "alice", SendRequest{SessionID: info.SessionID, Message: "  "}, domain.KindValidation},
		{"foreign session", "bob", SendRequest{SessionID: info.SessionID, Message: "hi"}, domain.KindNotFound},
		{"unknown session", "alice", SendRequest{SessionID: "missing", Message: "hi"}, domain.KindNotFound},
		{"other record", "alice", SendRequest{SessionID: info.SessionID, Message: "hi", ContextRecordID: "case-2"}, domain.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SendMessage(ctx, tt.user, tt.req)
			if got := domain.KindOf(err); got != tt.kind {
				t.Errorf("SendMessage() error = %v, want kind %s", err, tt.kind)
			}
		})
	}
}

func TestService_SendMessageKickoffFailure(t *testing.T) {
	svc, _, sched := newTestService(t)
	ctx := context.Background()
	info, _ := svc.CreateSession(ctx, "alice", "", "support")

	sched.err = domain.NewError(domain.KindEnqueue, "bus unavailable")
	res, err := svc.SendMessage(ctx, "alice", SendRequest{SessionID: info.SessionID, Message: "hi", TurnIdentifier: "t1"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if res.Success || res.Error == "" {
		t.Errorf("result = %+v, want failure", res)
	}
}

// awaitConfirmation moves the active turn of sessionID to AwaitingAction.
func awaitConfirmation(t *testing.T, store *memstore.Store, sessionID string) {
	t.Helper()
	ctx := context.Background()
	turn, err := store.GetTurn(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetTurn() error = %v", err)
	}
	err = store.ApplyHop(ctx, &ports.HopWrite{
		Step: &domain.ExecutionStep{
			SessionID: sessionID, TurnIdentifier: turn.TurnIdentifier, TurnCount: turn.TurnCount,
			StepType: domain.StepDispatchActions, SequenceNumber: 1,
		},
		Status:  domain.StatusAwaitingAction,
		Pending: &domain.PendingConfirmation{Call: domain.ToolCall{ID: "c1", Name: "refund"}},
	})
	if err != nil {
		t.Fatalf("ApplyHop() error = %v", err)
	}
}

func TestService_ReplyResumesPendingTurn(t *testing.T) {
	svc, store, sched := newTestService(t)
	ctx := context.Background()
	info, _ := svc.CreateSession(ctx, "alice", "", "support")

	if _, err := svc.SendMessage(ctx, "alice", SendRequest{SessionID: info.SessionID, Message: "Refund order 7", TurnIdentifier: "t1"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	awaitConfirmation(t, store, info.SessionID)

	res, err := svc.SendMessage(ctx, "alice", SendRequest{SessionID: info.SessionID, Message: "Yes", TurnIdentifier: "t2"})
	if err != nil || !res.Success {
		t.Fatalf("SendMessage(reply) = %+v, %v", res, err)
	}
	if len(sched.decisions) != 1 || !sched.decisions[0].Approved {
		t.Errorf("decisions = %+v, want one approval", sched.decisions)
	}
	if len(sched.kickoffs) != 1 {
		t.Errorf("kickoffs = %d, want the reply not to start a turn", len(sched.kickoffs))
	}

	turn, _ := store.GetTurn(ctx, info.SessionID)
	if turn.TurnCount != 1 || turn.Status != domain.StatusProcessing {
		t.Errorf("turn = %+v, want turn 1 processing", turn)
	}
}

func TestService_Confirm(t *testing.T) {
	svc, store, sched := newTestService(t)
	ctx := context.Background()
	info, _ := svc.CreateSession(ctx, "alice", "", "support")

	if _, err := svc.Confirm(ctx, "alice", info.SessionID, true); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Confirm() with nothing pending error = %v, want conflict", err)
	}

	if _, err := svc.SendMessage(ctx, "alice", SendRequest{SessionID: info.SessionID, Message: "Refund", TurnIdentifier: "t1"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	awaitConfirmation(t, store, info.SessionID)

	res, err := svc.Confirm(ctx, "alice", info.SessionID, false)
	if err != nil || !res.Success {
		t.Fatalf("Confirm() = %+v, %v", res, err)
	}
	if len(sched.decisions) != 1 || sched.decisions[0].Approved {
		t.Errorf("decisions = %+v, want one refusal", sched.decisions)
	}
}

func TestService_StartOver(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	info, _ := svc.CreateSession(ctx, "alice", "", "support")

	for _, id := range []string{"t1", "t2"} {
		if _, err := svc.SendMessage(ctx, "alice", SendRequest{SessionID: info.SessionID, Message: "message " + id, TurnIdentifier: id}); err != nil {
			t.Fatalf("SendMessage(%s) error = %v", id, err)
		}
	}

	if err := svc.StartOver(ctx, "alice", info.SessionID, domain.UserExternalID("t2")); err != nil {
		t.Fatalf("StartOver() error = %v", err)
	}
	msgs, _ := svc.History(ctx, "alice", info.SessionID, 0, nil)
	if len(msgs) != 2 || msgs[1].Content != "message t1" {
		t.Errorf("history = %d messages, want welcome and t1", len(msgs))
	}

	turn, _ := store.GetTurn(ctx, info.SessionID)
	if turn.TurnCount != 3 || turn.Status != domain.StatusIdle {
		t.Errorf("turn = %+v, want rewound idle turn", turn)
	}

	if err := svc.StartOver(ctx, "alice", info.SessionID, "unknown"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("StartOver(unknown) error = %v, want not found", err)
	}
}
