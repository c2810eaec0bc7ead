package chat

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
)

func newTestRouter(t *testing.T) (http.Handler, *fakeScheduler) {
	t.Helper()
	svc, _, sched := newTestService(t)
	r := chi.NewRouter()
	NewHandler(svc, nil, slog.New(slog.NewTextHandler(io.Discard, nil))).Routes(r)
	return r, sched
}

func do(t *testing.T, h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_SessionFlow(t *testing.T) {
	h, sched := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/api/sessions", "alice", `{"agent_developer_name":"support","context_record_id":"case-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	var info SessionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	rec = do(t, h, http.MethodPost, "/api/sessions/"+info.SessionID+"/messages", "alice", `{"message":"hello","turn_identifier":"t1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send status = %d, body %s", rec.Code, rec.Body)
	}
	if len(sched.kickoffs) != 1 {
		t.Errorf("kickoffs = %d, want 1", len(sched.kickoffs))
	}

	rec = do(t, h, http.MethodGet, "/api/sessions/"+info.SessionID+"/messages?limit=10", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var hist historyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(hist.Messages) != 2 || hist.Messages[1].Content != "hello" {
		t.Errorf("history = %+v", hist.Messages)
	}

	rec = do(t, h, http.MethodGet, "/api/sessions/recent?agentDeveloperName=support&contextRecordId=case-1", "alice", "")
	var recent SessionInfo
	_ = json.Unmarshal(rec.Body.Bytes(), &recent)
	if rec.Code != http.StatusOK || recent.SessionID != info.SessionID {
		t.Errorf("recent = %d %+v", rec.Code, recent)
	}

	rec = do(t, h, http.MethodPost, "/api/sessions/"+info.SessionID+"/start-over", "alice", `{"external_id":"user-t1"}`)
	if rec.Code != http.StatusNoContent {
		t.Errorf("start-over status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestHandler_Errors(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := do(t, h, http.MethodPost, "/api/sessions", "alice", `{"agent_developer_name":"support"}`)
	var info SessionInfo
	_ = json.Unmarshal(rec.Body.Bytes(), &info)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   string
		status int
		kind   domain.ErrorKind
	}{
		{"unknown agent", http.MethodPost, "/api/sessions", "alice", `{"agent_developer_name":"ghost"}`, http.StatusNotFound, domain.KindNotFound},
		{"bad json", http.MethodPost, "/api/sessions", "alice", `{`, http.StatusBadRequest, domain.KindValidation},
		{"recent without agent", http.MethodGet, "/api/sessions/recent", "alice", "", http.StatusBadRequest, domain.KindValidation},
		{"anonymous caller", http.MethodGet, "/api/sessions/" + info.SessionID + "/messages", "", "", http.StatusNotFound, domain.KindNotFound},
		{"bad limit", http.MethodGet, "/api/sessions/" + info.SessionID + "/messages?limit=x", "alice", "", http.StatusBadRequest, domain.KindValidation},
		{"bad before", http.MethodGet, "/api/sessions/" + info.SessionID + "/messages?before=yesterday", "alice", "", http.StatusBadRequest, domain.KindValidation},
		{"empty message", http.MethodPost, "/api/sessions/" + info.SessionID + "/messages", "alice", `{"message":""}`, http.StatusBadRequest, domain.KindValidation},
		{"nothing to confirm", http.MethodPost, "/api/sessions/" + info.SessionID + "/confirmation", "alice", `{"approved":true}`, http.StatusConflict, domain.KindConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.user, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body)
			}
			var resp errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if resp.Error == nil || resp.Error.Kind != tt.kind {
				t.Errorf("error = %+v, want kind %s", resp.Error, tt.kind)
			}
		})
	}
}

func TestHandler_StreamDisabled(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := do(t, h, http.MethodGet, "/api/sessions/any/stream", "alice", "")
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}
