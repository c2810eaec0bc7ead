package model

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
	"github.com/tjfontaine/polyglot-turn-engine/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCompleter_ToolCallCassette(t *testing.T) {
	rec := testutil.Recorder(t, "chat_completion_tool_call")
	client := NewClient("test-key", WithHTTPClient(testutil.HTTPClient(rec)))
	c := NewCompleter(client, "gpt-4o-mini", WithLogger(quietLogger()))

	resp, err := c.Complete(context.Background(), &ports.CompletionRequest{
		Messages: []ports.ModelMessage{
			{Role: domain.RoleSystem, Content: "You are a banking assistant."},
			{Role: domain.RoleUser, Content: "What is my balance on account 1234?"},
		},
		Tools: []ports.ToolSpec{{
			Name:        "get_balance",
			Description: "Look up an account balance",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"account":{"type":"string"}},"required":["account"]}`),
		}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v, want one call", resp.ToolCalls)
	}
	call := resp.ToolCalls[0]
	if call.ID != "call_7Qd2" || call.Name != "get_balance" || string(call.Arguments) != `{"account":"1234"}` {
		t.Errorf("ToolCall = %+v", call)
	}
	if resp.Content != "" {
		t.Errorf("Content = %q, want empty", resp.Content)
	}
}

func TestCompleter_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		w.Write([]byte(`{"model":"m","choices":[{"message":{"role":"assistant","content":"hello"}}]}`))
	}))
	defer srv.Close()

	c := NewCompleter(NewClient("k", WithBaseURL(srv.URL)), "m",
		WithBaseDelay(time.Millisecond), WithMaxRetries(3), WithLogger(quietLogger()))

	resp, err := c.Complete(context.Background(), &ports.CompletionRequest{
		Messages: []ports.ModelMessage{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q, want hello", resp.Content)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestCompleter_PermanentError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad tools","type":"invalid_request_error","code":"invalid_value"}}`))
	}))
	defer srv.Close()

	c := NewCompleter(NewClient("k", WithBaseURL(srv.URL)), "m",
		WithBaseDelay(time.Millisecond), WithLogger(quietLogger()))

	_, err := c.Complete(context.Background(), &ports.CompletionRequest{})
	if domain.KindOf(err) != domain.KindModelCall {
		t.Fatalf("Complete() error = %v, want model call error", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "invalid_value" || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("cause = %#v", apiErr)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestCompleter_RequestShape(t *testing.T) {
	var got ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","tool_calls":[{"id":"c","type":"function","function":{"name":"f","arguments":"not json"}}]}}]}`))
	}))
	defer srv.Close()

	c := NewCompleter(NewClient("k", WithBaseURL(srv.URL)), "default-model", WithLogger(quietLogger()))
	resp, err := c.Complete(context.Background(), &ports.CompletionRequest{
		Messages: []ports.ModelMessage{
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "c0", Name: "f", Arguments: json.RawMessage(`{"a":1}`)}}},
			{Role: domain.RoleTool, ToolCallID: "c0", Name: "f", Content: `{"ok":true}`},
		},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if got.Model != "default-model" {
		t.Errorf("Model = %q, want default-model", got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[0].ToolCalls[0].Function.Arguments != `{"a":1}` || got.Messages[1].ToolCallID != "c0" {
		t.Errorf("Messages = %+v", got.Messages)
	}
	if string(resp.ToolCalls[0].Arguments) != `"not json"` {
		t.Errorf("Arguments = %s, want quoted string", resp.ToolCalls[0].Arguments)
	}
}
