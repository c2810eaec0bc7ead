package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
)

// UserHeader carries the caller identity.
const UserHeader = "X-User-ID"

const anonymousUser = "anonymous"

// Streamer serves the websocket stream of a session.
type Streamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, sessionID string)
}

// Handler exposes Service over HTTP.
type Handler struct {
	svc    *Service
	stream Streamer
	logger *slog.Logger
}

// NewHandler creates a Handler. stream may be nil, which disables the
// stream endpoint.
func NewHandler(svc *Service, stream Streamer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, stream: stream, logger: logger}
}

// Routes registers the chat API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.createSession)
		r.Get("/recent", h.recentSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/messages", h.history)
			r.Post("/messages", h.sendMessage)
			r.Post("/start-over", h.startOver)
			r.Post("/confirmation", h.confirm)
			r.Get("/stream", h.streamSession)
		})
	})
}

func userID(r *http.Request) string {
	if id := r.Header.Get(UserHeader); id != "" {
		return id
	}
	return anonymousUser
}

type createSessionRequest struct {
	ContextRecordID    string `json:"context_record_id"`
	AgentDeveloperName string `json:"agent_developer_name"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.AgentDeveloperName == "" {
		h.writeError(w, r, domain.NewError(domain.KindValidation, "agent_developer_name is required"))
		return
	}
	info, err := h.svc.CreateSession(r.Context(), userID(r), req.ContextRecordID, req.AgentDeveloperName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) recentSession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agent := q.Get("agentDeveloperName")
	if agent == "" {
		h.writeError(w, r, domain.NewError(domain.KindValidation, "agentDeveloperName is required"))
		return
	}
	info, err := h.svc.MostRecentSession(r.Context(), userID(r), agent, q.Get("contextRecordId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.SessionID = chi.URLParam(r, "sessionID")
	res, err := h.svc.SendMessage(r.Context(), userID(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if !res.Success {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

type historyResponse struct {
	Messages []*domain.ChatMessage `json:"messages"`
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, r, domain.NewError(domain.KindValidation, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	var before *time.Time
	if raw := q.Get("before"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.writeError(w, r, domain.NewError(domain.KindValidation, "before must be an RFC 3339 timestamp"))
			return
		}
		before = &ts
	}

	msgs, err := h.svc.History(r.Context(), userID(r), chi.URLParam(r, "sessionID"), limit, before)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*domain.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Messages: msgs})
}

type startOverRequest struct {
	ExternalID string `json:"external_id"`
}

func (h *Handler) startOver(w http.ResponseWriter, r *http.Request) {
	var req startOverRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.StartOver(r.Context(), userID(r), chi.URLParam(r, "sessionID"), req.ExternalID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type confirmRequest struct {
	Approved bool `json:"approved"`
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Confirm(r.Context(), userID(r), chi.URLParam(r, "sessionID"), req.Approved)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) streamSession(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		http.Error(w, "streaming not configured", http.StatusNotImplemented)
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.svc.Authorize(r.Context(), userID(r), sessionID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.stream.ServeWS(w, r, sessionID)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		h.writeError(w, r, domain.WrapError(domain.KindValidation, "invalid request body", err))
		return false
	}
	return true
}

type errorResponse struct {
	Error *domain.ErrorDetails `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var derr *domain.Error
	if errors.As(err, &derr) {
		status = derr.HTTPStatusCode()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorResponse{Error: domain.DetailsOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
