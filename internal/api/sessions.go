package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/identity"
	"github.com/go-chi/chi/v5"
)

type createSessionRequest struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
}

// ListSessions returns every live session.
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions": h.registry.ListSessions(),
	})
}

// CreateSession pre-creates a session before a socket upgrade. It is
// idempotent: an existing session id is returned unchanged with 200.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" {
		req.UserID = identity.AnonymousUserID
	}
	if !identity.ValidID(req.UserID) {
		Error(w, http.StatusBadRequest, "invalid userId")
		return
	}
	if req.SessionID != "" && !identity.ValidID(req.SessionID) {
		Error(w, http.StatusBadRequest, "invalid sessionId")
		return
	}

	status := http.StatusCreated
	if req.SessionID != "" && h.registry.GetSession(req.SessionID) != nil {
		status = http.StatusOK
	}
	sess := h.registry.CreateSession(req.UserID, req.SessionID)
	info, _ := h.registry.SessionInfo(sess.ID)
	JSON(w, status, info)
}

// GetSession returns one live session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	info, ok := h.registry.SessionInfo(chi.URLParam(r, "sessionID"))
	if !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, info)
}

// DeleteSession closes every socket of a session and removes it.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !h.registry.DeleteSession(sessionID) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTurns returns the recorded turns of a session, newest first.
func (h *Handler) ListTurns(w http.ResponseWriter, r *http.Request) {
	if h.transcripts == nil {
		Error(w, http.StatusNotFound, "transcripts disabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessionID := chi.URLParam(r, "sessionID")
	turns, err := h.transcripts.ListTurns(r.Context(), sessionID, limit)
	if err != nil {
		slog.Error("Failed to list turns", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list turns")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sessionID,
		"turns":     turns,
	})
}

// PeekInteractions lists the live queued interactions of a session without
// consuming them.
func (h *Handler) PeekInteractions(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	items := h.queue.PeekInteractions(sessionID)
	if items == nil {
		items = []domain.QueuedInteraction{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessionId":    sessionID,
		"interactions": items,
	})
}
