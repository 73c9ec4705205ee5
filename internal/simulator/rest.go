// ABOUTME: REST handlers for snapshots, closing conversations and dev hooks
// ABOUTME: Bearer-token auth on the agent-facing routes, JSON in and out

package simulator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/2389/coven-inbox/internal/protocol"
)

// bearerToken reads the token from the Authorization header or the token
// query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.verifier.Verify(bearerToken(r))
		if err != nil {
			s.logger.Debug("rejected request", "path", r.URL.Path, "error", err)
			s.sendJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if bot := r.PathValue("bot"); bot != "" && claims.BotID != "" && claims.BotID != bot {
			s.sendJSONError(w, http.StatusForbidden, "token not valid for this bot")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.db.ListConversations(r.Context(), r.PathValue("bot"))
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	out := make([]protocol.ConversationRecord, 0, len(convs))
	for _, c := range convs {
		out = append(out, protocol.ConversationRecord{ID: c.ID, Channel: c.Channel, Status: c.Status})
	}
	s.sendJSON(w, http.StatusOK, out)
}

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	escs, err := s.db.ListEscalations(r.Context(), r.PathValue("bot"))
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	out := make([]protocol.EscalationDelta, 0, len(escs))
	for _, e := range escs {
		out = append(out, e.Delta())
	}
	s.sendJSON(w, http.StatusOK, out)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, err := s.db.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	if conv.BotID != r.PathValue("bot") {
		s.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	msgs, err := s.db.ListMessages(r.Context(), conv.ID)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	out := make([]protocol.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Wire())
	}
	s.sendJSON(w, http.StatusOK, out)
}

func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.CloseConversation(r.Context(), r.PathValue("id")); err != nil {
		s.sendStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateEscalation(w http.ResponseWriter, r *http.Request) {
	var req EscalationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	esc, err := s.CreateEscalation(r.Context(), req)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, esc.Delta())
}

func (s *Server) handleRenotify(w http.ResponseWriter, r *http.Request) {
	esc, err := s.Renotify(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, esc.Delta())
}

type postMessageRequest struct {
	SenderType protocol.SenderType `json:"senderType"`
	Text       string              `json:"text"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		s.sendJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	m, err := s.PostMessage(r.Context(), r.PathValue("id"), req.SenderType, req.Text)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, m.Wire())
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("writing response failed", "error", err)
	}
}

func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}

func (s *Server) sendStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		s.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyClaimed), errors.Is(err, ErrConversationClosed):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
