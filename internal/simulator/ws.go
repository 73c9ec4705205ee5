// ABOUTME: Websocket endpoint speaking the realtime room protocol
// ABOUTME: Authenticates the agent, then serves JOIN, LEAVE, CLAIM and MESSAGE commands

package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-inbox/internal/protocol"
)

type responseFrame struct {
	Status         string          `json:"status"`
	Action         protocol.Action `json:"action,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
	Room           string          `json:"room,omitempty"`
	EscalationID   string          `json:"escalationId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	AgentUserID    string          `json:"agentUserId,omitempty"`
	Message        string          `json:"message,omitempty"`
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.verifier.Verify(bearerToken(r))
	if err != nil {
		s.logger.Warn("unauthorized websocket attempt", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{
		hub:         s.hub,
		ws:          ws,
		send:        make(chan []byte, sendBufferSize),
		agentUserID: claims.AgentUserID,
		done:        make(chan struct{}),
	}
	s.hub.register(c)
	go c.writePump()
	s.readPump(c)
}

// readPump runs commands for one connection in arrival order.
func (s *Server) readPump(c *conn) {
	defer func() {
		s.hub.unregister(c)
		c.close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "agent_user_id", c.agentUserID, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.reply(c, responseFrame{Status: "error", Message: "malformed command"})
			continue
		}
		s.reply(c, s.handleCommand(context.Background(), c, env))
	}
}

func (s *Server) handleCommand(ctx context.Context, c *conn, env protocol.Envelope) responseFrame {
	resp := responseFrame{Status: "ok", Action: env.Action, RequestID: env.RequestID, Room: env.Room}

	switch env.Action {
	case protocol.ActionJoin:
		if env.Room == "" {
			return fail(resp, "room is required")
		}
		s.hub.join(c, env.Room)

	case protocol.ActionLeave:
		s.hub.leave(c, env.Room)

	case protocol.ActionClaim:
		var cmd protocol.ClaimCommand
		if err := json.Unmarshal(env.Data, &cmd); err != nil || cmd.EscalationID == "" {
			return fail(resp, "invalid claim")
		}
		resp.EscalationID = cmd.EscalationID
		resp.ConversationID = cmd.ConversationID
		if cmd.AgentUserID != "" && cmd.AgentUserID != c.agentUserID {
			return fail(resp, "agent does not match token")
		}

		esc, err := s.Claim(ctx, cmd.EscalationID, c.agentUserID)
		switch {
		case errors.Is(err, ErrAlreadyOwned):
			// Nothing changed, so there is nothing to broadcast.
			resp.AgentUserID = esc.AgentUserID
			resp.ConversationID = esc.ConversationID
			return resp
		case errors.Is(err, ErrAlreadyClaimed):
			resp.AgentUserID = esc.AgentUserID
			resp.ConversationID = esc.ConversationID
			return fail(resp, "already claimed")
		case errors.Is(err, ErrNotFound):
			return fail(resp, "escalation not found")
		case err != nil:
			return fail(resp, "claim failed")
		}
		resp.AgentUserID = esc.AgentUserID
		resp.ConversationID = esc.ConversationID
		// The claimant hears the answer before the broadcast.
		s.reply(c, resp)
		s.announceClaim(ctx, esc)
		return responseFrame{}

	case protocol.ActionMessage:
		var cmd protocol.MessageCommand
		if err := json.Unmarshal(env.Data, &cmd); err != nil || cmd.ConversationID == "" {
			return fail(resp, "invalid message")
		}
		resp.ConversationID = cmd.ConversationID
		if _, err := s.AgentMessage(ctx, c.agentUserID, cmd); err != nil {
			switch {
			case errors.Is(err, ErrNotAssigned):
				return fail(resp, "not assigned to this conversation")
			case errors.Is(err, ErrConversationClosed):
				return fail(resp, "conversation closed")
			}
			return fail(resp, "message failed")
		}

	default:
		return fail(resp, "unknown action")
	}
	return resp
}

func fail(resp responseFrame, message string) responseFrame {
	resp.Status = "error"
	resp.Message = message
	return resp
}

func (s *Server) reply(c *conn, resp responseFrame) {
	if resp.Status == "" {
		return
	}
	frame, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encoding response", "error", err)
		return
	}
	c.enqueue(frame)
}
