// ABOUTME: Simulator server: HTTP routing, lifecycle and shared domain operations
// ABOUTME: REST, websocket and dev endpoints all go through the same broadcast helpers

package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-inbox/internal/identity"
	"github.com/2389/coven-inbox/internal/protocol"
)

// ErrNotAssigned is returned when an agent writes into a conversation it
// does not own.
var ErrNotAssigned = errors.New("not assigned")

// Config configures a Server.
type Config struct {
	Addr         string
	DatabasePath string
	JWTSecret    string

	Clock  func() time.Time
	Logger *slog.Logger
}

// Server is a running simulator backend.
type Server struct {
	db       *DB
	hub      *hub
	verifier *identity.Verifier
	metrics  *Metrics
	upgrader websocket.Upgrader
	now      func() time.Time
	logger   *slog.Logger

	httpServer *http.Server
}

// New opens the database and builds the HTTP handler. Call Serve or
// ListenAndServe to accept connections.
func New(cfg Config) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("simulator: jwt secret is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	path := cfg.DatabasePath
	if path == "" {
		path = ":memory:"
	}

	db, err := OpenDB(path, logger)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	s := &Server{
		db:       db,
		hub:      newHub(metrics, logger.With("component", "simulator.hub")),
		verifier: identity.NewVerifier([]byte(cfg.JWTSecret)),
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now:    now,
		logger: logger.With("component", "simulator"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the simulator's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /bots/{bot}/conversations", s.requireAuth(s.handleListConversations))
	mux.HandleFunc("GET /bots/{bot}/escalations", s.requireAuth(s.handleListEscalations))
	mux.HandleFunc("GET /bots/{bot}/conversations/{id}/messages", s.requireAuth(s.handleListMessages))
	mux.HandleFunc("POST /conversations/{id}/close", s.requireAuth(s.handleCloseConversation))

	// Development hooks standing in for customers and the bot.
	mux.HandleFunc("POST /sim/escalations", s.handleCreateEscalation)
	mux.HandleFunc("POST /sim/escalations/{id}/renotify", s.handleRenotify)
	mux.HandleFunc("POST /sim/conversations/{id}/messages", s.handlePostMessage)

	mux.HandleFunc("GET /ws", s.handleWebsocket)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}

// Verifier exposes the token verifier so callers can mint agent tokens.
func (s *Server) Verifier() *identity.Verifier {
	return s.verifier
}

// RoomMembers returns how many connections have joined room.
func (s *Server) RoomMembers(room string) int {
	return s.hub.members(room)
}

// DB exposes the underlying store.
func (s *Server) DB() *DB {
	return s.db
}

// ListenAndServe serves on cfg.Addr until ctx ends, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("simulator listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.closeAll()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// Close drops every websocket client and closes the database.
func (s *Server) Close() error {
	s.hub.closeAll()
	return s.db.Close()
}

// EscalationRequest opens an escalation, creating the conversation if needed.
type EscalationRequest struct {
	ConversationID string           `json:"conversationId"`
	WorkspaceID    string           `json:"workspaceId"`
	BotID          string           `json:"botId"`
	Channel        protocol.Channel `json:"channel"`
	Reason         string           `json:"reason"`
}

// CreateEscalation opens a new escalation waiting for an agent and
// announces it. A previous active escalation in the conversation is
// cancelled.
func (s *Server) CreateEscalation(ctx context.Context, req EscalationRequest) (*Escalation, error) {
	if req.BotID == "" || req.WorkspaceID == "" {
		return nil, errors.New("workspaceId and botId are required")
	}
	now := s.now().UTC()
	if req.ConversationID == "" {
		req.ConversationID = uuid.New().String()
	}
	if req.Channel == "" {
		req.Channel = protocol.ChannelWidget
	}

	conv, err := s.db.CreateConversation(ctx, &Conversation{
		ID:          req.ConversationID,
		WorkspaceID: req.WorkspaceID,
		BotID:       req.BotID,
		Channel:     req.Channel,
		Status:      protocol.ConversationOpen,
		CreatedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	if conv.Status == protocol.ConversationClosed {
		return nil, ErrConversationClosed
	}

	esc := &Escalation{
		ID:              uuid.New().String(),
		ConversationID:  conv.ID,
		Status:          protocol.StatusWaitingForAgent,
		Reason:          req.Reason,
		RequestedAt:     now,
		FirstNotifiedAt: &now,
		LastNotifiedAt:  &now,
	}
	superseded, err := s.db.CreateEscalation(ctx, esc)
	if err != nil {
		return nil, err
	}

	rooms := s.roomsFor(conv)
	if superseded != nil {
		s.broadcast(protocol.EventEscalationUpdated, superseded.Delta(), rooms...)
	}
	s.broadcast(protocol.EventNewEscalation, esc.Delta(), rooms...)
	s.logger.Info("escalation opened",
		"escalation_id", esc.ID,
		"conversation_id", conv.ID,
		"reason", esc.Reason)
	return esc, nil
}

// Renotify re-announces a claimable escalation.
func (s *Server) Renotify(ctx context.Context, escalationID string) (*Escalation, error) {
	esc, err := s.db.Renotify(ctx, escalationID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	conv, err := s.db.GetConversation(ctx, esc.ConversationID)
	if err != nil {
		return nil, err
	}
	s.broadcast(protocol.EventEscalationUpdated, esc.Delta(), s.roomsFor(conv)...)
	return esc, nil
}

// PostMessage stores a turn from the customer, the bot or the system and
// broadcasts it to the conversation room.
func (s *Server) PostMessage(ctx context.Context, conversationID string, sender protocol.SenderType, text string) (*Message, error) {
	if sender == "" {
		sender = protocol.SenderUser
	}
	m := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderType:     sender,
		Text:           text,
		SentAt:         s.now().UTC(),
	}
	if err := s.db.SaveMessage(ctx, m); err != nil {
		return nil, err
	}
	s.metrics.Messages.WithLabelValues(string(sender)).Inc()
	s.broadcast(protocol.EventChatMessage, m.Wire(), protocol.ConversationRoom(conversationID))
	return m, nil
}

// Claim arbitrates a claim. The winner's record is announced on the
// conversation and notification rooms; losers get ErrAlreadyClaimed and the
// current record. Claiming an escalation the agent already owns returns
// ErrAlreadyOwned and changes nothing.
func (s *Server) Claim(ctx context.Context, escalationID, agentUserID string) (*Escalation, error) {
	esc, err := s.db.ClaimEscalation(ctx, escalationID, agentUserID, s.now().UTC())
	switch {
	case errors.Is(err, ErrAlreadyClaimed) && esc.Status.Owned() && esc.AgentUserID == agentUserID:
		s.metrics.Claims.WithLabelValues("owned").Inc()
		return esc, ErrAlreadyOwned
	case errors.Is(err, ErrAlreadyClaimed):
		s.metrics.Claims.WithLabelValues("lost").Inc()
		return esc, err
	case err != nil:
		s.metrics.Claims.WithLabelValues("error").Inc()
		return nil, err
	}
	s.metrics.Claims.WithLabelValues("won").Inc()
	s.logger.Info("escalation claimed", "escalation_id", esc.ID, "agent_user_id", agentUserID)
	return esc, nil
}

// announceClaim broadcasts a won claim.
func (s *Server) announceClaim(ctx context.Context, esc *Escalation) {
	conv, err := s.db.GetConversation(ctx, esc.ConversationID)
	if err != nil {
		s.logger.Warn("claim announce: conversation lookup failed", "error", err)
		return
	}
	s.broadcast(protocol.EventChatClaimed, esc.Delta(), s.roomsFor(conv)...)
}

// AgentMessage stores a turn from the agent that owns the conversation's
// active escalation. The first agent turn moves ASSIGNED to HUMAN_ACTIVE.
func (s *Server) AgentMessage(ctx context.Context, agentUserID string, cmd protocol.MessageCommand) (*Message, error) {
	esc, err := s.db.ActiveEscalation(ctx, cmd.ConversationID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotAssigned
	}
	if err != nil {
		return nil, err
	}
	if !esc.Status.Owned() || esc.AgentUserID != agentUserID {
		return nil, ErrNotAssigned
	}

	m := &Message{
		ID:              uuid.New().String(),
		ConversationID:  cmd.ConversationID,
		ClientMessageID: cmd.ClientMessageID,
		SenderType:      protocol.SenderAgent,
		Text:            cmd.Text,
		SentAt:          s.now().UTC(),
	}
	if err := s.db.SaveMessage(ctx, m); err != nil {
		return nil, err
	}
	s.metrics.Messages.WithLabelValues(string(protocol.SenderAgent)).Inc()
	s.broadcast(protocol.EventChatMessage, m.Wire(), protocol.ConversationRoom(cmd.ConversationID))

	changed, err := s.db.MarkHumanActive(ctx, esc.ID)
	if err != nil {
		s.logger.Warn("marking human active failed", "escalation_id", esc.ID, "error", err)
	}
	if changed {
		if updated, err := s.db.GetEscalation(ctx, esc.ID); err == nil {
			if conv, err := s.db.GetConversation(ctx, esc.ConversationID); err == nil {
				s.broadcast(protocol.EventEscalationUpdated, updated.Delta(), s.roomsFor(conv)...)
			}
		}
	}
	return m, nil
}

// CloseConversation closes the conversation, resolves its escalation and
// broadcasts the new state.
func (s *Server) CloseConversation(ctx context.Context, conversationID string) error {
	conv, err := s.db.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	resolved, err := s.db.CloseConversation(ctx, conversationID, s.now().UTC())
	if err != nil {
		return err
	}

	closed := protocol.ConversationClosed
	update := protocol.StateUpdate{
		ConversationID:     conversationID,
		ConversationStatus: &closed,
	}
	if resolved != nil {
		d := resolved.Delta()
		update.Escalation = &d
	}
	s.broadcast(protocol.EventStateUpdate, update, s.roomsFor(conv)...)
	s.logger.Info("conversation closed", "conversation_id", conversationID)
	return nil
}

func (s *Server) roomsFor(c *Conversation) []string {
	return []string{
		protocol.ConversationRoom(c.ID),
		protocol.NotificationsRoom(c.WorkspaceID, c.BotID),
	}
}

type eventFrame struct {
	RoomID    string             `json:"roomId"`
	EventType protocol.EventType `json:"eventType"`
	Data      json.RawMessage    `json:"data"`
}

func (s *Server) broadcast(eventType protocol.EventType, data any, rooms ...string) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("encoding broadcast payload", "event_type", eventType, "error", err)
		return
	}
	n := s.hub.broadcast(func(room string) []byte {
		frame, _ := json.Marshal(eventFrame{RoomID: room, EventType: eventType, Data: payload})
		return frame
	}, rooms...)
	s.metrics.Broadcasts.WithLabelValues(string(eventType)).Inc()
	s.logger.Debug("broadcast", "event_type", eventType, "rooms", rooms, "recipients", n)
}
