// ABOUTME: SQLite persistence for the simulator using modernc.org/sqlite
// ABOUTME: Conversations, escalations and messages with conditional-update claim arbitration

package simulator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-inbox/internal/protocol"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyClaimed is returned when an escalation is no longer claimable.
	ErrAlreadyClaimed = errors.New("already claimed")
	// ErrAlreadyOwned is returned when the claimant already owns the escalation.
	ErrAlreadyOwned = errors.New("already owned by claimant")
	// ErrConversationClosed is returned for writes into a closed conversation.
	ErrConversationClosed = errors.New("conversation closed")
)

// Conversation is a stored conversation.
type Conversation struct {
	ID          string
	WorkspaceID string
	BotID       string
	Channel     protocol.Channel
	Status      protocol.ConversationStatus
	CreatedAt   time.Time
}

// Escalation is a stored escalation.
type Escalation struct {
	ID              string
	ConversationID  string
	Status          protocol.EscalationStatus
	AgentUserID     string
	Reason          string
	RequestedAt     time.Time
	AcceptedAt      *time.Time
	ResolvedAt      *time.Time
	FirstNotifiedAt *time.Time
	LastNotifiedAt  *time.Time
}

// Delta renders the escalation as a full wire record.
func (e *Escalation) Delta() protocol.EscalationDelta {
	status := e.Status
	reason := e.Reason
	requested := e.RequestedAt
	d := protocol.EscalationDelta{
		EscalationID:    e.ID,
		ConversationID:  e.ConversationID,
		Status:          &status,
		AgentUserID:     protocol.Null(),
		Reason:          &reason,
		RequestedAt:     &requested,
		AcceptedAt:      e.AcceptedAt,
		ResolvedAt:      e.ResolvedAt,
		FirstNotifiedAt: e.FirstNotifiedAt,
		LastNotifiedAt:  e.LastNotifiedAt,
	}
	if e.AgentUserID != "" {
		d.AgentUserID = protocol.StringValue(e.AgentUserID)
	}
	return d
}

// Message is a stored chat turn.
type Message struct {
	ID              string
	ConversationID  string
	ClientMessageID string
	SenderType      protocol.SenderType
	Text            string
	SentAt          time.Time
}

// Wire renders the message as a CHAT_MESSAGE payload.
func (m *Message) Wire() protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:              m.ID,
		ClientMessageID: m.ClientMessageID,
		ConversationID:  m.ConversationID,
		SenderType:      m.SenderType,
		Text:            m.Text,
		SentAt:          protocol.UnixTime{Time: m.SentAt},
	}
}

// DB is the simulator's SQLite store.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenDB opens (creating if needed) the database at path. Use ":memory:" for
// a throwaway store.
func OpenDB(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "simulator.db")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &DB{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("simulator database initialized", "path", path)
	return s, nil
}

func (s *DB) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			bot_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_bot
			ON conversations(bot_id, created_at);

		CREATE TABLE IF NOT EXISTS escalations (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			status TEXT NOT NULL,
			agent_user_id TEXT,
			reason TEXT NOT NULL DEFAULT '',
			requested_at TEXT NOT NULL,
			accepted_at TEXT,
			resolved_at TEXT,
			first_notified_at TEXT,
			last_notified_at TEXT,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_escalations_conversation
			ON escalations(conversation_id, requested_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			client_message_id TEXT,
			sender_type TEXT NOT NULL,
			text TEXT NOT NULL,
			sent_at TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_sent
			ON messages(conversation_id, sent_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *DB) Close() error {
	s.logger.Info("closing simulator database")
	return s.db.Close()
}

// CreateConversation inserts a conversation, or returns the existing one
// when the id is already known.
func (s *DB) CreateConversation(ctx context.Context, c *Conversation) (*Conversation, error) {
	if existing, err := s.GetConversation(ctx, c.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, workspace_id, bot_id, channel, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.WorkspaceID, c.BotID, string(c.Channel), string(c.Status), formatTime(c.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}
	s.logger.Debug("created conversation", "conversation_id", c.ID, "bot_id", c.BotID)
	return c, nil
}

// GetConversation returns ErrNotFound for unknown ids.
func (s *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var channel, status, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, bot_id, channel, status, created_at
		FROM conversations
		WHERE id = ?
	`, id).Scan(&c.ID, &c.WorkspaceID, &c.BotID, &channel, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	c.Channel = protocol.Channel(channel)
	c.Status = protocol.ConversationStatus(status)
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns a bot's conversations, oldest first.
func (s *DB) ListConversations(ctx context.Context, botID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, bot_id, channel, status, created_at
		FROM conversations
		WHERE bot_id = ?
		ORDER BY created_at ASC, id ASC
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		var c Conversation
		var channel, status, createdAt string
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.BotID, &channel, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		c.Channel = protocol.Channel(channel)
		c.Status = protocol.ConversationStatus(status)
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return out, nil
}

// CreateEscalation inserts an escalation. Any escalation still active in the
// same conversation is cancelled first, so a conversation has at most one.
func (s *DB) CreateEscalation(ctx context.Context, e *Escalation) (superseded *Escalation, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	prev, err := scanEscalation(tx.QueryRowContext(ctx, escalationSelect+`
		WHERE conversation_id = ? AND status NOT IN ('CANCELLED', 'TIMED_OUT', 'RESOLVED')
		ORDER BY requested_at DESC LIMIT 1
	`, e.ConversationID))
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE escalations SET status = 'CANCELLED', agent_user_id = NULL, resolved_at = ?
			WHERE id = ?
		`, formatTime(e.RequestedAt), prev.ID); err != nil {
			return nil, fmt.Errorf("cancelling previous escalation: %w", err)
		}
		prev.Status = protocol.StatusCancelled
		prev.AgentUserID = ""
		at := e.RequestedAt
		prev.ResolvedAt = &at
		superseded = prev
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escalations (id, conversation_id, status, agent_user_id, reason, requested_at, first_notified_at, last_notified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ConversationID, string(e.Status), nullString(e.AgentUserID), e.Reason,
		formatTime(e.RequestedAt), formatTimePtr(e.FirstNotifiedAt), formatTimePtr(e.LastNotifiedAt))
	if err != nil {
		return nil, fmt.Errorf("inserting escalation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing escalation: %w", err)
	}

	s.logger.Debug("created escalation", "escalation_id", e.ID, "conversation_id", e.ConversationID)
	return superseded, nil
}

const escalationSelect = `
	SELECT id, conversation_id, status, agent_user_id, reason, requested_at,
		accepted_at, resolved_at, first_notified_at, last_notified_at
	FROM escalations
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscalation(row rowScanner) (*Escalation, error) {
	var e Escalation
	var status, requestedAt string
	var agent, accepted, resolved, firstNotified, lastNotified sql.NullString
	err := row.Scan(&e.ID, &e.ConversationID, &status, &agent, &e.Reason, &requestedAt,
		&accepted, &resolved, &firstNotified, &lastNotified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning escalation: %w", err)
	}
	e.Status = protocol.EscalationStatus(status)
	e.AgentUserID = agent.String
	if e.RequestedAt, err = parseTime(requestedAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{accepted, &e.AcceptedAt},
		{resolved, &e.ResolvedAt},
		{firstNotified, &e.FirstNotifiedAt},
		{lastNotified, &e.LastNotifiedAt},
	} {
		if !f.src.Valid {
			continue
		}
		t, err := parseTime(f.src.String)
		if err != nil {
			return nil, err
		}
		*f.dst = &t
	}
	return &e, nil
}

// GetEscalation returns ErrNotFound for unknown ids.
func (s *DB) GetEscalation(ctx context.Context, id string) (*Escalation, error) {
	return scanEscalation(s.db.QueryRowContext(ctx, escalationSelect+`WHERE id = ?`, id))
}

// ActiveEscalation returns the conversation's non-terminal escalation.
func (s *DB) ActiveEscalation(ctx context.Context, conversationID string) (*Escalation, error) {
	return scanEscalation(s.db.QueryRowContext(ctx, escalationSelect+`
		WHERE conversation_id = ? AND status NOT IN ('CANCELLED', 'TIMED_OUT', 'RESOLVED')
		ORDER BY requested_at DESC LIMIT 1
	`, conversationID))
}

// ListEscalations returns every escalation of a bot's conversations.
func (s *DB) ListEscalations(ctx context.Context, botID string) ([]*Escalation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.conversation_id, e.status, e.agent_user_id, e.reason, e.requested_at,
			e.accepted_at, e.resolved_at, e.first_notified_at, e.last_notified_at
		FROM escalations e
		JOIN conversations c ON c.id = e.conversation_id
		WHERE c.bot_id = ?
		ORDER BY e.requested_at ASC, e.id ASC
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("querying escalations: %w", err)
	}
	defer rows.Close()

	var out []*Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating escalation rows: %w", err)
	}
	return out, nil
}

// ClaimEscalation assigns the escalation to agentUserID if and only if it is
// still claimable. The check and the write are one statement, so concurrent
// claims have exactly one winner. Losers get ErrAlreadyClaimed together with
// the current record.
func (s *DB) ClaimEscalation(ctx context.Context, escalationID, agentUserID string, at time.Time) (*Escalation, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations
		SET status = 'ASSIGNED', agent_user_id = ?, accepted_at = COALESCE(accepted_at, ?)
		WHERE id = ? AND status IN ('REQUESTED', 'WAITING_FOR_AGENT')
	`, agentUserID, formatTime(at), escalationID)
	if err != nil {
		return nil, fmt.Errorf("claiming escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claiming escalation: %w", err)
	}

	e, err := s.GetEscalation(ctx, escalationID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return e, ErrAlreadyClaimed
	}
	return e, nil
}

// MarkHumanActive moves an ASSIGNED escalation to HUMAN_ACTIVE. It reports
// whether the status changed.
func (s *DB) MarkHumanActive(ctx context.Context, escalationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET status = 'HUMAN_ACTIVE'
		WHERE id = ? AND status = 'ASSIGNED'
	`, escalationID)
	if err != nil {
		return false, fmt.Errorf("marking human active: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Renotify stamps a re-notification on a claimable escalation.
func (s *DB) Renotify(ctx context.Context, escalationID string, at time.Time) (*Escalation, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations
		SET last_notified_at = ?, first_notified_at = COALESCE(first_notified_at, ?)
		WHERE id = ? AND status IN ('REQUESTED', 'WAITING_FOR_AGENT')
	`, formatTime(at), formatTime(at), escalationID)
	if err != nil {
		return nil, fmt.Errorf("renotifying escalation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetEscalation(ctx, escalationID); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyClaimed
	}
	return s.GetEscalation(ctx, escalationID)
}

// CloseConversation marks the conversation CLOSED and resolves its active
// escalation. The resolved escalation is returned, or nil if there was none.
func (s *DB) CloseConversation(ctx context.Context, conversationID string, at time.Time) (*Escalation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET status = 'CLOSED' WHERE id = ?`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("closing conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	active, err := scanEscalation(tx.QueryRowContext(ctx, escalationSelect+`
		WHERE conversation_id = ? AND status NOT IN ('CANCELLED', 'TIMED_OUT', 'RESOLVED')
		ORDER BY requested_at DESC LIMIT 1
	`, conversationID))
	switch {
	case errors.Is(err, ErrNotFound):
		active = nil
	case err != nil:
		return nil, err
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE escalations
			SET status = 'RESOLVED', agent_user_id = NULL, resolved_at = COALESCE(resolved_at, ?)
			WHERE id = ?
		`, formatTime(at), active.ID); err != nil {
			return nil, fmt.Errorf("resolving escalation: %w", err)
		}
		active.Status = protocol.StatusResolved
		active.AgentUserID = ""
		if active.ResolvedAt == nil {
			resolved := at
			active.ResolvedAt = &resolved
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing close: %w", err)
	}
	s.logger.Debug("closed conversation", "conversation_id", conversationID)
	return active, nil
}

// SaveMessage stores a chat turn. Writes into closed conversations fail with
// ErrConversationClosed.
func (s *DB) SaveMessage(ctx context.Context, m *Message) error {
	conv, err := s.GetConversation(ctx, m.ConversationID)
	if err != nil {
		return err
	}
	if conv.Status == protocol.ConversationClosed {
		return ErrConversationClosed
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, client_message_id, sender_type, text, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, nullString(m.ClientMessageID), string(m.SenderType), m.Text, formatTime(m.SentAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	s.logger.Debug("saved message", "id", m.ID, "conversation_id", m.ConversationID, "sender_type", m.SenderType)
	return nil
}

// ListMessages returns a conversation's messages in send order.
func (s *DB) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, client_message_id, sender_type, text, sent_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at ASC, rowid ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var clientID sql.NullString
		var sender, sentAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &clientID, &sender, &m.Text, &sentAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		m.ClientMessageID = clientID.String
		m.SenderType = protocol.SenderType(sender)
		if m.SentAt, err = parseTime(sentAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return out, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", strings.TrimSpace(s), err)
	}
	return t, nil
}
