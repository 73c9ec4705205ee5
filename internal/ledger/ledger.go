// ABOUTME: Per-conversation message timeline merging optimistic sends and server echoes
// ABOUTME: Pending/Confirmed identity variants, correlation-token reconciliation, redelivery dedupe

package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-inbox/internal/protocol"
)

// DefaultSkew bounds the clock difference tolerated when matching an echo
// that carries no correlation token.
const DefaultSkew = 2 * time.Minute

// Identity is either a PendingID or a ServerID.
type Identity interface {
	isIdentity()
}

// PendingID identifies a local send the backend has not echoed yet.
type PendingID string

// ServerID is the backend-assigned message id. It is empty for broadcasts
// that arrived without one.
type ServerID string

func (PendingID) isIdentity() {}
func (ServerID) isIdentity()  {}

// Origin records which producer created an entry.
type Origin int

const (
	OriginRemote Origin = iota
	OriginLocal
)

// Entry is one turn in the timeline.
type Entry struct {
	ID             Identity
	ClientID       string // correlation token of a local send, kept after confirmation
	ConversationID string
	SenderType     protocol.SenderType
	Text           string
	SentAt         time.Time
	Origin         Origin
}

// Pending reports whether the entry still awaits its server echo.
func (e Entry) Pending() bool {
	_, ok := e.ID.(PendingID)
	return ok
}

// ServerID returns the backend id, if the entry has one.
func (e Entry) ServerID() (string, bool) {
	id, ok := e.ID.(ServerID)
	if !ok || id == "" {
		return "", false
	}
	return string(id), true
}

// Outcome describes what ApplyRemote did with a message.
type Outcome int

const (
	// Appended means the message is a new turn.
	Appended Outcome = iota
	// Confirmed means the message was the echo of a pending local send.
	Confirmed
	// Duplicate means the message was already in the ledger.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Confirmed:
		return "confirmed"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSkew overrides DefaultSkew.
func WithSkew(d time.Duration) Option {
	return func(l *Ledger) { l.skew = d }
}

// WithClock overrides the clock used to stamp local sends.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the timeline of one conversation. It is not safe for concurrent
// use; the owning store serializes access.
type Ledger struct {
	conversationID string
	entries        []Entry
	byServerID     map[string]int
	byClientID     map[string]int
	skew           time.Duration
	now            func() time.Time
}

// New creates an empty ledger for conversationID.
func New(conversationID string, opts ...Option) *Ledger {
	l := &Ledger{
		conversationID: conversationID,
		byServerID:     make(map[string]int),
		byClientID:     make(map[string]int),
		skew:           DefaultSkew,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AppendLocal records an optimistic send and returns the new pending entry.
func (l *Ledger) AppendLocal(sender protocol.SenderType, text string) Entry {
	clientID := uuid.New().String()
	e := Entry{
		ID:             PendingID(clientID),
		ClientID:       clientID,
		ConversationID: l.conversationID,
		SenderType:     sender,
		Text:           text,
		SentAt:         l.now(),
		Origin:         OriginLocal,
	}
	l.byClientID[clientID] = len(l.entries)
	l.entries = append(l.entries, e)
	return e
}

// Discard removes a pending local entry that never reached the transport.
// Confirmed entries are never removed.
func (l *Ledger) Discard(clientID string) bool {
	idx, ok := l.byClientID[clientID]
	if !ok || !l.entries[idx].Pending() {
		return false
	}
	l.entries = append(l.entries[:idx], l.entries[idx+1:]...)
	l.reindex()
	return true
}

// ApplyRemote merges a message delivered by the backend.
func (l *Ledger) ApplyRemote(m protocol.ChatMessage) (Outcome, Entry) {
	if m.ID != "" {
		if idx, ok := l.byServerID[m.ID]; ok {
			return Duplicate, l.entries[idx]
		}
	}

	if idx, ok := l.matchPending(m); ok {
		if m.ID == "" {
			// Echo acknowledged without an id: the entry stays pending until a
			// later delivery or snapshot names it.
			return Duplicate, l.entries[idx]
		}
		e := &l.entries[idx]
		e.ID = ServerID(m.ID)
		if !m.SentAt.IsZero() {
			e.SentAt = m.SentAt.Time
		}
		l.byServerID[m.ID] = idx
		return Confirmed, *e
	}

	e := Entry{
		ID:             ServerID(m.ID),
		ClientID:       m.ClientMessageID,
		ConversationID: l.conversationID,
		SenderType:     m.SenderType,
		Text:           m.Text,
		SentAt:         m.SentAt.Time,
		Origin:         OriginRemote,
	}
	idx := len(l.entries)
	l.entries = append(l.entries, e)
	if m.ID != "" {
		l.byServerID[m.ID] = idx
	}
	return Appended, e
}

// matchPending finds the pending local entry m echoes.
func (l *Ledger) matchPending(m protocol.ChatMessage) (int, bool) {
	if m.ClientMessageID != "" {
		idx, ok := l.byClientID[m.ClientMessageID]
		if ok && l.entries[idx].Pending() {
			return idx, true
		}
		return 0, false
	}

	for idx, e := range l.entries {
		if !e.Pending() || e.SenderType != m.SenderType || e.Text != m.Text {
			continue
		}
		if !m.SentAt.IsZero() && absDuration(m.SentAt.Sub(e.SentAt)) > l.skew {
			continue
		}
		return idx, true
	}
	return 0, false
}

// MergeSnapshot applies messages fetched over REST and returns how many were
// new turns. Pending entries are only ever confirmed, never replaced.
func (l *Ledger) MergeSnapshot(msgs []protocol.ChatMessage) int {
	added := 0
	for _, m := range msgs {
		if out, _ := l.ApplyRemote(m); out == Appended {
			added++
		}
	}
	return added
}

// Entries returns a copy of the timeline in arrival order.
func (l *Ledger) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	return len(l.entries)
}

// PendingCount returns the number of local sends still awaiting an echo.
func (l *Ledger) PendingCount() int {
	n := 0
	for _, e := range l.entries {
		if e.Pending() {
			n++
		}
	}
	return n
}

func (l *Ledger) reindex() {
	clear(l.byServerID)
	clear(l.byClientID)
	for idx, e := range l.entries {
		if id, ok := e.ServerID(); ok {
			l.byServerID[id] = idx
		}
		if e.Origin == OriginLocal {
			l.byClientID[e.ClientID] = idx
		}
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
