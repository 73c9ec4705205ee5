// ABOUTME: Store interface and data types for the inbox working set
// ABOUTME: Defines Conversation, Escalation, inbox rows and the reducer/selector contract

package store

import (
	"time"

	"github.com/2389/coven-inbox/internal/ledger"
	"github.com/2389/coven-inbox/internal/protocol"
)

// Conversation is the latest known projection of a backend conversation.
type Conversation struct {
	ID      string
	Channel protocol.Channel
	Status  protocol.ConversationStatus
}

// Closed reports whether the backend has closed the conversation.
func (c Conversation) Closed() bool {
	return c.Status == protocol.ConversationClosed
}

// Escalation is a request for human takeover of one conversation.
type Escalation struct {
	ID              string
	ConversationID  string
	Status          protocol.EscalationStatus
	AgentUserID     string // empty unless Status is ASSIGNED or HUMAN_ACTIVE
	Reason          string
	RequestedAt     *time.Time
	AcceptedAt      *time.Time
	ResolvedAt      *time.Time
	FirstNotifiedAt *time.Time
	LastNotifiedAt  *time.Time
}

// OwnedBy reports whether agentUserID currently owns the escalation.
func (e Escalation) OwnedBy(agentUserID string) bool {
	return agentUserID != "" && e.Status.Owned() && e.AgentUserID == agentUserID
}

func (e Escalation) clone() Escalation {
	e.RequestedAt = cloneTime(e.RequestedAt)
	e.AcceptedAt = cloneTime(e.AcceptedAt)
	e.ResolvedAt = cloneTime(e.ResolvedAt)
	e.FirstNotifiedAt = cloneTime(e.FirstNotifiedAt)
	e.LastNotifiedAt = cloneTime(e.LastNotifiedAt)
	return e
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Snapshot is the result of a REST hydration.
type Snapshot struct {
	Conversations []protocol.ConversationRecord
	Escalations   []protocol.EscalationDelta
}

// ClaimOutcome is the authoritative answer to a claim command.
type ClaimOutcome struct {
	ConversationID string
	EscalationID   string
	Accepted       bool
	AgentUserID    string // the agent the backend accepted
	Reason         string // rejection reason
}

// Row is one line of the inbox as seen by a particular agent.
type Row struct {
	Escalation   Escalation
	Conversation Conversation
	Claimable    bool
	ClaimPending bool
	ClaimError   string
	Taken        bool // owned by another agent, or our claim was rejected
	Mine         bool
	Open         bool
	Active       bool
	Unread       int
}

// Reducer is the set of named mutations on the working set.
type Reducer interface {
	Hydrate(snap Snapshot)
	HydrateMessages(conversationID string, msgs []protocol.ChatMessage) int
	ApplyStateUpdate(update protocol.StateUpdate)
	ApplyEscalationDelta(delta protocol.EscalationDelta)
	AppendLiveMessage(msg protocol.ChatMessage) ledger.Outcome
	AppendLocalMessage(conversationID, text string) ledger.Entry
	DiscardLocalMessage(conversationID, clientID string)
	MarkClaimRequested(conversationID, escalationID, agentUserID string)
	HandleClaimResponse(outcome ClaimOutcome)
	ExpireClaimRequest(conversationID, escalationID, reason string)
	ApplyConversationClosed(conversationID string)
	OpenConversation(conversationID string)
	CloseTab(conversationID string)
	Focus(conversationID string)
	Blur()
	ClearUnread(conversationID string)
	Reset()
}

// Selector is the read side of the working set. Every method returns copies.
type Selector interface {
	Inbox(agentUserID string) []Row
	Escalation(id string) (Escalation, bool)
	ActiveEscalation(conversationID string) (Escalation, bool)
	Conversation(id string) (Conversation, bool)
	Messages(conversationID string) []ledger.Entry
	Unread(conversationID string) int
	OpenTabs() []string
	Active() string
	ClaimError(conversationID string) string
	ClaimPending(conversationID string) (escalationID string, ok bool)
	CanSend(conversationID, agentUserID string) bool
}

// Store is the working set contract.
type Store interface {
	Reducer
	Selector
}
