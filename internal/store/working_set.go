// ABOUTME: In-memory working set implementing the Store reducers
// ABOUTME: Merges REST snapshots, streamed deltas, ledgers, claims and tab state under one lock

package store

import (
	"log/slog"
	"sync"

	"github.com/2389/coven-inbox/internal/ledger"
	"github.com/2389/coven-inbox/internal/protocol"
)

type pendingClaim struct {
	escalationID string
	agentUserID  string
}

// claimError is the last claim failure for a conversation. rejected is set
// when the backend refused the claim; timeouts and send failures leave it
// false.
type claimError struct {
	reason   string
	rejected bool
}

// WorkingSet is the session-scoped aggregate behind Store. It is safe for
// concurrent use; every reducer runs to completion under one lock, so handler
// callbacks and caller operations never interleave inside a mutation.
type WorkingSet struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	escalations   map[string]*Escalation
	active        map[string]string // conversationID -> escalationID
	ledgers       map[string]*ledger.Ledger
	claimPending  map[string]pendingClaim // conversationID -> claim in flight
	claimErrors   map[string]claimError   // conversationID -> last claim error
	attention     attention

	ledgerOpts []ledger.Option
	logger     *slog.Logger
}

var _ Store = (*WorkingSet)(nil)

// New creates an empty working set. Pass nil logger for default.
func New(logger *slog.Logger, ledgerOpts ...ledger.Option) *WorkingSet {
	if logger == nil {
		logger = slog.Default()
	}
	ws := &WorkingSet{
		ledgerOpts: ledgerOpts,
		logger:     logger.With("component", "store"),
	}
	ws.resetLocked()
	return ws
}

func (ws *WorkingSet) resetLocked() {
	ws.conversations = make(map[string]*Conversation)
	ws.escalations = make(map[string]*Escalation)
	ws.active = make(map[string]string)
	ws.ledgers = make(map[string]*ledger.Ledger)
	ws.claimPending = make(map[string]pendingClaim)
	ws.claimErrors = make(map[string]claimError)
	ws.attention = newAttention()
}

// Reset clears the whole working set (logout, leaving the inbox).
func (ws *WorkingSet) Reset() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.resetLocked()
	ws.logger.Debug("working set cleared")
}

// Hydrate merges a REST snapshot. Snapshot records go through the same merge
// as streamed deltas, so in-flight local state (pending claims, pending
// messages, tabs) is never overwritten.
func (ws *WorkingSet) Hydrate(snap Snapshot) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	for _, rec := range snap.Conversations {
		if rec.ID == "" {
			continue
		}
		c := ws.conversationLocked(rec.ID)
		if rec.Channel != "" {
			c.Channel = protocol.NormalizeChannel(rec.Channel)
		}
		if rec.Status != "" {
			c.Status = rec.Status
		}
	}
	for _, d := range snap.Escalations {
		if d.EscalationID == "" {
			continue
		}
		ws.mergeEscalation(d)
	}

	ws.logger.Debug("snapshot hydrated",
		"conversations", len(snap.Conversations),
		"escalations", len(snap.Escalations))
}

// HydrateMessages merges a REST page of messages into a conversation's
// ledger. Snapshot turns never count as unread.
func (ws *WorkingSet) HydrateMessages(conversationID string, msgs []protocol.ChatMessage) int {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = conversationID
		}
	}
	return ws.ledgerLocked(conversationID).MergeSnapshot(msgs)
}

// ApplyStateUpdate merges a STATE_UPDATE event.
func (ws *WorkingSet) ApplyStateUpdate(update protocol.StateUpdate) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	c := ws.conversationLocked(update.ConversationID)
	if update.ConversationStatus != nil {
		c.Status = *update.ConversationStatus
	}
	if update.Channel != nil {
		c.Channel = protocol.NormalizeChannel(*update.Channel)
	}
	if update.Escalation != nil {
		d := *update.Escalation
		if d.ConversationID == "" {
			d.ConversationID = update.ConversationID
		}
		ws.mergeEscalation(d)
	}
}

// ApplyEscalationDelta merges NEW_ESCALATION, CHAT_CLAIMED and
// ESCALATION_UPDATED payloads.
func (ws *WorkingSet) ApplyEscalationDelta(delta protocol.EscalationDelta) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if delta.EscalationID == "" {
		ws.logger.Warn("escalation delta without id dropped")
		return
	}
	e := ws.mergeEscalation(delta)
	if e.ConversationID != "" {
		ws.conversationLocked(e.ConversationID)
	}
}

// AppendLiveMessage merges a CHAT_MESSAGE broadcast into its ledger and
// updates unread counters.
func (ws *WorkingSet) AppendLiveMessage(msg protocol.ChatMessage) ledger.Outcome {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	out, _ := ws.ledgerLocked(msg.ConversationID).ApplyRemote(msg)
	if out == ledger.Appended {
		ws.attention.recordRemoteTurn(msg.ConversationID)
	}
	return out
}

// AppendLocalMessage records an optimistic agent send. Local sends never
// count as unread.
func (ws *WorkingSet) AppendLocalMessage(conversationID, text string) ledger.Entry {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.ledgerLocked(conversationID).AppendLocal(protocol.SenderAgent, text)
}

// DiscardLocalMessage drops an optimistic send that never reached the
// transport.
func (ws *WorkingSet) DiscardLocalMessage(conversationID, clientID string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if l, ok := ws.ledgers[conversationID]; ok {
		l.Discard(clientID)
	}
}

// MarkClaimRequested enters the transient "claim requested" condition. It
// does not touch escalation ownership.
func (ws *WorkingSet) MarkClaimRequested(conversationID, escalationID, agentUserID string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.claimPending[conversationID] = pendingClaim{escalationID: escalationID, agentUserID: agentUserID}
	delete(ws.claimErrors, conversationID)
}

// HandleClaimResponse applies the authoritative answer to a claim. A
// rejection is recorded for display and never changes ownership.
func (ws *WorkingSet) HandleClaimResponse(o ClaimOutcome) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	conv := o.ConversationID
	if conv == "" {
		if e, ok := ws.escalations[o.EscalationID]; ok {
			conv = e.ConversationID
		}
	}
	if p, ok := ws.claimPending[conv]; ok && p.escalationID == o.EscalationID {
		delete(ws.claimPending, conv)
	}

	if !o.Accepted {
		reason := o.Reason
		if reason == "" {
			reason = "claim rejected"
		}
		ws.claimErrors[conv] = claimError{reason: reason, rejected: true}
		ws.logger.Info("claim rejected",
			"conversation_id", conv,
			"escalation_id", o.EscalationID,
			"reason", reason)
		return
	}

	delete(ws.claimErrors, conv)

	status := protocol.StatusAssigned
	if e, ok := ws.escalations[o.EscalationID]; ok && e.OwnedBy(o.AgentUserID) {
		// Re-confirming an owned escalation must not move HUMAN_ACTIVE back.
		status = e.Status
	}
	d := protocol.EscalationDelta{
		EscalationID:   o.EscalationID,
		ConversationID: conv,
		Status:         &status,
		AgentUserID:    protocol.StringValue(o.AgentUserID),
	}
	// acceptedAt is left to the backend's broadcast or snapshot.
	ws.mergeEscalation(d)
	if conv != "" {
		ws.conversationLocked(conv)
	}

	ws.logger.Info("claim accepted",
		"conversation_id", conv,
		"escalation_id", o.EscalationID,
		"agent_user_id", o.AgentUserID)
}

// ExpireClaimRequest ends a claim that never received an answer. The reason
// is recorded as a failure, not a rejection, so the row stays claimable.
func (ws *WorkingSet) ExpireClaimRequest(conversationID, escalationID, reason string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	p, ok := ws.claimPending[conversationID]
	if !ok || p.escalationID != escalationID {
		return
	}
	delete(ws.claimPending, conversationID)
	ws.claimErrors[conversationID] = claimError{reason: reason}
}

// ApplyConversationClosed records a close the backend has confirmed: the
// conversation is CLOSED and its active escalation RESOLVED. resolvedAt is
// left for the backend to supply.
func (ws *WorkingSet) ApplyConversationClosed(conversationID string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	c := ws.conversationLocked(conversationID)
	c.Status = protocol.ConversationClosed

	if id, ok := ws.active[conversationID]; ok {
		resolved := protocol.StatusResolved
		d := protocol.EscalationDelta{
			EscalationID:   id,
			ConversationID: conversationID,
			Status:         &resolved,
		}
		ws.mergeEscalation(d)
	}
	delete(ws.claimPending, conversationID)
}

// OpenConversation adds a conversation to the open tabs and resets its
// unread counter.
func (ws *WorkingSet) OpenConversation(conversationID string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.attention.open(conversationID)
	ws.ledgerLocked(conversationID)
}

// CloseTab removes a conversation from the open tabs. Its ledger is kept.
func (ws *WorkingSet) CloseTab(conversationID string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.attention.close(conversationID)
}

// Focus makes conversationID the active tab, opening it if needed.
func (ws *WorkingSet) Focus(conversationID string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.attention.focus(conversationID)
	ws.ledgerLocked(conversationID)
}

// Blur clears the active tab pointer; all open tabs accrue unread.
func (ws *WorkingSet) Blur() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.attention.blur()
}

// ClearUnread resets a conversation's unread counter.
func (ws *WorkingSet) ClearUnread(conversationID string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.attention.clear(conversationID)
}

func (ws *WorkingSet) conversationLocked(id string) *Conversation {
	c, ok := ws.conversations[id]
	if !ok {
		c = &Conversation{ID: id, Channel: protocol.ChannelUnknown}
		ws.conversations[id] = c
	}
	return c
}

func (ws *WorkingSet) ledgerLocked(conversationID string) *ledger.Ledger {
	l, ok := ws.ledgers[conversationID]
	if !ok {
		l = ledger.New(conversationID, ws.ledgerOpts...)
		ws.ledgers[conversationID] = l
	}
	return l
}
