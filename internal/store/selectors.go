// ABOUTME: Read-side selectors over the working set
// ABOUTME: Builds per-agent inbox rows and returns copies of cached records

package store

import (
	"slices"
	"strings"

	"github.com/2389/coven-inbox/internal/ledger"
	"github.com/2389/coven-inbox/internal/protocol"
)

// Inbox returns one row per conversation with an active escalation, ordered
// by request time. Closed conversations and terminal escalations are hidden.
func (ws *WorkingSet) Inbox(agentUserID string) []Row {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	rows := make([]Row, 0, len(ws.active))
	for convID, escID := range ws.active {
		e, ok := ws.escalations[escID]
		if !ok || e.Status.Terminal() {
			continue
		}
		conv := Conversation{ID: convID, Channel: protocol.ChannelUnknown}
		if c, ok := ws.conversations[convID]; ok {
			conv = *c
		}
		if conv.Closed() {
			continue
		}
		rows = append(rows, ws.rowLocked(*e, conv, agentUserID))
	}

	slices.SortFunc(rows, func(a, b Row) int {
		ta, tb := a.Escalation.RequestedAt, b.Escalation.RequestedAt
		switch {
		case ta != nil && tb != nil && !ta.Equal(*tb):
			return ta.Compare(*tb)
		case ta != nil && tb == nil:
			return -1
		case ta == nil && tb != nil:
			return 1
		}
		return strings.Compare(a.Escalation.ID, b.Escalation.ID)
	})
	return rows
}

func (ws *WorkingSet) rowLocked(e Escalation, conv Conversation, agentUserID string) Row {
	pending, hasPending := ws.claimPending[conv.ID]
	claimPending := hasPending && pending.escalationID == e.ID
	claimErr := ws.claimErrors[conv.ID]

	mine := e.OwnedBy(agentUserID)
	takenByOther := e.Status.Owned() && !mine

	return Row{
		Escalation:   e.clone(),
		Conversation: conv,
		Claimable:    e.Status.Claimable() && !claimPending && !conv.Closed(),
		ClaimPending: claimPending,
		ClaimError:   claimErr.reason,
		Taken:        takenByOther || (claimErr.rejected && !mine),
		Mine:         mine,
		Open:         slices.Contains(ws.attention.tabs, conv.ID),
		Active:       ws.attention.focused == conv.ID,
		Unread:       ws.attention.count(conv.ID),
	}
}

// Escalation returns a copy of a cached escalation, terminal ones included.
// A superseded escalation keeps its last known status until the backend
// reports it terminal; use ActiveEscalation for the conversation's current one.
func (ws *WorkingSet) Escalation(id string) (Escalation, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	e, ok := ws.escalations[id]
	if !ok {
		return Escalation{}, false
	}
	return e.clone(), true
}

// ActiveEscalation returns the non-terminal escalation for a conversation.
func (ws *WorkingSet) ActiveEscalation(conversationID string) (Escalation, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	id, ok := ws.active[conversationID]
	if !ok {
		return Escalation{}, false
	}
	e, ok := ws.escalations[id]
	if !ok {
		return Escalation{}, false
	}
	return e.clone(), true
}

func (ws *WorkingSet) Conversation(id string) (Conversation, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	c, ok := ws.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Messages returns the conversation's ledger in display order.
func (ws *WorkingSet) Messages(conversationID string) []ledger.Entry {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	l, ok := ws.ledgers[conversationID]
	if !ok {
		return nil
	}
	return l.Entries()
}

func (ws *WorkingSet) Unread(conversationID string) int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.attention.count(conversationID)
}

func (ws *WorkingSet) OpenTabs() []string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.attention.openTabs()
}

// Active returns the focused conversation id, or "" when nothing has focus.
func (ws *WorkingSet) Active() string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.attention.focused
}

func (ws *WorkingSet) ClaimError(conversationID string) string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.claimErrors[conversationID].reason
}

func (ws *WorkingSet) ClaimPending(conversationID string) (string, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	p, ok := ws.claimPending[conversationID]
	return p.escalationID, ok
}

// CanSend reports whether agentUserID may post into the conversation: the
// conversation must be open and its active escalation owned by the agent.
func (ws *WorkingSet) CanSend(conversationID, agentUserID string) bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	if c, ok := ws.conversations[conversationID]; ok && c.Closed() {
		return false
	}
	id, ok := ws.active[conversationID]
	if !ok {
		return false
	}
	e, ok := ws.escalations[id]
	return ok && e.OwnedBy(agentUserID)
}
