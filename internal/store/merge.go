// ABOUTME: Upsert-by-escalationId merge and the escalation state machine
// ABOUTME: Present fields overwrite, absent fields survive, ownership is normalized

package store

import (
	"time"

	"github.com/2389/coven-inbox/internal/protocol"
)

// ValidTransition reports whether from -> to is a forward move in the
// escalation lifecycle. Authoritative updates are applied even when this is
// false; it is only used to flag out-of-order delivery.
func ValidTransition(from, to protocol.EscalationStatus) bool {
	if from == to || from == "" {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	switch from {
	case protocol.StatusRequested:
		return to == protocol.StatusWaitingForAgent || to == protocol.StatusAssigned
	case protocol.StatusWaitingForAgent:
		return to == protocol.StatusAssigned
	case protocol.StatusAssigned:
		return to == protocol.StatusHumanActive
	}
	return false
}

// mergeEscalation upserts d into the cache and returns the stored record.
// Caller must hold ws.mu.
func (ws *WorkingSet) mergeEscalation(d protocol.EscalationDelta) *Escalation {
	e, existed := ws.escalations[d.EscalationID]
	if !existed {
		e = &Escalation{ID: d.EscalationID}
		ws.escalations[d.EscalationID] = e
	}

	if d.ConversationID != "" {
		e.ConversationID = d.ConversationID
	}

	status := e.Status
	if d.Status != nil {
		if d.Status.Known() {
			status = *d.Status
		} else {
			ws.logger.Warn("ignoring unknown escalation status",
				"escalation_id", e.ID,
				"status", *d.Status)
		}
	}

	agent := e.AgentUserID
	if d.AgentUserID.Set {
		agent = d.AgentUserID.Value // empty when explicitly null
	}

	switch {
	case status.Owned() && agent == "":
		ws.logger.Warn("owned status without an owner, keeping previous state",
			"escalation_id", e.ID,
			"status", status,
			"previous_status", e.Status)
		status, agent = e.Status, e.AgentUserID
	case !status.Owned():
		agent = ""
	}

	if status != e.Status && !ValidTransition(e.Status, status) {
		ws.logger.Warn("out-of-order escalation transition applied",
			"escalation_id", e.ID,
			"from", e.Status,
			"to", status)
	}
	e.Status = status
	e.AgentUserID = agent

	if d.Reason != nil {
		e.Reason = *d.Reason
	}
	setOnce(&e.RequestedAt, d.RequestedAt)
	setOnce(&e.AcceptedAt, d.AcceptedAt)
	setOnce(&e.ResolvedAt, d.ResolvedAt)
	setOnce(&e.FirstNotifiedAt, d.FirstNotifiedAt)
	if d.LastNotifiedAt != nil {
		e.LastNotifiedAt = cloneTime(d.LastNotifiedAt)
	}

	ws.reindexActive(e, existed)
	ws.resolveClaimFromState(e, d)

	return e
}

// reindexActive keeps at most one non-terminal escalation per conversation in
// the active index. A newly seen escalation supersedes the current one. The
// superseded record is not changed; its terminal status comes from the backend.
func (ws *WorkingSet) reindexActive(e *Escalation, existed bool) {
	if e.ConversationID == "" {
		return
	}
	current, has := ws.active[e.ConversationID]

	if e.Status.Terminal() {
		if has && current == e.ID {
			delete(ws.active, e.ConversationID)
		}
		return
	}

	switch {
	case !has:
		ws.active[e.ConversationID] = e.ID
	case current != e.ID && !existed:
		ws.logger.Info("escalation superseded",
			"conversation_id", e.ConversationID,
			"previous_escalation_id", current,
			"escalation_id", e.ID)
		ws.active[e.ConversationID] = e.ID
	}
}

// resolveClaimFromState ends a pending claim when an authoritative delta
// carrying status or ownership names the claimed escalation.
func (ws *WorkingSet) resolveClaimFromState(e *Escalation, d protocol.EscalationDelta) {
	if d.Status == nil && !d.AgentUserID.Set {
		return
	}
	p, ok := ws.claimPending[e.ConversationID]
	if !ok || p.escalationID != e.ID {
		return
	}
	if e.Status.Claimable() {
		return
	}
	delete(ws.claimPending, e.ConversationID)

	if e.OwnedBy(p.agentUserID) {
		delete(ws.claimErrors, e.ConversationID)
		return
	}
	ws.claimErrors[e.ConversationID] = claimError{reason: takenReason(e), rejected: true}
	ws.logger.Debug("pending claim resolved against us",
		"conversation_id", e.ConversationID,
		"escalation_id", e.ID,
		"status", e.Status)
}

func takenReason(e *Escalation) string {
	if e.Status.Owned() {
		return "taken by " + e.AgentUserID
	}
	return "escalation " + string(e.Status)
}

func setOnce(dst **time.Time, src *time.Time) {
	if *dst != nil || src == nil {
		return
	}
	*dst = cloneTime(src)
}
