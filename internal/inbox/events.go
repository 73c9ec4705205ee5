// ABOUTME: Inbound event and command-response handlers for the session engine
// ABOUTME: Decodes payloads per event type, applies reducers, raises attention signals

package inbox

import (
	"github.com/2389/coven-inbox/internal/dedupe"
	"github.com/2389/coven-inbox/internal/ledger"
	"github.com/2389/coven-inbox/internal/protocol"
)

// handleEvent applies one broadcast. It runs on the transport read goroutine.
func (e *Engine) handleEvent(ev *protocol.Event) {
	roomConv, _ := protocol.ConversationIDFromRoom(ev.RoomID)

	switch ev.Type {
	case protocol.EventStateUpdate:
		update, err := protocol.DecodeStateUpdate(ev.Data, roomConv)
		if err != nil {
			e.dropEvent(ev, err)
			return
		}
		e.store.ApplyStateUpdate(update)
		if update.Escalation != nil {
			e.observe(update.Escalation.EscalationID)
			e.publish(Update{Kind: UpdateEscalation, ConversationID: update.ConversationID, EscalationID: update.Escalation.EscalationID})
			return
		}
		e.publish(Update{Kind: UpdateConversation, ConversationID: update.ConversationID})

	case protocol.EventChatMessage:
		msg, err := protocol.DecodeChatMessage(ev.Data)
		if err != nil {
			e.dropEvent(ev, err)
			return
		}
		if msg.ConversationID == "" {
			msg.ConversationID = roomConv
		}
		if msg.ConversationID == "" {
			e.logger.Warn("chat message without conversation dropped", "room", ev.RoomID)
			return
		}
		if out := e.store.AppendLiveMessage(msg); out != ledger.Duplicate {
			e.publish(Update{Kind: UpdateMessage, ConversationID: msg.ConversationID})
		}

	case protocol.EventNewEscalation, protocol.EventChatClaimed, protocol.EventEscalationUpdated:
		delta, err := protocol.DecodeEscalationDelta(ev.Data)
		if err != nil {
			e.dropEvent(ev, err)
			return
		}
		if delta.ConversationID == "" {
			delta.ConversationID = roomConv
		}
		e.store.ApplyEscalationDelta(delta)
		e.observe(delta.EscalationID)
		e.publish(Update{Kind: UpdateEscalation, ConversationID: delta.ConversationID, EscalationID: delta.EscalationID})
		if ev.Type != protocol.EventChatClaimed {
			e.raiseAttention(delta, ev.Type == protocol.EventEscalationUpdated)
		}

	default:
		e.logger.Debug("ignoring event", "room", ev.RoomID, "event_type", ev.Type)
	}
}

func (e *Engine) dropEvent(ev *protocol.Event, err error) {
	e.logger.Warn("dropping malformed event payload",
		"room", ev.RoomID,
		"event_type", ev.Type,
		"error", err)
}

// observe lets the claim resolver settle a pending claim from merged state.
func (e *Engine) observe(escalationID string) {
	if esc, ok := e.store.Escalation(escalationID); ok {
		e.claims.ObserveEscalation(esc)
	}
}

// raiseAttention signals a claimable escalation once per status and window.
// ESCALATION_UPDATED only counts as a re-notification when it carries a new
// lastNotifiedAt.
func (e *Engine) raiseAttention(delta protocol.EscalationDelta, update bool) {
	if e.onAttention == nil {
		return
	}
	if update && delta.LastNotifiedAt == nil {
		return
	}
	esc, ok := e.store.Escalation(delta.EscalationID)
	if !ok || !esc.Status.Claimable() {
		return
	}
	if conv, ok := e.store.Conversation(esc.ConversationID); ok && conv.Closed() {
		return
	}

	key := dedupe.Key(esc.ID, string(esc.Status))
	if update {
		key = dedupe.Key(esc.ID, string(esc.Status), delta.LastNotifiedAt.UTC().String())
	}
	if e.seen.CheckAndMark(key) {
		e.logger.Debug("attention suppressed", "escalation_id", esc.ID, "status", esc.Status)
		return
	}

	e.onAttention(Attention{
		ConversationID: esc.ConversationID,
		EscalationID:   esc.ID,
		Status:         esc.Status,
		Reason:         esc.Reason,
		Renotified:     update,
	})
}

// handleResponse routes command responses to the claim resolver or to the
// pending-send table.
func (e *Engine) handleResponse(resp *protocol.CommandResponse) {
	if e.claims.HandleResponse(resp) {
		e.publish(Update{Kind: UpdateClaim, ConversationID: resp.ConversationID, EscalationID: resp.EscalationID})
		return
	}

	if resp.Action != "" && resp.Action != protocol.ActionMessage {
		e.logger.Debug("unhandled command response",
			"action", resp.Action,
			"status", resp.Status,
			"request_id", resp.RequestID)
		return
	}

	e.mu.Lock()
	send, ok := e.pendingSends[resp.RequestID]
	delete(e.pendingSends, resp.RequestID)
	e.mu.Unlock()
	if !ok {
		return
	}
	if resp.OK() {
		return
	}

	e.store.DiscardLocalMessage(send.conversationID, send.clientID)
	e.logger.Warn("message rejected",
		"conversation_id", send.conversationID,
		"request_id", resp.RequestID,
		"error", resp.Error)
	e.publish(Update{
		Kind:           UpdateSendFailed,
		ConversationID: send.conversationID,
		Err:            rejectedSend(resp.Error),
	})
}
