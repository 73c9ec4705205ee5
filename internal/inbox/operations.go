// ABOUTME: Caller-facing inbox operations: tabs, focus, claim, send and close
// ABOUTME: Each validates locally, talks to the backend, then reduces into the store

package inbox

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/2389/coven-inbox/internal/ledger"
	"github.com/2389/coven-inbox/internal/protocol"
	"github.com/2389/coven-inbox/internal/transport"
)

// OpenConversation opens and focuses a tab, joins the conversation room and
// loads its history. The tab stays open even when the history fetch fails.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	e.store.Focus(conversationID)
	e.subscribeConversation(conversationID)
	e.publish(Update{Kind: UpdateConversation, ConversationID: conversationID})
	return e.refreshMessages(ctx, conversationID)
}

// CloseTab removes the tab and leaves the room unless a claim is still in
// flight there. An unsuccessful claim leaves the room when it settles.
func (e *Engine) CloseTab(conversationID string) {
	e.store.CloseTab(conversationID)
	if _, pending := e.store.ClaimPending(conversationID); !pending {
		e.unsubscribeConversation(conversationID)
	}
	e.publish(Update{Kind: UpdateConversation, ConversationID: conversationID})
}

// Focus makes conversationID the active tab and clears its unread counter.
func (e *Engine) Focus(conversationID string) {
	e.store.Focus(conversationID)
	e.subscribeConversation(conversationID)
	e.publish(Update{Kind: UpdateConversation, ConversationID: conversationID})
}

// Blur drops focus so every open tab accrues unread.
func (e *Engine) Blur() {
	e.store.Blur()
	e.publish(Update{Kind: UpdateConversation})
}

// Claim asks the backend to assign the escalation to this agent and waits
// for the outcome. An empty escalationID claims the conversation's active
// escalation. It must not be called from OnUpdate or OnAttention.
func (e *Engine) Claim(ctx context.Context, conversationID, escalationID string) error {
	agent := e.identity.AgentUserID()
	if agent == "" {
		return ErrMissingAgentIdentity
	}
	if escalationID == "" {
		active, ok := e.store.ActiveEscalation(conversationID)
		if !ok {
			return fmt.Errorf("%w: conversation %s", ErrNoActiveEscalation, conversationID)
		}
		escalationID = active.ID
	}

	// Join first so the CHAT_CLAIMED broadcast for this conversation reaches us.
	e.subscribeConversation(conversationID)

	ticket, err := e.claims.Claim(ctx, conversationID, escalationID, agent)
	e.publish(Update{Kind: UpdateClaim, ConversationID: conversationID, EscalationID: escalationID})
	if err != nil {
		e.leaveIfUnused(conversationID)
		return transportErr(err)
	}

	err = ticket.Wait(ctx)
	if err == nil {
		return nil
	}
	select {
	case <-ticket.Done():
		e.leaveIfUnused(conversationID)
	default:
		// The caller gave up first; tidy up once the claim settles.
		go func() {
			<-ticket.Done()
			if ticket.Err() != nil {
				e.leaveIfUnused(conversationID)
			}
		}()
	}
	return err
}

// leaveIfUnused leaves a conversation room joined only for a claim that did
// not succeed, keeping it while a tab or another claim still needs it.
func (e *Engine) leaveIfUnused(conversationID string) {
	if slices.Contains(e.store.OpenTabs(), conversationID) {
		return
	}
	if _, pending := e.store.ClaimPending(conversationID); pending {
		return
	}
	e.unsubscribeConversation(conversationID)
}

// SendMessage posts text into a conversation the agent owns. The message is
// shown immediately as pending and confirmed by the server echo.
func (e *Engine) SendMessage(ctx context.Context, conversationID, text string) (ledger.Entry, error) {
	agent := e.identity.AgentUserID()
	if agent == "" {
		return ledger.Entry{}, ErrMissingAgentIdentity
	}
	if err := ctx.Err(); err != nil {
		return ledger.Entry{}, err
	}
	if !e.store.CanSend(conversationID, agent) {
		return ledger.Entry{}, fmt.Errorf("%w: conversation %s", ErrNotAssigned, conversationID)
	}
	if e.transport.State() != transport.StateConnected {
		return ledger.Entry{}, ErrTransportUnavailable
	}

	entry := e.store.AppendLocalMessage(conversationID, text)
	requestID := uuid.New().String()
	env, err := protocol.MessageEnvelope(requestID, protocol.MessageCommand{
		ConversationID:  conversationID,
		Text:            text,
		ClientMessageID: entry.ClientID,
	})
	if err != nil {
		e.store.DiscardLocalMessage(conversationID, entry.ClientID)
		return ledger.Entry{}, fmt.Errorf("encode message: %w", err)
	}

	e.mu.Lock()
	e.pendingSends[requestID] = pendingSend{conversationID: conversationID, clientID: entry.ClientID}
	e.mu.Unlock()

	if err := e.transport.Send(env); err != nil {
		e.mu.Lock()
		delete(e.pendingSends, requestID)
		e.mu.Unlock()
		e.store.DiscardLocalMessage(conversationID, entry.ClientID)
		e.logger.Warn("message send failed",
			"conversation_id", conversationID,
			"error", err)
		return ledger.Entry{}, fmt.Errorf("send message: %w", transportErr(err))
	}

	e.logger.Debug("message sent",
		"conversation_id", conversationID,
		"request_id", requestID,
		"client_message_id", entry.ClientID)
	e.publish(Update{Kind: UpdateMessage, ConversationID: conversationID})
	return entry, nil
}

// CloseConversation asks the backend to close the conversation. Local state
// only changes after the backend confirms.
func (e *Engine) CloseConversation(ctx context.Context, conversationID string) error {
	if err := e.snapshots.CloseConversation(ctx, conversationID); err != nil {
		e.logger.Warn("close conversation failed",
			"conversation_id", conversationID,
			"error", err)
		return fmt.Errorf("%w: %w", ErrCloseFailed, err)
	}

	e.store.ApplyConversationClosed(conversationID)
	e.store.CloseTab(conversationID)
	e.unsubscribeConversation(conversationID)

	e.logger.Info("conversation closed", "conversation_id", conversationID)
	e.publish(Update{Kind: UpdateConversation, ConversationID: conversationID})
	return nil
}
