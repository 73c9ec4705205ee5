// ABOUTME: Tests for the claim race resolver
// ABOUTME: Covers correlation, rejection, idempotency, broadcast settlement and expiry

package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-inbox/internal/protocol"
	"github.com/2389/coven-inbox/internal/store"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []protocol.Envelope
	err  error
}

func (s *recordingSender) Send(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *recordingSender) envelopes() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Envelope, len(s.sent))
	copy(out, s.sent)
	return out
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("req-%d", n)
	}
}

func setup(t *testing.T, opts ...Option) (*Resolver, *store.WorkingSet, *recordingSender) {
	t.Helper()
	ws := store.New(nil)
	status := protocol.StatusWaitingForAgent
	ws.ApplyEscalationDelta(protocol.EscalationDelta{
		EscalationID:   "e1",
		ConversationID: "c1",
		Status:         &status,
	})
	sender := &recordingSender{}
	opts = append([]Option{WithRequestIDs(sequentialIDs())}, opts...)
	return New(ws, sender, nil, opts...), ws, sender
}

func TestResolver_ClaimSendsCommandWithoutTouchingOwnership(t *testing.T) {
	r, ws, sender := setup(t)

	ticket, err := r.Claim(context.Background(), "c1", "e1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", ticket.RequestID)

	envs := sender.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, protocol.ActionClaim, envs[0].Action)
	assert.Equal(t, "conversation:c1", envs[0].Room)
	assert.Equal(t, "req-1", envs[0].RequestID)

	var cmd protocol.ClaimCommand
	require.NoError(t, json.Unmarshal(envs[0].Data, &cmd))
	assert.Equal(t, protocol.ClaimCommand{EscalationID: "e1", ConversationID: "c1", AgentUserID: "u1"}, cmd)

	e, _ := ws.Escalation("e1")
	assert.Equal(t, protocol.StatusWaitingForAgent, e.Status)
	assert.Empty(t, e.AgentUserID)
	_, pending := ws.ClaimPending("c1")
	assert.True(t, pending)
	assert.Equal(t, 1, r.Pending())
}

func TestResolver_AcceptedResponse(t *testing.T) {
	r, ws, _ := setup(t)
	ticket, err := r.Claim(context.Background(), "c1", "e1", "u1")
	require.NoError(t, err)

	handled := r.HandleResponse(&protocol.CommandResponse{Status: "ok", EscalationID: "e1"})
	require.True(t, handled)

	require.NoError(t, ticket.Wait(context.Background()))
	e, _ := ws.Escalation("e1")
	assert.Equal(t, protocol.StatusAssigned, e.Status)
	assert.Equal(t, "u1", e.AgentUserID)
	assert.True(t, ws.CanSend("c1", "u1"))
	assert.Equal(t, 0, r.Pending())
}

func TestResolver_CorrelatesByRequestID(t *testing.T) {
	r, ws, _ := setup(t)
	ticket, _ := r.Claim(context.Background(), "c1", "e1", "u1")

	assert.False(t, r.HandleResponse(&protocol.CommandResponse{Status: "ok", RequestID: "other"}))
	assert.False(t, r.HandleResponse(&protocol.CommandResponse{Status: "ok", Action: protocol.ActionMessage, RequestID: "req-1"}))
	assert.True(t, r.HandleResponse(&protocol.CommandResponse{Status: "ok", Action: protocol.ActionClaim, RequestID: "req-1", AgentUserID: "u1"}))

	require.NoError(t, ticket.Err())
	e, _ := ws.Escalation("e1")
	assert.Equal(t, "u1", e.AgentUserID)
}

func TestResolver_RejectedResponse(t *testing.T) {
	r, ws, _ := setup(t)
	ticket, _ := r.Claim(context.Background(), "c1", "e1", "u2")

	r.HandleResponse(&protocol.CommandResponse{Status: "error", RequestID: "req-1", Error: "already claimed"})

	err := ticket.Wait(context.Background())
	require.ErrorIs(t, err, ErrClaimRejected)
	assert.Contains(t, err.Error(), "already claimed")
	assert.Equal(t, "already claimed", ws.ClaimError("c1"))

	e, _ := ws.Escalation("e1")
	assert.Equal(t, protocol.StatusWaitingForAgent, e.Status)
	assert.Empty(t, e.AgentUserID)
	assert.True(t, ws.Inbox("u2")[0].Taken)
}

func TestResolver_OkNamingAnotherAgentIsRejection(t *testing.T) {
	r, ws, _ := setup(t)
	ticket, _ := r.Claim(context.Background(), "c1", "e1", "u2")

	r.HandleResponse(&protocol.CommandResponse{Status: "ok", RequestID: "req-1", AgentUserID: "u1"})

	require.ErrorIs(t, ticket.Err(), ErrClaimRejected)
	assert.Equal(t, "taken by u1", ws.ClaimError("c1"))
	e, _ := ws.Escalation("e1")
	assert.Empty(t, e.AgentUserID, "ownership only moves on the authoritative broadcast")
}

func TestResolver_ErrorNamingCallerIsAcceptance(t *testing.T) {
	r, ws, _ := setup(t)
	ticket, _ := r.Claim(context.Background(), "c1", "e1", "u1")

	r.HandleResponse(&protocol.CommandResponse{Status: "error", RequestID: "req-1", AgentUserID: "u1", Error: "already claimed"})

	require.NoError(t, ticket.Wait(context.Background()))
	assert.Empty(t, ws.ClaimError("c1"))
	e, _ := ws.Escalation("e1")
	assert.Equal(t, protocol.StatusAssigned, e.Status)
	assert.Equal(t, "u1", e.AgentUserID)
	row := ws.Inbox("u1")[0]
	assert.True(t, row.Mine)
	assert.False(t, row.Taken)
}

func TestResolver_ErrorNamingAnotherAgentIsRejection(t *testing.T) {
	r, ws, _ := setup(t)
	ticket, _ := r.Claim(context.Background(), "c1", "e1", "u2")

	r.HandleResponse(&protocol.CommandResponse{Status: "error", RequestID: "req-1", AgentUserID: "u1", Error: "already claimed"})

	require.ErrorIs(t, ticket.Err(), ErrClaimRejected)
	assert.Equal(t, "already claimed", ws.ClaimError("c1"))
	assert.True(t, ws.Inbox("u2")[0].Taken)
}

func TestResolver_MissingAgentIdentity(t *testing.T) {
	r, ws, sender := setup(t)

	_, err := r.Claim(context.Background(), "c1", "e1", "")
	require.ErrorIs(t, err, ErrMissingAgentIdentity)
	assert.Empty(t, sender.envelopes())
	_, pending := ws.ClaimPending("c1")
	assert.False(t, pending)
}

func TestResolver_ClaimIsIdempotent(t *testing.T) {
	r, ws, sender := setup(t)

	first, err := r.Claim(context.Background(), "c1", "e1", "u1")
	require.NoError(t, err)
	second, err := r.Claim(context.Background(), "c1", "e1", "u1")
	require.NoError(t, err)
	assert.Same(t, first, second, "pending claim is reused")
	assert.Len(t, sender.envelopes(), 1)

	r.HandleResponse(&protocol.CommandResponse{Status: "ok", RequestID: "req-1"})

	again, err := r.Claim(context.Background(), "c1", "e1", "u1")
	require.NoError(t, err)
	require.NoError(t, again.Err())
	select {
	case <-again.Done():
	default:
		t.Fatal("claim of an owned escalation should complete immediately")
	}
	assert.Len(t, sender.envelopes(), 1)

	e, _ := ws.Escalation("e1")
	assert.Equal(t, protocol.StatusAssigned, e.Status)
	assert.Equal(t, "u1", e.AgentUserID)
}

func TestResolver_SettledByBroadcast(t *testing.T) {
	r, ws, _ := setup(t)
	ticket, _ := r.Claim(context.Background(), "c1", "e1", "u2")

	status := protocol.StatusAssigned
	ws.ApplyEscalationDelta(protocol.EscalationDelta{
		EscalationID: "e1",
		Status:       &status,
		AgentUserID:  protocol.StringValue("u1"),
	})
	e, _ := ws.Escalation("e1")
	r.ObserveEscalation(e)

	err := ticket.Wait(context.Background())
	require.ErrorIs(t, err, ErrClaimRejected)
	assert.Contains(t, err.Error(), "taken by u1")
	assert.Equal(t, "taken by u1", ws.ClaimError("c1"))

	// The late response is not ours any more and changes nothing.
	assert.False(t, r.HandleResponse(&protocol.CommandResponse{Status: "error", RequestID: "req-1", Error: "late"}))
	assert.Equal(t, "taken by u1", ws.ClaimError("c1"))
}

func TestResolver_ObserveIgnoresClaimableStates(t *testing.T) {
	r, ws, _ := setup(t)
	ticket, _ := r.Claim(context.Background(), "c1", "e1", "u1")

	e, _ := ws.Escalation("e1")
	r.ObserveEscalation(e)

	select {
	case <-ticket.Done():
		t.Fatal("claimable state must not settle a claim")
	default:
	}
}

func TestResolver_Timeout(t *testing.T) {
	r, ws, _ := setup(t, WithTimeout(20*time.Millisecond))
	ticket, _ := r.Claim(context.Background(), "c1", "e1", "u1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorIs(t, ticket.Wait(ctx), ErrClaimTimedOut)

	assert.Equal(t, FailedPrefix+TimeoutReason, ws.ClaimError("c1"))
	_, pending := ws.ClaimPending("c1")
	assert.False(t, pending)
	assert.Equal(t, 0, r.Pending())

	row := ws.Inbox("u1")[0]
	assert.True(t, row.Claimable)
	assert.False(t, row.Taken, "a timeout is not a rejection")
}

func TestResolver_LateAcceptanceAfterTimeoutIsApplied(t *testing.T) {
	r, ws, _ := setup(t, WithTimeout(10*time.Millisecond))
	ticket, _ := r.Claim(context.Background(), "c1", "e1", "u1")
	require.ErrorIs(t, ticket.Wait(context.Background()), ErrClaimTimedOut)

	handled := r.HandleResponse(&protocol.CommandResponse{
		Status:       "ok",
		Action:       protocol.ActionClaim,
		RequestID:    "req-1",
		EscalationID: "e1",
		AgentUserID:  "u1",
	})
	assert.True(t, handled)
	e, _ := ws.Escalation("e1")
	assert.Equal(t, "u1", e.AgentUserID)
	assert.Empty(t, ws.ClaimError("c1"))
}

func TestResolver_SendFailure(t *testing.T) {
	r, ws, sender := setup(t)
	sender.err = errors.New("not connected")

	_, err := r.Claim(context.Background(), "c1", "e1", "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	_, pending := ws.ClaimPending("c1")
	assert.False(t, pending)
	assert.Contains(t, ws.ClaimError("c1"), "not connected")
	assert.Equal(t, 0, r.Pending())

	// A later attempt is not blocked by the failed one.
	sender.err = nil
	_, err = r.Claim(context.Background(), "c1", "e1", "u1")
	require.NoError(t, err)
}

func TestResolver_CanceledContext(t *testing.T) {
	r, _, sender := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Claim(ctx, "c1", "e1", "u1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sender.envelopes())
}

func TestResolver_ResetAbandonsPending(t *testing.T) {
	r, _, _ := setup(t)
	ticket, _ := r.Claim(context.Background(), "c1", "e1", "u1")

	r.Reset()

	require.ErrorIs(t, ticket.Err(), ErrAbandoned)
	assert.Equal(t, 0, r.Pending())
}

func TestResolver_ConcurrentRaceSingleWinner(t *testing.T) {
	ws := store.New(nil)
	status := protocol.StatusRequested
	ws.ApplyEscalationDelta(protocol.EscalationDelta{EscalationID: "e1", ConversationID: "c1", Status: &status})

	sender := &recordingSender{}
	r := New(ws, sender, nil)

	var wg sync.WaitGroup
	tickets := make([]*Ticket, 8)
	for i := range tickets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk, err := r.Claim(context.Background(), "c1", "e1", "u1")
			assert.NoError(t, err)
			tickets[i] = tk
		}(i)
	}
	wg.Wait()

	assert.Len(t, sender.envelopes(), 1)
	for _, tk := range tickets[1:] {
		assert.Same(t, tickets[0], tk)
	}
}
