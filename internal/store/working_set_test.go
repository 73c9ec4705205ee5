// ABOUTME: Tests for the inbox working set reducers and selectors
// ABOUTME: Covers merge preservation, ownership, active index, claims, unread and close

package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-inbox/internal/ledger"
	"github.com/2389/coven-inbox/internal/protocol"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func statusPtr(s protocol.EscalationStatus) *protocol.EscalationStatus { return &s }
func timePtr(t time.Time) *time.Time                                   { return &t }
func strPtr(s string) *string                                         { return &s }

func requested(escID, convID string, at time.Time) protocol.EscalationDelta {
	return protocol.EscalationDelta{
		EscalationID:   escID,
		ConversationID: convID,
		Status:         statusPtr(protocol.StatusRequested),
		RequestedAt:    timePtr(at),
	}
}

func assigned(escID, agent string) protocol.EscalationDelta {
	return protocol.EscalationDelta{
		EscalationID: escID,
		Status:       statusPtr(protocol.StatusAssigned),
		AgentUserID:  protocol.StringValue(agent),
	}
}

// checkInvariants asserts the structural rules every reducer must preserve.
func checkInvariants(t *testing.T, ws *WorkingSet) {
	t.Helper()
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	for id, e := range ws.escalations {
		assert.Equal(t, e.Status.Owned(), e.AgentUserID != "",
			"escalation %s: status %s with agent %q", id, e.Status, e.AgentUserID)
	}
	for conv, id := range ws.active {
		e, ok := ws.escalations[id]
		if assert.True(t, ok, "active index points at unknown escalation %s", id) {
			assert.False(t, e.Status.Terminal(), "terminal escalation %s in active index", id)
			assert.Equal(t, conv, e.ConversationID)
		}
	}
	for conv := range ws.attention.unread {
		assert.True(t, ws.attention.isOpen(conv), "unread counter for closed tab %s", conv)
	}
}

func TestWorkingSet_MergePreservesAbsentFields(t *testing.T) {
	ws := New(nil)

	d := requested("e1", "c1", t0)
	d.Reason = strPtr("customer asked for a human")
	ws.ApplyEscalationDelta(d)
	ws.ApplyEscalationDelta(assigned("e1", "agent-a"))

	e, ok := ws.Escalation("e1")
	require.True(t, ok)
	assert.Equal(t, protocol.StatusAssigned, e.Status)
	assert.Equal(t, "agent-a", e.AgentUserID)
	assert.Equal(t, "customer asked for a human", e.Reason)
	assert.Equal(t, "c1", e.ConversationID)
	require.NotNil(t, e.RequestedAt)
	assert.True(t, t0.Equal(*e.RequestedAt))
	checkInvariants(t, ws)
}

func TestWorkingSet_SetOnceTimestamps(t *testing.T) {
	ws := New(nil)

	first := requested("e1", "c1", t0)
	first.FirstNotifiedAt = timePtr(t0.Add(time.Second))
	first.LastNotifiedAt = timePtr(t0.Add(time.Second))
	ws.ApplyEscalationDelta(first)

	later := protocol.EscalationDelta{
		EscalationID:    "e1",
		RequestedAt:     timePtr(t0.Add(time.Hour)),
		FirstNotifiedAt: timePtr(t0.Add(time.Hour)),
		LastNotifiedAt:  timePtr(t0.Add(time.Hour)),
	}
	ws.ApplyEscalationDelta(later)

	e, _ := ws.Escalation("e1")
	assert.True(t, t0.Equal(*e.RequestedAt))
	assert.True(t, t0.Add(time.Second).Equal(*e.FirstNotifiedAt))
	assert.True(t, t0.Add(time.Hour).Equal(*e.LastNotifiedAt))
}

func TestWorkingSet_OwnershipNormalization(t *testing.T) {
	tests := []struct {
		name      string
		deltas    []protocol.EscalationDelta
		wantState protocol.EscalationStatus
		wantAgent string
	}{
		{
			name: "owned status without agent keeps previous pair",
			deltas: []protocol.EscalationDelta{
				requested("e1", "c1", t0),
				{EscalationID: "e1", Status: statusPtr(protocol.StatusAssigned)},
			},
			wantState: protocol.StatusRequested,
		},
		{
			name: "explicit null agent on owned status keeps previous pair",
			deltas: []protocol.EscalationDelta{
				requested("e1", "c1", t0),
				assigned("e1", "agent-a"),
				{EscalationID: "e1", Status: statusPtr(protocol.StatusHumanActive), AgentUserID: protocol.Null()},
			},
			wantState: protocol.StatusAssigned,
			wantAgent: "agent-a",
		},
		{
			name: "terminal status clears agent",
			deltas: []protocol.EscalationDelta{
				requested("e1", "c1", t0),
				assigned("e1", "agent-a"),
				{EscalationID: "e1", Status: statusPtr(protocol.StatusResolved)},
			},
			wantState: protocol.StatusResolved,
		},
		{
			name: "agent on claimable status is dropped",
			deltas: []protocol.EscalationDelta{
				{EscalationID: "e1", ConversationID: "c1", Status: statusPtr(protocol.StatusWaitingForAgent), AgentUserID: protocol.StringValue("agent-a")},
			},
			wantState: protocol.StatusWaitingForAgent,
		},
		{
			name: "agent change alone keeps owned status",
			deltas: []protocol.EscalationDelta{
				requested("e1", "c1", t0),
				assigned("e1", "agent-a"),
				{EscalationID: "e1", AgentUserID: protocol.StringValue("agent-b")},
			},
			wantState: protocol.StatusAssigned,
			wantAgent: "agent-b",
		},
		{
			name: "unknown status ignored",
			deltas: []protocol.EscalationDelta{
				requested("e1", "c1", t0),
				{EscalationID: "e1", Status: statusPtr("PARKED")},
			},
			wantState: protocol.StatusRequested,
		},
		{
			name: "out of order transition still applied",
			deltas: []protocol.EscalationDelta{
				requested("e1", "c1", t0),
				{EscalationID: "e1", Status: statusPtr(protocol.StatusResolved)},
				requested("e1", "c1", t0),
			},
			wantState: protocol.StatusRequested,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := New(nil)
			for _, d := range tt.deltas {
				ws.ApplyEscalationDelta(d)
			}
			e, ok := ws.Escalation("e1")
			require.True(t, ok)
			assert.Equal(t, tt.wantState, e.Status)
			assert.Equal(t, tt.wantAgent, e.AgentUserID)
			checkInvariants(t, ws)
		})
	}
}

func TestValidTransition(t *testing.T) {
	assert.True(t, ValidTransition("", protocol.StatusRequested))
	assert.True(t, ValidTransition(protocol.StatusRequested, protocol.StatusAssigned))
	assert.True(t, ValidTransition(protocol.StatusAssigned, protocol.StatusHumanActive))
	assert.True(t, ValidTransition(protocol.StatusHumanActive, protocol.StatusResolved))
	assert.False(t, ValidTransition(protocol.StatusResolved, protocol.StatusRequested))
	assert.False(t, ValidTransition(protocol.StatusHumanActive, protocol.StatusAssigned))
}

func TestWorkingSet_SingleActiveEscalationPerConversation(t *testing.T) {
	ws := New(nil)

	ws.ApplyEscalationDelta(requested("e1", "c1", t0))
	ws.ApplyEscalationDelta(requested("e2", "c1", t0.Add(time.Minute)))

	rows := ws.Inbox("agent-a")
	require.Len(t, rows, 1)
	assert.Equal(t, "e2", rows[0].Escalation.ID)

	active, ok := ws.ActiveEscalation("c1")
	require.True(t, ok)
	assert.Equal(t, "e2", active.ID)

	// A late update to the superseded escalation does not steal the slot.
	ws.ApplyEscalationDelta(protocol.EscalationDelta{EscalationID: "e1", Reason: strPtr("late")})
	active, _ = ws.ActiveEscalation("c1")
	assert.Equal(t, "e2", active.ID)

	ws.ApplyEscalationDelta(protocol.EscalationDelta{EscalationID: "e2", Status: statusPtr(protocol.StatusCancelled)})
	_, ok = ws.ActiveEscalation("c1")
	assert.False(t, ok)
	assert.Empty(t, ws.Inbox("agent-a"))

	// Terminal records stay cached for late corrections.
	e, ok := ws.Escalation("e2")
	require.True(t, ok)
	assert.Equal(t, protocol.StatusCancelled, e.Status)
	checkInvariants(t, ws)
}

func TestWorkingSet_SupersededEscalationWaitsForBackendCancel(t *testing.T) {
	ws := New(nil)
	ws.ApplyEscalationDelta(requested("e1", "c1", t0))
	ws.ApplyEscalationDelta(requested("e2", "c1", t0.Add(time.Minute)))

	// Superseded but not yet cancelled by the backend.
	e1, ok := ws.Escalation("e1")
	require.True(t, ok)
	assert.Equal(t, protocol.StatusRequested, e1.Status)
	active, _ := ws.ActiveEscalation("c1")
	assert.Equal(t, "e2", active.ID)

	ws.ApplyEscalationDelta(protocol.EscalationDelta{
		EscalationID: "e1",
		Status:       statusPtr(protocol.StatusCancelled),
		ResolvedAt:   timePtr(t0.Add(time.Minute)),
	})

	e1, _ = ws.Escalation("e1")
	assert.Equal(t, protocol.StatusCancelled, e1.Status)
	require.NotNil(t, e1.ResolvedAt)
	active, ok = ws.ActiveEscalation("c1")
	require.True(t, ok)
	assert.Equal(t, "e2", active.ID, "cancelling the superseded record keeps the new one active")
	require.Len(t, ws.Inbox("agent-a"), 1)
	checkInvariants(t, ws)
}

func TestWorkingSet_InboxOrderingAndFiltering(t *testing.T) {
	ws := New(nil)

	ws.ApplyEscalationDelta(requested("e3", "c3", t0.Add(2*time.Minute)))
	ws.ApplyEscalationDelta(requested("e1", "c1", t0))
	ws.ApplyEscalationDelta(requested("e2", "c2", t0.Add(time.Minute)))
	ws.ApplyEscalationDelta(protocol.EscalationDelta{EscalationID: "e0", ConversationID: "c0", Status: statusPtr(protocol.StatusRequested)})

	closed := protocol.ConversationClosed
	ws.ApplyStateUpdate(protocol.StateUpdate{ConversationID: "c2", ConversationStatus: &closed})

	rows := ws.Inbox("agent-a")
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.Escalation.ID)
	}
	assert.Equal(t, []string{"e1", "e3", "e0"}, ids)
}

func TestWorkingSet_RowFlags(t *testing.T) {
	ws := New(nil)
	ws.ApplyEscalationDelta(requested("e1", "c1", t0))
	ws.ApplyEscalationDelta(requested("e2", "c2", t0.Add(time.Second)))
	ws.ApplyEscalationDelta(assigned("e2", "agent-b"))

	rows := ws.Inbox("agent-a")
	require.Len(t, rows, 2)

	assert.True(t, rows[0].Claimable)
	assert.False(t, rows[0].Taken)
	assert.False(t, rows[0].Mine)

	assert.False(t, rows[1].Claimable)
	assert.True(t, rows[1].Taken)
	assert.False(t, rows[1].Mine)

	rows = ws.Inbox("agent-b")
	assert.True(t, rows[1].Mine)
	assert.False(t, rows[1].Taken)
}

func TestWorkingSet_ClaimAccepted(t *testing.T) {
	ws := New(nil)
	ws.ApplyEscalationDelta(requested("e1", "c1", t0))

	ws.MarkClaimRequested("c1", "e1", "agent-a")
	escID, ok := ws.ClaimPending("c1")
	require.True(t, ok)
	assert.Equal(t, "e1", escID)

	row := ws.Inbox("agent-a")[0]
	assert.True(t, row.ClaimPending)
	assert.False(t, row.Claimable)

	// Marking a claim never changes ownership.
	e, _ := ws.Escalation("e1")
	assert.Equal(t, protocol.StatusRequested, e.Status)
	assert.False(t, ws.CanSend("c1", "agent-a"))

	ws.HandleClaimResponse(ClaimOutcome{
		ConversationID: "c1",
		EscalationID:   "e1",
		Accepted:       true,
		AgentUserID:    "agent-a",
	})

	_, ok = ws.ClaimPending("c1")
	assert.False(t, ok)
	e, _ = ws.Escalation("e1")
	assert.Equal(t, protocol.StatusAssigned, e.Status)
	assert.Equal(t, "agent-a", e.AgentUserID)
	assert.Nil(t, e.AcceptedAt, "acceptedAt is never guessed locally")
	assert.True(t, ws.CanSend("c1", "agent-a"))
	assert.False(t, ws.CanSend("c1", "agent-b"))
	assert.True(t, ws.Inbox("agent-a")[0].Mine)
	checkInvariants(t, ws)
}

func TestWorkingSet_BackendAcceptedAtWinsAfterAcceptedResponse(t *testing.T) {
	ws := New(nil)
	ws.ApplyEscalationDelta(requested("e1", "c1", t0))
	ws.MarkClaimRequested("c1", "e1", "agent-a")
	ws.HandleClaimResponse(ClaimOutcome{ConversationID: "c1", EscalationID: "e1", Accepted: true, AgentUserID: "agent-a"})

	backend := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	d := assigned("e1", "agent-a")
	d.AcceptedAt = timePtr(backend)
	ws.ApplyEscalationDelta(d)

	e, _ := ws.Escalation("e1")
	require.NotNil(t, e.AcceptedAt)
	assert.True(t, backend.Equal(*e.AcceptedAt))
	assert.Equal(t, "agent-a", e.AgentUserID)
}

func TestWorkingSet_ClaimRejectedLeavesOwnershipUntouched(t *testing.T) {
	ws := New(nil)
	ws.ApplyEscalationDelta(requested("e1", "c1", t0))
	ws.MarkClaimRequested("c1", "e1", "agent-a")

	ws.HandleClaimResponse(ClaimOutcome{EscalationID: "e1", Reason: "already claimed"})

	_, ok := ws.ClaimPending("c1")
	assert.False(t, ok)
	assert.Equal(t, "already claimed", ws.ClaimError("c1"))

	e, _ := ws.Escalation("e1")
	assert.Equal(t, protocol.StatusRequested, e.Status)
	assert.Empty(t, e.AgentUserID)

	row := ws.Inbox("agent-a")[0]
	assert.True(t, row.Taken)
	assert.Equal(t, "already claimed", row.ClaimError)
}

func TestWorkingSet_ClaimResolvedByBroadcastForOtherAgent(t *testing.T) {
	ws := New(nil)
	ws.ApplyEscalationDelta(requested("e1", "c1", t0))
	ws.MarkClaimRequested("c1", "e1", "agent-a")

	ws.ApplyEscalationDelta(assigned("e1", "agent-b"))

	_, ok := ws.ClaimPending("c1")
	assert.False(t, ok)
	assert.Equal(t, "taken by agent-b", ws.ClaimError("c1"))
	assert.False(t, ws.CanSend("c1", "agent-a"))

	row := ws.Inbox("agent-a")[0]
	assert.True(t, row.Taken)
	assert.False(t, row.Mine)
}

func TestWorkingSet_ClaimResolvedByBroadcastForUs(t *testing.T) {
	ws := New(nil)
	ws.ApplyEscalationDelta(requested("e1", "c1", t0))
	ws.MarkClaimRequested("c1", "e1", "agent-a")

	ws.ApplyEscalationDelta(assigned("e1", "agent-a"))

	_, ok := ws.ClaimPending("c1")
	assert.False(t, ok)
	assert.Empty(t, ws.ClaimError("c1"))
	assert.True(t, ws.CanSend("c1", "agent-a"))

	// The late command response is harmless.
	ws.HandleClaimResponse(ClaimOutcome{ConversationID: "c1", EscalationID: "e1", Accepted: true, AgentUserID: "agent-a"})
	e, _ := ws.Escalation("e1")
	assert.Equal(t, protocol.StatusAssigned, e.Status)
}

func TestWorkingSet_AcceptedClaimDoesNotDowngradeHumanActive(t *testing.T) {
	ws := New(nil)
	ws.ApplyEscalationDelta(requested("e1", "c1", t0))
	ws.ApplyEscalationDelta(protocol.EscalationDelta{
		EscalationID: "e1",
		Status:       statusPtr(protocol.StatusHumanActive),
		AgentUserID:  protocol.StringValue("agent-a"),
	})

	ws.HandleClaimResponse(ClaimOutcome{ConversationID: "c1", EscalationID: "e1", Accepted: true, AgentUserID: "agent-a"})

	e, _ := ws.Escalation("e1")
	assert.Equal(t, protocol.StatusHumanActive, e.Status)
}

func TestWorkingSet_HydrateKeepsPendingClaim(t *testing.T) {
	ws := New(nil)
	ws.ApplyEscalationDelta(requested("e1", "c1", t0))
	ws.MarkClaimRequested("c1", "e1", "agent-a")

	ws.Hydrate(Snapshot{
		Conversations: []protocol.ConversationRecord{{ID: "c1", Channel: "whatsapp-ish", Status: protocol.ConversationOpen}},
		Escalations:   []protocol.EscalationDelta{requested("e1", "c1", t0)},
	})

	_, ok := ws.ClaimPending("c1")
	assert.True(t, ok)
	c, ok := ws.Conversation("c1")
	require.True(t, ok)
	assert.Equal(t, protocol.ChannelUnknown, c.Channel)
	assert.Equal(t, protocol.ConversationOpen, c.Status)
}

func TestWorkingSet_ExpireClaimRequest(t *testing.T) {
	ws := New(nil)
	ws.ApplyEscalationDelta(requested("e1", "c1", t0))
	ws.MarkClaimRequested("c1", "e1", "agent-a")

	ws.ExpireClaimRequest("c1", "other", "claim timed out")
	_, ok := ws.ClaimPending("c1")
	assert.True(t, ok, "expiring a different escalation is a no-op")

	ws.ExpireClaimRequest("c1", "e1", "claim failed: claim timed out")
	_, ok = ws.ClaimPending("c1")
	assert.False(t, ok)
	assert.Equal(t, "claim failed: claim timed out", ws.ClaimError("c1"))

	// A failure is not a rejection: the row is claimable again and not taken.
	row := ws.Inbox("agent-a")[0]
	assert.True(t, row.Claimable)
	assert.False(t, row.Taken)
	assert.Equal(t, "claim failed: claim timed out", row.ClaimError)

	// A new attempt clears the previous error.
	ws.MarkClaimRequested("c1", "e1", "agent-a")
	assert.Empty(t, ws.ClaimError("c1"))
}

func TestWorkingSet_UnreadCounting(t *testing.T) {
	ws := New(nil)
	ws.OpenConversation("c1")
	ws.OpenConversation("c2")
	ws.Focus("c1")

	userMsg := func(id, conv string) protocol.ChatMessage {
		return protocol.ChatMessage{
			ID: id, ConversationID: conv, SenderType: protocol.SenderUser,
			Text: "msg " + id, SentAt: protocol.UnixTime{Time: t0},
		}
	}

	assert.Equal(t, ledger.Appended, ws.AppendLiveMessage(userMsg("m1", "c1")))
	assert.Equal(t, ledger.Appended, ws.AppendLiveMessage(userMsg("m2", "c2")))
	assert.Equal(t, ledger.Appended, ws.AppendLiveMessage(userMsg("m3", "c3")))
	assert.Equal(t, ledger.Duplicate, ws.AppendLiveMessage(userMsg("m2", "c2")))

	assert.Equal(t, 0, ws.Unread("c1"), "focused tab never accrues unread")
	assert.Equal(t, 1, ws.Unread("c2"), "redelivery counted once")
	assert.Equal(t, 0, ws.Unread("c3"), "closed tab never accrues unread")

	ws.AppendLocalMessage("c2", "on it")
	assert.Equal(t, 1, ws.Unread("c2"), "local sends are not unread")

	ws.Blur()
	ws.AppendLiveMessage(userMsg("m4", "c1"))
	assert.Equal(t, 1, ws.Unread("c1"))

	ws.Focus("c2")
	assert.Equal(t, 0, ws.Unread("c2"))
	assert.Equal(t, "c2", ws.Active())

	ws.ClearUnread("c1")
	assert.Equal(t, 0, ws.Unread("c1"))

	ws.CloseTab("c2")
	assert.Equal(t, []string{"c1"}, ws.OpenTabs())
	assert.Empty(t, ws.Active())
	assert.Len(t, ws.Messages("c2"), 2, "closing a tab keeps its ledger")
	checkInvariants(t, ws)
}

func TestWorkingSet_HydrateMessagesDoesNotCountUnread(t *testing.T) {
	ws := New(nil)
	ws.OpenConversation("c1")
	local := ws.AppendLocalMessage("c1", "hello")

	n := ws.HydrateMessages("c1", []protocol.ChatMessage{
		{ID: "m1", SenderType: protocol.SenderUser, Text: "hi", SentAt: protocol.UnixTime{Time: t0}},
		{ID: "m2", SenderType: protocol.SenderAssistant, Text: "one moment", SentAt: protocol.UnixTime{Time: t0}},
	})

	assert.Equal(t, 2, n)
	assert.Equal(t, 0, ws.Unread("c1"))

	msgs := ws.Messages("c1")
	require.Len(t, msgs, 3)
	assert.Equal(t, local.ClientID, msgs[0].ClientID)
	assert.True(t, msgs[0].Pending(), "hydration must not drop optimistic sends")
}

func TestWorkingSet_DiscardLocalMessage(t *testing.T) {
	ws := New(nil)
	local := ws.AppendLocalMessage("c1", "hello")

	ws.DiscardLocalMessage("c1", local.ClientID)
	ws.DiscardLocalMessage("missing", local.ClientID)

	assert.Empty(t, ws.Messages("c1"))
}

func TestWorkingSet_ConversationClosed(t *testing.T) {
	ws := New(nil)
	ws.ApplyEscalationDelta(requested("e1", "c1", t0))
	ws.ApplyEscalationDelta(assigned("e1", "agent-a"))
	require.True(t, ws.CanSend("c1", "agent-a"))

	ws.ApplyConversationClosed("c1")

	c, _ := ws.Conversation("c1")
	assert.True(t, c.Closed())
	e, _ := ws.Escalation("e1")
	assert.Equal(t, protocol.StatusResolved, e.Status)
	assert.Empty(t, e.AgentUserID)
	assert.Nil(t, e.ResolvedAt)
	assert.False(t, ws.CanSend("c1", "agent-a"))
	assert.Empty(t, ws.Inbox("agent-a"))
	checkInvariants(t, ws)

	// The backend's state update supplies resolvedAt afterwards.
	closedAt := t0.Add(time.Hour)
	ws.ApplyEscalationDelta(protocol.EscalationDelta{
		EscalationID: "e1",
		Status:       statusPtr(protocol.StatusResolved),
		ResolvedAt:   timePtr(closedAt),
	})
	e, _ = ws.Escalation("e1")
	require.NotNil(t, e.ResolvedAt)
	assert.True(t, closedAt.Equal(*e.ResolvedAt))
}

func TestWorkingSet_StateUpdateCarriesEscalation(t *testing.T) {
	ws := New(nil)
	widget := protocol.ChannelWidget
	open := protocol.ConversationOpen

	ws.ApplyStateUpdate(protocol.StateUpdate{
		ConversationID:     "c1",
		ConversationStatus: &open,
		Channel:            &widget,
		Escalation:         &protocol.EscalationDelta{EscalationID: "e1", Status: statusPtr(protocol.StatusWaitingForAgent)},
	})

	c, ok := ws.Conversation("c1")
	require.True(t, ok)
	assert.Equal(t, protocol.ChannelWidget, c.Channel)
	e, ok := ws.ActiveEscalation("c1")
	require.True(t, ok)
	assert.Equal(t, "e1", e.ID)
	assert.Equal(t, protocol.StatusWaitingForAgent, e.Status)
}

func TestWorkingSet_SelectorsReturnCopies(t *testing.T) {
	ws := New(nil)
	ws.ApplyEscalationDelta(requested("e1", "c1", t0))

	e, _ := ws.Escalation("e1")
	*e.RequestedAt = t0.Add(time.Hour)
	e.Status = protocol.StatusResolved

	again, _ := ws.Escalation("e1")
	assert.True(t, t0.Equal(*again.RequestedAt))
	assert.Equal(t, protocol.StatusRequested, again.Status)
}

func TestWorkingSet_Reset(t *testing.T) {
	ws := New(nil)
	ws.ApplyEscalationDelta(requested("e1", "c1", t0))
	ws.Focus("c1")
	ws.AppendLocalMessage("c1", "hello")
	ws.MarkClaimRequested("c1", "e1", "agent-a")

	ws.Reset()

	assert.Empty(t, ws.Inbox("agent-a"))
	assert.Empty(t, ws.OpenTabs())
	assert.Empty(t, ws.Active())
	assert.Empty(t, ws.Messages("c1"))
	_, ok := ws.ClaimPending("c1")
	assert.False(t, ok)
}

func TestWorkingSet_ConcurrentReducers(t *testing.T) {
	ws := New(nil)
	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv := fmt.Sprintf("c%d", i%4)
			esc := fmt.Sprintf("e%d", i%4)
			for j := range 50 {
				ws.ApplyEscalationDelta(requested(esc, conv, t0))
				if j%2 == 0 {
					ws.ApplyEscalationDelta(assigned(esc, fmt.Sprintf("agent-%d", i)))
				}
				ws.AppendLiveMessage(protocol.ChatMessage{
					ID: fmt.Sprintf("m-%d-%d", i, j), ConversationID: conv,
					SenderType: protocol.SenderUser, Text: "x", SentAt: protocol.UnixTime{Time: t0},
				})
				_ = ws.Inbox("agent-0")
				_ = ws.Unread(conv)
			}
		}(i)
	}
	wg.Wait()

	checkInvariants(t, ws)
	assert.Len(t, ws.Inbox("agent-0"), 4)
}
