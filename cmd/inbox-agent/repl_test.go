// ABOUTME: Tests for the terminal REPL command dispatch
// ABOUTME: Drives the REPL against a fake session backed by a real working set

package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-inbox/internal/inbox"
	"github.com/2389/coven-inbox/internal/ledger"
	"github.com/2389/coven-inbox/internal/protocol"
	"github.com/2389/coven-inbox/internal/store"
	"github.com/2389/coven-inbox/internal/transport"
)

type fakeSession struct {
	ws       *store.WorkingSet
	agent    string
	claimErr error
	calls    []string
}

func (f *fakeSession) Store() store.Selector  { return f.ws }
func (f *fakeSession) State() transport.State { return transport.StateConnected }
func (f *fakeSession) AgentUserID() string    { return f.agent }

func (f *fakeSession) Refresh(context.Context) error {
	f.calls = append(f.calls, "refresh")
	return nil
}

func (f *fakeSession) CloseTab(id string) {
	f.calls = append(f.calls, "closetab "+id)
	f.ws.CloseTab(id)
}

func (f *fakeSession) Focus(id string) {
	f.calls = append(f.calls, "focus "+id)
	f.ws.Focus(id)
}

func (f *fakeSession) Blur() {
	f.calls = append(f.calls, "blur")
	f.ws.Blur()
}

func (f *fakeSession) OpenConversation(_ context.Context, id string) error {
	f.calls = append(f.calls, "open "+id)
	f.ws.Focus(id)
	return nil
}

func (f *fakeSession) Claim(_ context.Context, conv, esc string) error {
	f.calls = append(f.calls, "claim "+conv)
	return f.claimErr
}

func (f *fakeSession) SendMessage(_ context.Context, conv, text string) (ledger.Entry, error) {
	f.calls = append(f.calls, "send "+conv+" "+text)
	return f.ws.AppendLocalMessage(conv, text), nil
}

func (f *fakeSession) CloseConversation(_ context.Context, conv string) error {
	f.calls = append(f.calls, "close "+conv)
	return nil
}

func newFakeSession(t *testing.T) *fakeSession {
	t.Helper()
	ws := store.New(nil)
	waiting := protocol.StatusWaitingForAgent
	requested := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ws.Hydrate(store.Snapshot{
		Conversations: []protocol.ConversationRecord{
			{ID: "conversation-one", Channel: protocol.ChannelWidget, Status: protocol.ConversationOpen},
		},
		Escalations: []protocol.EscalationDelta{
			{EscalationID: "e1", ConversationID: "conversation-one", Status: &waiting, RequestedAt: &requested},
		},
	})
	return &fakeSession{ws: ws, agent: "agent-1"}
}

func newTestREPL(t *testing.T) (*repl, *fakeSession, *bytes.Buffer) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var out bytes.Buffer
	sess := newFakeSession(t)
	r := newREPL(strings.NewReader(""), &out, time.Second)
	r.engine = sess
	return r, sess, &out
}

func TestREPL_ListShowsClaimableRows(t *testing.T) {
	r, _, out := newTestREPL(t)

	require.NoError(t, r.execute(context.Background(), "/list"))
	assert.Contains(t, out.String(), " 1. conversa  WIDGET")
	assert.Contains(t, out.String(), "claimable")
}

func TestREPL_OpenByRowNumberThenChat(t *testing.T) {
	r, sess, out := newTestREPL(t)
	ctx := context.Background()

	require.NoError(t, r.execute(ctx, "/list"))
	require.NoError(t, r.execute(ctx, "/open 1"))
	require.NoError(t, r.execute(ctx, "/claim"))
	require.NoError(t, r.execute(ctx, "hello there"))

	assert.Equal(t, []string{
		"open conversation-one",
		"claim conversation-one",
		"focus conversation-one",
		"send conversation-one hello there",
	}, sess.calls)
	assert.Contains(t, out.String(), "claimed conversa")
}

func TestREPL_ClaimErrorSurfaces(t *testing.T) {
	r, sess, _ := newTestREPL(t)
	sess.claimErr = inbox.ErrClaimRejected

	err := r.execute(context.Background(), "/claim conversation")
	assert.ErrorIs(t, err, inbox.ErrClaimRejected)
}

func TestRowBadge_ClaimFailureStaysClaimable(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	row := store.Row{Claimable: true, ClaimError: "claim failed: claim timed out"}
	assert.Equal(t, "claimable (claim failed: claim timed out)", rowBadge(row))

	row = store.Row{Taken: true, ClaimError: "already claimed"}
	assert.Equal(t, "taken (already claimed)", rowBadge(row))
}

func TestREPL_SendWithoutFocusFails(t *testing.T) {
	r, sess, _ := newTestREPL(t)

	err := r.execute(context.Background(), "anyone there?")
	require.Error(t, err)
	assert.Empty(t, sess.calls)
}

func TestREPL_UnknownCommandAndQuit(t *testing.T) {
	r, _, _ := newTestREPL(t)

	assert.ErrorContains(t, r.execute(context.Background(), "/frobnicate"), "unknown command")
	assert.True(t, errors.Is(r.execute(context.Background(), "/quit"), errQuit))
}

func TestREPL_NotifyMessagePrintsRemoteTurnsOnce(t *testing.T) {
	r, sess, out := newTestREPL(t)
	sess.ws.Focus("conversation-one")
	sess.ws.AppendLiveMessage(protocol.ChatMessage{
		ID:             "m1",
		ConversationID: "conversation-one",
		SenderType:     protocol.SenderUser,
		Text:           "is anyone there?",
		SentAt:         protocol.UnixTime{Time: time.Now()},
	})

	r.notifyUpdate(inbox.Update{Kind: inbox.UpdateMessage, ConversationID: "conversation-one"})
	r.notifyUpdate(inbox.Update{Kind: inbox.UpdateMessage, ConversationID: "conversation-one"})

	assert.Equal(t, 1, strings.Count(out.String(), "is anyone there?"))
}

func TestREPL_AttentionRingsBell(t *testing.T) {
	r, _, out := newTestREPL(t)

	r.notifyAttention(inbox.Attention{ConversationID: "conversation-one", EscalationID: "e1", Reason: "refund"})
	r.notifyAttention(inbox.Attention{ConversationID: "conversation-one", EscalationID: "e1", Renotified: true})

	assert.Contains(t, out.String(), "\a")
	assert.Contains(t, out.String(), "new escalation in conversa: refund")
	assert.Contains(t, out.String(), "still waiting in conversa")
}

func TestREPL_LoopStopsOnEOF(t *testing.T) {
	r, sess, _ := newTestREPL(t)
	r.in = strings.NewReader("/refresh\n/blur\n")

	require.NoError(t, r.loop(context.Background()))
	assert.Equal(t, []string{"refresh", "blur"}, sess.calls)
}
