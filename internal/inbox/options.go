// ABOUTME: Engine options, collaborator interfaces and callback payloads
// ABOUTME: Transport, REST snapshot source, identity and UI notification hooks

package inbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/coven-inbox/internal/identity"
	"github.com/2389/coven-inbox/internal/protocol"
	"github.com/2389/coven-inbox/internal/transport"
)

// Transport is the realtime connection. *transport.Client implements it.
type Transport interface {
	Run(ctx context.Context) error
	Send(env protocol.Envelope) error
	State() transport.State
	OnFrame(fn func(raw []byte))
	OnStateChange(fn func(transport.State))
}

// Snapshots is the REST collaborator. *api.Client implements it.
type Snapshots interface {
	ListConversations(ctx context.Context) ([]protocol.ConversationRecord, error)
	ListEscalations(ctx context.Context) ([]protocol.EscalationDelta, error)
	ListMessages(ctx context.Context, conversationID string) ([]protocol.ChatMessage, error)
	CloseConversation(ctx context.Context, conversationID string) error
}

// UpdateKind says what part of the working set changed.
type UpdateKind string

const (
	UpdateConnection   UpdateKind = "connection"
	UpdateSnapshot     UpdateKind = "snapshot"
	UpdateConversation UpdateKind = "conversation"
	UpdateEscalation   UpdateKind = "escalation"
	UpdateMessage      UpdateKind = "message"
	UpdateClaim        UpdateKind = "claim"
	UpdateSendFailed   UpdateKind = "send_failed"
)

// Update is published after the working set changes.
type Update struct {
	Kind           UpdateKind
	ConversationID string
	EscalationID   string
	State          transport.State // UpdateConnection only
	Err            error           // UpdateSendFailed only
}

// Attention asks the UI to get a human's attention for an escalation.
type Attention struct {
	ConversationID string
	EscalationID   string
	Status         protocol.EscalationStatus
	Reason         string
	Renotified     bool
}

// Options configures an Engine.
type Options struct {
	Transport Transport
	Snapshots Snapshots
	Identity  identity.Provider

	// WorkspaceID and BotID select the notifications room. Leave either empty
	// to skip it.
	WorkspaceID string
	BotID       string

	ClaimTimeout    time.Duration
	AttentionWindow time.Duration

	// OnUpdate and OnAttention run on the goroutine that caused the change,
	// usually the transport read goroutine. They must not block, and must not
	// call Claim, which waits for that goroutine.
	OnUpdate    func(Update)
	OnAttention func(Attention)

	Clock  func() time.Time
	Logger *slog.Logger
}
