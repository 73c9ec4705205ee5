// ABOUTME: Session engine wiring transport, room registry, store, claims and snapshots
// ABOUTME: Owns room subscriptions and drives rejoin plus resync on reconnect

package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-inbox/internal/claim"
	"github.com/2389/coven-inbox/internal/dedupe"
	"github.com/2389/coven-inbox/internal/identity"
	"github.com/2389/coven-inbox/internal/ledger"
	"github.com/2389/coven-inbox/internal/protocol"
	"github.com/2389/coven-inbox/internal/rooms"
	"github.com/2389/coven-inbox/internal/store"
	"github.com/2389/coven-inbox/internal/transport"
)

const (
	defaultAttentionWindow = 5 * time.Minute
	attentionCacheSize     = 4096
)

type pendingSend struct {
	conversationID string
	clientID       string
}

// Engine is one agent's inbox session.
type Engine struct {
	transport Transport
	snapshots Snapshots
	identity  identity.Provider

	store  *store.WorkingSet
	rooms  *rooms.Registry
	claims *claim.Resolver
	seen   *dedupe.Cache

	workspaceID string
	botID       string
	onUpdate    func(Update)
	onAttention func(Attention)
	logger      *slog.Logger

	resync     chan struct{}
	sweepEvery time.Duration

	mu           sync.Mutex
	convSubs     map[string]func() // conversationID -> unsubscribe
	notifUnsub   func()
	pendingSends map[string]pendingSend // requestID -> optimistic send
}

// New wires an engine. Nothing touches the network until Run or an
// operation is called.
func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.New("inbox: transport is required")
	}
	if opts.Snapshots == nil {
		return nil, errors.New("inbox: snapshots client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	ident := opts.Identity
	if ident == nil {
		ident = identity.Static("")
	}
	window := opts.AttentionWindow
	if window <= 0 {
		window = defaultAttentionWindow
	}

	e := &Engine{
		transport:    opts.Transport,
		snapshots:    opts.Snapshots,
		identity:     ident,
		store:        store.New(logger, ledger.WithClock(now)),
		seen:         dedupe.New(window, attentionCacheSize, dedupe.WithClock(now), dedupe.WithoutSweeper()),
		sweepEvery:   window,
		workspaceID:  opts.WorkspaceID,
		botID:        opts.BotID,
		onUpdate:     opts.OnUpdate,
		onAttention:  opts.OnAttention,
		logger:       logger.With("component", "inbox"),
		resync:       make(chan struct{}, 1),
		convSubs:     make(map[string]func()),
		pendingSends: make(map[string]pendingSend),
	}

	var claimOpts []claim.Option
	if opts.ClaimTimeout > 0 {
		claimOpts = append(claimOpts, claim.WithTimeout(opts.ClaimTimeout))
	}
	e.claims = claim.New(e.store, opts.Transport, logger, claimOpts...)

	e.rooms = rooms.New(opts.Transport, logger)
	e.rooms.OnResponse(e.handleResponse)
	opts.Transport.OnFrame(e.rooms.HandleFrame)
	opts.Transport.OnStateChange(e.handleState)

	e.subscribeNotifications()
	return e, nil
}

// Run drives the transport and background resyncs until ctx ends. It
// returns nil on cancellation.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.transport.Run(gctx)
	})
	g.Go(func() error {
		sweep := time.NewTicker(e.sweepEvery)
		defer sweep.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-sweep.C:
				e.seen.Sweep()
			case <-e.resync:
				if err := e.Refresh(gctx); err != nil && gctx.Err() == nil {
					e.logger.Warn("resync after connect failed", "error", err)
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Store exposes the read side of the working set.
func (e *Engine) Store() store.Selector {
	return e.store
}

// State returns the transport connection state.
func (e *Engine) State() transport.State {
	return e.transport.State()
}

// AgentUserID returns the identity the session acts as.
func (e *Engine) AgentUserID() string {
	return e.identity.AgentUserID()
}

// Rooms returns the rooms the session currently references.
func (e *Engine) Rooms() []string {
	return e.rooms.Rooms()
}

// Logout ends the session: every room is left, pending claims are abandoned
// and the working set is cleared.
func (e *Engine) Logout() {
	e.mu.Lock()
	subs := make([]func(), 0, len(e.convSubs)+1)
	for _, unsub := range e.convSubs {
		subs = append(subs, unsub)
	}
	if e.notifUnsub != nil {
		subs = append(subs, e.notifUnsub)
	}
	clear(e.convSubs)
	clear(e.pendingSends)
	e.notifUnsub = nil
	e.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	e.claims.Reset()
	e.store.Reset()
	e.seen.Reset()
	e.logger.Info("session cleared")
	e.publish(Update{Kind: UpdateSnapshot})
}

func (e *Engine) handleState(s transport.State) {
	if s == transport.StateConnected {
		e.rooms.Rejoin()
		select {
		case e.resync <- struct{}{}:
		default:
		}
	}
	e.publish(Update{Kind: UpdateConnection, State: s})
}

func (e *Engine) subscribeNotifications() {
	if e.workspaceID == "" || e.botID == "" {
		return
	}
	room := protocol.NotificationsRoom(e.workspaceID, e.botID)
	unsub := e.rooms.Subscribe(room, e.handleEvent)
	e.mu.Lock()
	e.notifUnsub = unsub
	e.mu.Unlock()
}

// subscribeConversation references the conversation's room once per session.
func (e *Engine) subscribeConversation(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.convSubs[conversationID]; ok {
		return
	}
	e.convSubs[conversationID] = e.rooms.Subscribe(protocol.ConversationRoom(conversationID), e.handleEvent)
}

func (e *Engine) unsubscribeConversation(conversationID string) {
	e.mu.Lock()
	unsub, ok := e.convSubs[conversationID]
	delete(e.convSubs, conversationID)
	e.mu.Unlock()
	if ok {
		unsub()
	}
}

func (e *Engine) publish(u Update) {
	if e.onUpdate != nil {
		e.onUpdate(u)
	}
}

func transportErr(err error) error {
	if errors.Is(err, transport.ErrNotConnected) {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	return err
}
