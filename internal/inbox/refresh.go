// ABOUTME: REST snapshot resync for the working set
// ABOUTME: Fetches everything first, then merges, so a failed fetch leaves state untouched

package inbox

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-inbox/internal/protocol"
	"github.com/2389/coven-inbox/internal/store"
)

// Refresh pulls conversations, escalations and the messages of every open
// tab, then merges them. Nothing is applied unless every fetch succeeds.
func (e *Engine) Refresh(ctx context.Context) error {
	tabs := e.store.OpenTabs()

	var (
		snap     store.Snapshot
		mu       sync.Mutex
		messages = make(map[string][]protocol.ChatMessage, len(tabs))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		convs, err := e.snapshots.ListConversations(gctx)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		snap.Conversations = convs
		return nil
	})
	g.Go(func() error {
		escs, err := e.snapshots.ListEscalations(gctx)
		if err != nil {
			return fmt.Errorf("list escalations: %w", err)
		}
		snap.Escalations = escs
		return nil
	})
	for _, id := range tabs {
		g.Go(func() error {
			msgs, err := e.snapshots.ListMessages(gctx, id)
			if err != nil {
				return fmt.Errorf("list messages %s: %w", id, err)
			}
			mu.Lock()
			messages[id] = msgs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Warn("snapshot fetch failed", "error", err)
		return fmt.Errorf("%w: %w", ErrSnapshotFetchFailed, err)
	}

	e.store.Hydrate(snap)
	for id, msgs := range messages {
		e.store.HydrateMessages(id, msgs)
	}
	for _, d := range snap.Escalations {
		e.observe(d.EscalationID)
	}

	e.logger.Info("snapshot applied",
		"conversations", len(snap.Conversations),
		"escalations", len(snap.Escalations),
		"tabs", len(tabs))
	e.publish(Update{Kind: UpdateSnapshot})
	return nil
}

// refreshMessages fetches one conversation's history into its ledger.
func (e *Engine) refreshMessages(ctx context.Context, conversationID string) error {
	msgs, err := e.snapshots.ListMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("%w: list messages %s: %w", ErrSnapshotFetchFailed, conversationID, err)
	}
	if n := e.store.HydrateMessages(conversationID, msgs); n > 0 {
		e.publish(Update{Kind: UpdateMessage, ConversationID: conversationID})
	}
	return nil
}
