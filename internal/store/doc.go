// Package store holds the inbox working set: the single in-memory source of
// truth for conversations, escalations, message ledgers, open tabs and unread
// counters during an agent session.
//
// # Ownership
//
// The working set is owned exclusively by WorkingSet. Every mutation goes
// through a named reducer:
//
//   - Hydrate / HydrateMessages: merge REST snapshots
//   - ApplyStateUpdate / ApplyEscalationDelta: merge streamed deltas
//   - AppendLiveMessage / AppendLocalMessage / DiscardLocalMessage: ledger appends
//   - MarkClaimRequested / HandleClaimResponse / ExpireClaimRequest: claim lifecycle
//   - ApplyConversationClosed: backend-confirmed close
//   - OpenConversation / CloseTab / Focus / Blur / ClearUnread: attention state
//   - Reset: end of session
//
// Reads go through selectors that return copies, never internal pointers.
//
// # Merge semantics
//
// Escalations are upserted by escalation id. A field present in a delta
// overwrites the stored value, an absent field is preserved. Overlapping
// fields are last-write-wins by arrival order, not by embedded timestamps.
// RequestedAt, AcceptedAt, ResolvedAt and FirstNotifiedAt are set at most
// once; LastNotifiedAt always takes the newest value.
//
// Ownership is normalized on every merge so that an escalation has an agent
// if and only if its status is ASSIGNED or HUMAN_ACTIVE. A delta that would
// leave an owned status without an owner keeps the previous status/owner pair.
//
// Terminal escalations and closed conversations disappear from Inbox but stay
// cached so late corrections still find a record to merge into.
package store
