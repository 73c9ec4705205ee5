// Package ledger keeps the ordered message timeline of one conversation.
//
// Two producers append to a ledger: the local optimistic send path and the
// backend's broadcast echo. Entries carry an explicit identity variant,
// PendingID for local sends awaiting their echo and ServerID once the backend
// has assigned one, so reconciliation never depends on empty-string checks.
//
// Reconciliation rule: a local send carries a client message id. An echo that
// returns that id confirms the pending entry in place. An echo without it
// confirms the oldest pending entry from the same sender with the same text
// sent within the skew window. An echo whose server id is already present is
// a re-delivery and is dropped. Everything else is appended.
//
// Order is arrival order. Entries are never re-sorted by SentAt because
// clocks differ between senders and already-displayed turns must not move.
package ledger
