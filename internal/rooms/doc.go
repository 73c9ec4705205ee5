// Package rooms multiplexes logical room subscriptions over one realtime
// connection.
//
// # Reference counting
//
// Any number of consumers may subscribe to the same room. The registry keeps
// one entry per room and only talks to the transport on the boundaries:
//
//   - 0 -> 1 subscribers: one JOIN command
//   - 1 -> 0 subscribers: one LEAVE command
//
// Membership is tracked explicitly, never inferred from handler lifetimes.
//
// # Reconnects
//
// The registry outlives the physical connection. When the transport comes
// back, Rejoin re-issues JOIN for every referenced room; subscribers keep
// their handlers and never resubscribe.
//
// # Demultiplexing
//
// HandleFrame decodes each inbound frame once. Broadcast events go to the
// handlers registered for the event's room, command responses go to the
// response handler, and malformed frames are logged and dropped. The
// registry never interprets event contents.
package rooms
