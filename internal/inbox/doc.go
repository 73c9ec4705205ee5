// Package inbox is the agent session engine. It keeps one agent's view of
// in-flight escalations consistent with the backend by combining three
// sources: REST snapshots, live room broadcasts and the agent's own optimistic
// actions.
//
// # Wiring
//
//	transport frames -> rooms.Registry -> Engine handlers -> store reducers
//	command responses -> claim.Resolver / pending sends -> store reducers
//	REST snapshots -> store.Hydrate / HydrateMessages
//
// The transport read goroutine is the only path that delivers inbound
// frames, so events are applied in arrival order. Caller operations run on
// the caller's goroutine; the store serializes both.
//
// # Reconnects
//
// When the transport reports CONNECTED the engine rejoins every referenced
// room and then re-hydrates from REST. There is no other gap filling.
//
// # Operations
//
// Claim, SendMessage and CloseConversation return their outcome as an error
// value. Nothing the engine does in the background surfaces as a panic or an
// unhandled failure; background problems are logged and recovered by the
// next resync.
package inbox
