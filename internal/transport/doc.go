// Package transport is the realtime connection to the backend: one websocket
// carrying JSON envelopes out and JSON frames in.
//
// Run owns the connection. It dials with exponential backoff, reads frames on
// a single goroutine so delivery order is the wire order, keeps the link alive
// with pings and redials whenever the connection drops. Connection state is
// published as one of CONNECTING, CONNECTED, RECONNECTING or DISCONNECTED,
// and Send refuses to write unless the state is CONNECTED.
package transport
