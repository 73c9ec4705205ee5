// Package protocol defines the JSON contract spoken over the realtime room
// connection.
//
// # Rooms
//
// Rooms are logical channels multiplexed over one physical connection. Their
// names are part of the interoperability contract and must match the backend
// exactly:
//
//	conversation:<conversationId>
//	agents:notifications:<workspaceId>:<botId>
//
// # Outbound
//
// Every command is an Envelope {action, room, requestId, data}. Actions are
// JOIN, LEAVE, CLAIM and MESSAGE.
//
// # Inbound
//
// Inbound frames are decoded once, at ingress, into a Frame. A Frame is
// either an *Event (a broadcast addressed to a room) or a *CommandResponse
// (a reply to a command this client issued). Anything else is rejected with
// ErrMalformedFrame so downstream code never has to check for keys again.
package protocol
