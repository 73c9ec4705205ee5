// ABOUTME: Room naming convention shared with the backend
// ABOUTME: Builds and parses conversation and notification room keys

package protocol

import "strings"

const (
	conversationRoomPrefix  = "conversation:"
	notificationsRoomPrefix = "agents:notifications:"
)

// ConversationRoom returns the room key for a single conversation.
func ConversationRoom(conversationID string) string {
	return conversationRoomPrefix + conversationID
}

// NotificationsRoom returns the workspace/bot scoped notification room key.
func NotificationsRoom(workspaceID, botID string) string {
	return notificationsRoomPrefix + workspaceID + ":" + botID
}

// ConversationIDFromRoom extracts the conversation id from a conversation
// room key. ok is false for any other room.
func ConversationIDFromRoom(room string) (id string, ok bool) {
	if !strings.HasPrefix(room, conversationRoomPrefix) {
		return "", false
	}
	id = strings.TrimPrefix(room, conversationRoomPrefix)
	return id, id != ""
}
