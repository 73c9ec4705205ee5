// ABOUTME: Outbound command envelopes sent over the realtime connection
// ABOUTME: JOIN/LEAVE room membership, CLAIM and MESSAGE commands

package protocol

import "encoding/json"

// Envelope is one outbound command.
type Envelope struct {
	Action    Action          `json:"action"`
	Room      string          `json:"room"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClaimCommand is the data of a CLAIM envelope.
type ClaimCommand struct {
	EscalationID   string `json:"escalationId"`
	ConversationID string `json:"conversationId"`
	AgentUserID    string `json:"agentUserId"`
}

// MessageCommand is the data of a MESSAGE envelope.
type MessageCommand struct {
	ConversationID  string `json:"conversationId"`
	Text            string `json:"text"`
	ClientMessageID string `json:"clientMessageId"`
}

// JoinEnvelope builds the command that adds this connection to room.
func JoinEnvelope(room string) Envelope {
	return Envelope{Action: ActionJoin, Room: room}
}

// LeaveEnvelope builds the command that removes this connection from room.
func LeaveEnvelope(room string) Envelope {
	return Envelope{Action: ActionLeave, Room: room}
}

// ClaimEnvelope builds a CLAIM command scoped to the conversation's room.
func ClaimEnvelope(requestID string, cmd ClaimCommand) (Envelope, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Action:    ActionClaim,
		Room:      ConversationRoom(cmd.ConversationID),
		RequestID: requestID,
		Data:      data,
	}, nil
}

// MessageEnvelope builds a MESSAGE command scoped to the conversation's room.
func MessageEnvelope(requestID string, cmd MessageCommand) (Envelope, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Action:    ActionMessage,
		Room:      ConversationRoom(cmd.ConversationID),
		RequestID: requestID,
		Data:      data,
	}, nil
}
