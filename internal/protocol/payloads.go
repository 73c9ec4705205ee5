// ABOUTME: Broadcast event payloads: escalation deltas, state updates, chat messages
// ABOUTME: Pointer fields keep "absent" distinct from "zero" so merges can preserve state

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// NullString distinguishes a field that was absent from one explicitly set to
// null. Set is true whenever the key appeared in the JSON object.
type NullString struct {
	Set   bool
	Valid bool
	Value string
}

// StringValue returns a NullString carrying v.
func StringValue(v string) NullString {
	return NullString{Set: true, Valid: true, Value: v}
}

// Null returns a NullString that clears the field.
func Null() NullString {
	return NullString{Set: true}
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *NullString) UnmarshalJSON(data []byte) error {
	n.Set = true
	if bytes.Equal(data, []byte("null")) {
		n.Valid = false
		n.Value = ""
		return nil
	}
	if err := json.Unmarshal(data, &n.Value); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

// MarshalJSON implements json.Marshaler.
func (n NullString) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// IsZero lets `omitzero` drop absent values when encoding.
func (n NullString) IsZero() bool {
	return !n.Set
}

// UnixTime is a wall-clock instant encoded as (possibly fractional) unix seconds.
type UnixTime struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *UnixTime) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		u.Time = time.Time{}
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("unix timestamp: %w", err)
	}
	whole, frac := math.Modf(secs)
	u.Time = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	return nil
}

// MarshalJSON implements json.Marshaler.
func (u UnixTime) MarshalJSON() ([]byte, error) {
	if u.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(float64(u.UnixMilli()) / 1000)
}

// EscalationDelta is a partial escalation record. Nil fields were absent from
// the event and must not overwrite stored values.
type EscalationDelta struct {
	EscalationID    string            `json:"escalationId"`
	ConversationID  string            `json:"conversationId,omitempty"`
	Status          *EscalationStatus `json:"status,omitempty"`
	AgentUserID     NullString        `json:"agentUserId,omitzero"`
	Reason          *string           `json:"reason,omitempty"`
	RequestedAt     *time.Time        `json:"requestedAt,omitempty"`
	AcceptedAt      *time.Time        `json:"acceptedAt,omitempty"`
	ResolvedAt      *time.Time        `json:"resolvedAt,omitempty"`
	FirstNotifiedAt *time.Time        `json:"firstNotifiedAt,omitempty"`
	LastNotifiedAt  *time.Time        `json:"lastNotifiedAt,omitempty"`
}

// StateUpdate carries the latest projection of a conversation and, optionally,
// of its escalation.
type StateUpdate struct {
	ConversationID     string              `json:"conversationId"`
	ConversationStatus *ConversationStatus `json:"conversationStatus,omitempty"`
	Channel            *Channel            `json:"channel,omitempty"`
	Escalation         *EscalationDelta    `json:"escalation,omitempty"`
}

// ChatMessage is one turn as broadcast by the backend. ID is empty for
// broadcasts that have not been assigned a server id yet.
type ChatMessage struct {
	ID              string     `json:"id,omitempty"`
	ClientMessageID string     `json:"clientMessageId,omitempty"`
	ConversationID  string     `json:"conversationId"`
	SenderType      SenderType `json:"senderType"`
	Text            string     `json:"text"`
	SentAt          UnixTime   `json:"sentAt"`
}

// DecodeEscalationDelta parses the data of NEW_ESCALATION, CHAT_CLAIMED and
// ESCALATION_UPDATED events.
func DecodeEscalationDelta(data json.RawMessage) (EscalationDelta, error) {
	var d EscalationDelta
	if err := json.Unmarshal(data, &d); err != nil {
		return EscalationDelta{}, err
	}
	if d.EscalationID == "" {
		return EscalationDelta{}, fmt.Errorf("escalation delta: missing escalationId")
	}
	return d, nil
}

// DecodeStateUpdate parses the data of a STATE_UPDATE event. roomConversationID
// is used when neither the update nor its escalation names a conversation.
func DecodeStateUpdate(data json.RawMessage, roomConversationID string) (StateUpdate, error) {
	var s StateUpdate
	if err := json.Unmarshal(data, &s); err != nil {
		return StateUpdate{}, err
	}
	if s.ConversationID == "" && s.Escalation != nil {
		s.ConversationID = s.Escalation.ConversationID
	}
	if s.ConversationID == "" {
		s.ConversationID = roomConversationID
	}
	if s.ConversationID == "" {
		return StateUpdate{}, fmt.Errorf("state update: missing conversationId")
	}
	if s.Escalation != nil {
		if s.Escalation.EscalationID == "" {
			return StateUpdate{}, fmt.Errorf("state update: escalation missing escalationId")
		}
		if s.Escalation.ConversationID == "" {
			s.Escalation.ConversationID = s.ConversationID
		}
	}
	return s, nil
}

// DecodeChatMessage parses the data of a CHAT_MESSAGE event. The
// conversation id may be empty when the backend relies on the room key.
func DecodeChatMessage(data json.RawMessage) (ChatMessage, error) {
	var m ChatMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ChatMessage{}, err
	}
	return m, nil
}

// ConversationRecord is the REST projection of a conversation.
type ConversationRecord struct {
	ID      string             `json:"id"`
	Channel Channel            `json:"channel"`
	Status  ConversationStatus `json:"status"`
}
