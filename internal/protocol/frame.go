// ABOUTME: Inbound frame decoding into a closed sum type
// ABOUTME: Broadcast events vs command responses are decided once at ingress

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedFrame is returned for inbound frames that are neither a
// broadcast event nor a command response.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is an inbound frame. The only implementations are *Event and
// *CommandResponse.
type Frame interface {
	isFrame()
}

// Event is a server-pushed broadcast addressed to a room.
type Event struct {
	RoomID string
	Type   EventType
	Data   json.RawMessage
}

func (*Event) isFrame() {}

// CommandResponse is the reply to a command previously issued by this client.
type CommandResponse struct {
	Status         string
	Action         Action
	RequestID      string
	Room           string
	EscalationID   string
	ConversationID string
	AgentUserID    string
	Error          string
}

func (*CommandResponse) isFrame() {}

// OK reports whether the backend accepted the command.
func (r *CommandResponse) OK() bool {
	switch strings.ToLower(r.Status) {
	case "ok", "success", "accepted":
		return true
	}
	return false
}

type responseFields struct {
	Action         Action `json:"action"`
	RequestID      string `json:"requestId"`
	Room           string `json:"room"`
	EscalationID   string `json:"escalationId"`
	ConversationID string `json:"conversationId"`
	AgentUserID    string `json:"agentUserId"`
	Error          string `json:"error"`
	Message        string `json:"message"`
	Reason         string `json:"reason"`
}

type wireFrame struct {
	RoomID    *string         `json:"roomId"`
	EventType *string         `json:"eventType"`
	Status    *string         `json:"status"`
	Data      json.RawMessage `json:"data"`
	responseFields
}

// Decode classifies a raw inbound frame.
func Decode(raw []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if w.RoomID != nil && *w.RoomID != "" && w.EventType != nil && *w.EventType != "" {
		return &Event{
			RoomID: *w.RoomID,
			Type:   EventType(*w.EventType),
			Data:   w.Data,
		}, nil
	}

	if w.Status != nil && *w.Status != "" {
		f := w.responseFields
		// Some responses nest their correlation fields under data.
		if len(w.Data) > 0 && w.Data[0] == '{' {
			var nested responseFields
			if err := json.Unmarshal(w.Data, &nested); err == nil {
				fillMissing(&f, nested)
			}
		}
		resp := &CommandResponse{
			Status:         *w.Status,
			Action:         f.Action,
			RequestID:      f.RequestID,
			Room:           f.Room,
			EscalationID:   f.EscalationID,
			ConversationID: f.ConversationID,
			AgentUserID:    f.AgentUserID,
			Error:          firstNonEmpty(f.Error, f.Message, f.Reason),
		}
		if resp.ConversationID == "" {
			resp.ConversationID, _ = ConversationIDFromRoom(resp.Room)
		}
		return resp, nil
	}

	return nil, ErrMalformedFrame
}

func fillMissing(dst *responseFields, src responseFields) {
	if dst.Action == "" {
		dst.Action = src.Action
	}
	if dst.RequestID == "" {
		dst.RequestID = src.RequestID
	}
	if dst.Room == "" {
		dst.Room = src.Room
	}
	if dst.EscalationID == "" {
		dst.EscalationID = src.EscalationID
	}
	if dst.ConversationID == "" {
		dst.ConversationID = src.ConversationID
	}
	if dst.AgentUserID == "" {
		dst.AgentUserID = src.AgentUserID
	}
	if dst.Error == "" {
		dst.Error = firstNonEmpty(src.Error, src.Message, src.Reason)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
