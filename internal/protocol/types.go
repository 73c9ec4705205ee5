// ABOUTME: Enumerations shared by the wire contract and the inbox state
// ABOUTME: Escalation lifecycle, conversation status, channels, senders, event types

package protocol

// EscalationStatus is a state in the escalation lifecycle.
type EscalationStatus string

const (
	StatusRequested       EscalationStatus = "REQUESTED"
	StatusWaitingForAgent EscalationStatus = "WAITING_FOR_AGENT"
	StatusAssigned        EscalationStatus = "ASSIGNED"
	StatusHumanActive     EscalationStatus = "HUMAN_ACTIVE"
	StatusCancelled       EscalationStatus = "CANCELLED"
	StatusTimedOut        EscalationStatus = "TIMED_OUT"
	StatusResolved        EscalationStatus = "RESOLVED"
)

// Terminal reports whether the escalation has left the active working set.
func (s EscalationStatus) Terminal() bool {
	switch s {
	case StatusCancelled, StatusTimedOut, StatusResolved:
		return true
	}
	return false
}

// Owned reports whether the status requires an owning agent.
func (s EscalationStatus) Owned() bool {
	return s == StatusAssigned || s == StatusHumanActive
}

// Claimable reports whether an agent may still take the escalation.
func (s EscalationStatus) Claimable() bool {
	return s == StatusRequested || s == StatusWaitingForAgent
}

// Known reports whether s is one of the defined statuses.
func (s EscalationStatus) Known() bool {
	switch s {
	case StatusRequested, StatusWaitingForAgent, StatusAssigned, StatusHumanActive,
		StatusCancelled, StatusTimedOut, StatusResolved:
		return true
	}
	return false
}

// ConversationStatus is the backend's lifecycle marker for a conversation.
type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "OPEN"
	ConversationClosed ConversationStatus = "CLOSED"
)

// Channel is the medium a conversation runs over.
type Channel string

const (
	ChannelWidget   Channel = "WIDGET"
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelSMS      Channel = "SMS"
	ChannelEmail    Channel = "EMAIL"
	ChannelUnknown  Channel = "UNKNOWN"
)

// NormalizeChannel maps unrecognized channel names to ChannelUnknown.
func NormalizeChannel(c Channel) Channel {
	switch c {
	case ChannelWidget, ChannelWhatsApp, ChannelSMS, ChannelEmail:
		return c
	}
	return ChannelUnknown
}

// SenderType identifies who authored a chat message.
type SenderType string

const (
	SenderUser      SenderType = "USER"
	SenderAgent     SenderType = "AGENT"
	SenderAssistant SenderType = "ASSISTANT"
	SenderSystem    SenderType = "SYSTEM"
)

// EventType discriminates broadcast events.
type EventType string

const (
	EventStateUpdate       EventType = "STATE_UPDATE"
	EventChatMessage       EventType = "CHAT_MESSAGE"
	EventNewEscalation     EventType = "NEW_ESCALATION"
	EventChatClaimed       EventType = "CHAT_CLAIMED"
	EventEscalationUpdated EventType = "ESCALATION_UPDATED"
)

// Action names an outbound command.
type Action string

const (
	ActionJoin    Action = "JOIN"
	ActionLeave   Action = "LEAVE"
	ActionClaim   Action = "CLAIM"
	ActionMessage Action = "MESSAGE"
)
