package models

// ConnectionState enumerates the realtime transport states. It is owned
// by the realtime channel manager; all other components only read it.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateUnavailable  ConnectionState = "unavailable"
	StateFailed       ConnectionState = "failed"
)

// TypingEvent is the payload of a "typing" realtime event.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name"`
}

// PresenceEvent reports a participant going online or offline.
type PresenceEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Online         bool   `json:"online"`
}

// AgentJoinedEvent is the payload of an "agent-joined" realtime event.
type AgentJoinedEvent struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	AgentName      string `json:"agent_name"`
	JoinedAt       int64  `json:"joined_at"`
}

// QueueFlushedEvent summarizes one completed flush pass.
type QueueFlushedEvent struct {
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Identity associates the browser session with a known contact.
type Identity struct {
	ContactID string            `json:"contact_id,omitempty"`
	Email     string            `json:"email,omitempty"`
	Name      string            `json:"name,omitempty"`
	Traits    map[string]string `json:"traits,omitempty"`
}
