package realtime

import (
	"encoding/json"
	"time"
)

// Client to server events
const (
	EventJoinRoom      = "room.join"
	EventLeaveRoom     = "room.leave"
	EventSendMessage   = "send_message"
	EventMessageRead   = "message.read"
	EventMessageDelete = "message.delete"
	EventTyping        = "typing"
	EventStopTyping    = "stop_typing"
)

// Server to client events
const (
	EventJoined         = "joined"
	EventRoomLeft       = "room.left"
	EventNewMessage     = "new_message"
	EventMessageDeleted = "message.deleted"
	EventUserTyping     = "user_typing"
	EventUserStopTyping = "user_stop_typing"
	EventUserOnline     = "user_online"
	EventUserOffline    = "user_offline"
	EventError          = "error"
)

// Envelope is the frame exchanged in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an Envelope
func NewEnvelope(event string, data interface{}) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// UserRoom is the broadcast group of one subject
func UserRoom(id string) string { return "user:" + id }

// OrgRoom is the broadcast group of one tenant
func OrgRoom(id string) string { return "org:" + id }

// CaseRoom is the message thread of one case
func CaseRoom(id string) string { return "case:" + id }

// CasePayload names a case
type CasePayload struct {
	CaseID string `json:"caseId"`
}

// RoomPayload acknowledges a join or leave
type RoomPayload struct {
	Room string `json:"room"`
}

// SendMessagePayload is the body of send_message
type SendMessagePayload struct {
	CaseID   string                 `json:"caseId"`
	Content  string                 `json:"content"`
	Type     string                 `json:"type,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// MessageRefPayload names one message of a case
type MessageRefPayload struct {
	CaseID    string `json:"caseId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId,omitempty"`
}

// Message is a chat message broadcast to a case room
type Message struct {
	ID        string                 `json:"id"`
	CaseID    string                 `json:"caseId"`
	SenderID  string                 `json:"senderId"`
	Content   string                 `json:"content"`
	Type      string                 `json:"type,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// TypingPayload is relayed to the other members of a case room
type TypingPayload struct {
	UserID string `json:"userId"`
	CaseID string `json:"caseId"`
}

// PresencePayload announces a subject going online or offline
type PresencePayload struct {
	UserID string `json:"userId"`
}

// ErrorPayload reports a rejected message to its sender
type ErrorPayload struct {
	Event   string `json:"event"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}
