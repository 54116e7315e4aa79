// Package domain defines the chat relay's message model and event validation.
package domain

import "time"

// Kind classifies a message or an inbound event.
type Kind string

const (
	KindChat  Kind = "CHAT"
	KindJoin  Kind = "JOIN"
	KindLeave Kind = "LEAVE"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindChat, KindJoin, KindLeave:
		return true
	default:
		return false
	}
}

// SystemSender is the sender name on synthesized presence notices.
const SystemSender = "System"

// Message is an immutable record created by the router when it accepts an
// event. Its JSON form is both the delivery wire shape and the serialized
// history entry.
type Message struct {
	Sender    string `json:"sender"`
	Body      string `json:"message"`
	RoomID    string `json:"roomId"`
	Timestamp int64  `json:"timestamp"`
	Kind      Kind   `json:"type"`
}

// NewMessage stamps a message with at, in milliseconds since the epoch.
func NewMessage(kind Kind, sender string, body string, roomID string, at time.Time) Message {
	return Message{
		Sender:    sender,
		Body:      body,
		RoomID:    roomID,
		Timestamp: at.UnixMilli(),
		Kind:      kind,
	}
}

// JoinNotice builds the system broadcast announcing username in roomID.
func JoinNotice(username string, roomID string, at time.Time) Message {
	return NewMessage(KindJoin, SystemSender, username+" joined the chat", roomID, at)
}

// LeaveNotice builds the system broadcast announcing username left roomID.
func LeaveNotice(username string, roomID string, at time.Time) Message {
	return NewMessage(KindLeave, SystemSender, username+" left the chat", roomID, at)
}
