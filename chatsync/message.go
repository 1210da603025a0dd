package chatsync

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType distinguishes user text from system-authored entries.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageSystem MessageType = "system"
)

// PendingPrefix marks ids that were generated locally and are not yet
// confirmed by the server.
const PendingPrefix = "temp-"

// Reserved sender identities for entries not authored by a chat user.
const (
	SystemSenderID      = "system"
	SystemSenderName    = "System"
	AssistantSenderID   = "assistant"
	AssistantSenderName = "Assistant"
)

// Message is a single entry in the chat log.
type Message struct {
	ID         string      `json:"id"`
	ClientID   string      `json:"clientId,omitempty"`
	Content    string      `json:"content"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName"`
	CreatedAt  time.Time   `json:"createdAt"`
	Type       MessageType `json:"messageType"`
}

// Pending reports whether the message is still awaiting server confirmation.
func (m Message) Pending() bool {
	return strings.HasPrefix(m.ID, PendingPrefix)
}

func newProvisional(id Identity, content string) Message {
	return Message{
		ID:         PendingPrefix + uuid.NewString(),
		ClientID:   uuid.NewString(),
		Content:    content,
		SenderID:   id.UserID,
		SenderName: id.UserName,
		CreatedAt:  time.Now(),
		Type:       MessageText,
	}
}

func newSystemMessage(text string) Message {
	return Message{
		ID:         uuid.NewString(),
		Content:    text,
		SenderID:   SystemSenderID,
		SenderName: SystemSenderName,
		CreatedAt:  time.Now(),
		Type:       MessageSystem,
	}
}

func byID(id string) func(Message) bool {
	return func(m Message) bool { return m.ID == id }
}
