package store

import (
	"time"

	"github.com/google/uuid"
)

// ChatType discriminates the two chat shapes.
type ChatType string

const (
	ChatTypePersonal ChatType = "personal"
	ChatTypeGroup    ChatType = "group"
)

// User is a registered account. PublicKey holds the canonical JWK JSON;
// Vault is an opaque client-encrypted blob.
type User struct {
	ID            uuid.UUID
	Username      string
	PublicKey     string
	Vault         string
	RemoveDate    time.Time
	HiddenMode    bool
	IntrovertMode bool
}

// Chat is a personal or group conversation.
type Chat struct {
	ID       uuid.UUID
	Type     ChatType
	Name     *string
}

// ChatMember is a (chat, user) membership row. VisibleAfterMessageID is the
// history border: the member sees only messages with a strictly greater id.
type ChatMember struct {
	ChatID                uuid.UUID
	UserID                uuid.UUID
	Username              string
	PublicKey             string
	VisibleAfterMessageID *uuid.UUID
}

// Message carries opaque ciphertext. IDs are UUIDv7, so id order is send
// order.
type Message struct {
	ID            uuid.UUID
	ChatID        uuid.UUID
	SenderID      uuid.UUID
	EncryptedData string
}

// ChatSummary is one row of the chats list.
type ChatSummary struct {
	Chat
	OtherUserID    *uuid.UUID
	OtherUsername  *string
	OtherPublicKey *string
	LastMessage    *Message
	UnreadCount    int
}

// PushSubscription is one browser push endpoint for a user.
type PushSubscription struct {
	Endpoint   string
	UserID     uuid.UUID
	P256dh     string
	Auth       string
	RemoveDate time.Time
}

// PushQueueEntry is one pending offline notification.
type PushQueueEntry struct {
	UserID     uuid.UUID
	MessageID  uuid.UUID
	ChatID     uuid.UUID
	Attempts   int
	Sent       bool
	RemoveDate time.Time
}
