package fabric

import (
	"github.com/google/uuid"
)

// Outbound event payloads. Data-plane events (messages) are best effort and
// idempotent on message id; control-plane events (chats changed, chat
// deleted, force logout) carry a server msgId and are resent until acked.

// SignedHello confirms the socket is bound to a session.
type SignedHello struct {
	Type   string    `json:"type"`
	UserID uuid.UUID `json:"userId"`
}

func NewSignedHello(userID uuid.UUID) SignedHello {
	return SignedHello{Type: "signedHello", UserID: userID}
}

// SignedMessage delivers a freshly stored ciphertext to a recipient.
type SignedMessage struct {
	Type          string    `json:"type"`
	ChatID        uuid.UUID `json:"chatId"`
	MessageID     uuid.UUID `json:"messageId"`
	SenderID      uuid.UUID `json:"senderId"`
	EncryptedData string    `json:"encryptedData"`
}

func NewSignedMessage(chatID, messageID, senderID uuid.UUID, encryptedData string) SignedMessage {
	return SignedMessage{
		Type: "signedMessage", ChatID: chatID, MessageID: messageID,
		SenderID: senderID, EncryptedData: encryptedData,
	}
}

// SignedMessageUpdated replaces a message's ciphertext on the client.
type SignedMessageUpdated struct {
	Type          string    `json:"type"`
	ChatID        uuid.UUID `json:"chatId"`
	MessageID     uuid.UUID `json:"messageId"`
	EncryptedData string    `json:"encryptedData"`
}

func NewSignedMessageUpdated(chatID, messageID uuid.UUID, encryptedData string) SignedMessageUpdated {
	return SignedMessageUpdated{
		Type: "signedMessageUpdated", ChatID: chatID, MessageID: messageID,
		EncryptedData: encryptedData,
	}
}

// SignedMessageDeleted removes one message from the client's view.
type SignedMessageDeleted struct {
	Type      string    `json:"type"`
	ChatID    uuid.UUID `json:"chatId"`
	MessageID uuid.UUID `json:"messageId"`
}

func NewSignedMessageDeleted(chatID, messageID uuid.UUID) SignedMessageDeleted {
	return SignedMessageDeleted{Type: "signedMessageDeleted", ChatID: chatID, MessageID: messageID}
}

// SignedMessagesDeleted removes a batch, used when a leaver's messages drop
// out of a group's view.
type SignedMessagesDeleted struct {
	Type       string      `json:"type"`
	ChatID     uuid.UUID   `json:"chatId"`
	MessageIDs []uuid.UUID `json:"messageIds"`
}

func NewSignedMessagesDeleted(chatID uuid.UUID, messageIDs []uuid.UUID) SignedMessagesDeleted {
	return SignedMessagesDeleted{Type: "signedMessagesDeleted", ChatID: chatID, MessageIDs: messageIDs}
}

// SignedChatsChanged tells the client to refetch its chat list. Reliable.
type SignedChatsChanged struct {
	Type  string `json:"type"`
	MsgID string `json:"msgId"`
}

// SignedChatDeleted tells the client a chat is gone. Reliable.
type SignedChatDeleted struct {
	Type   string    `json:"type"`
	MsgID  string    `json:"msgId"`
	ChatID uuid.UUID `json:"chatId"`
}

// SignedAccountUpdated notifies other devices of a vault or settings
// change.
type SignedAccountUpdated struct {
	Type string `json:"type"`
}

// SignedForceLogout orders a device to drop its session. Reliable, followed
// by a delayed close.
type SignedForceLogout struct {
	Type          string `json:"type"`
	MsgID         string `json:"msgId"`
	WipeLocalKeys bool   `json:"wipeLocalKeys"`
}

// Pong answers an application-level ping frame.
type Pong struct {
	Type string `json:"type"`
}

// Receipt answers an inbound request that carried a cMsgId. Cached per user
// and replayed byte-identically on duplicate arrivals.
type Receipt struct {
	Type   string `json:"type"`
	CMsgID string `json:"cMsgId"`
	MsgID  string `json:"msgId"`
	OK     bool   `json:"ok"`
	Code   string `json:"code,omitempty"`
}
