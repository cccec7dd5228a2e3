// Package model defines data structures for the donation chat core.
package model

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a message held by the chat store.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

// DecryptionErrorText replaces the plaintext of messages that cannot be decrypted.
const DecryptionErrorText = "[decryption error]"

// TempIDPrefix marks client-assigned ids of optimistic records.
const TempIDPrefix = "temp-"

// Message is a decrypted chat message as held in memory and rendered by the UI.
// JSON names follow the product's chat records so existing views keep working.
type Message struct {
	ID             string    `json:"chatid"`
	ConversationID string    `json:"donationid"`
	SenderID       string    `json:"senderid"`
	Plaintext      string    `json:"chathistory"`
	Ciphertext     string    `json:"-"`
	Nonce          string    `json:"iv,omitempty"`
	Timestamp      time.Time `json:"message_timestamp"`
	Delivered      bool      `json:"delivered"`
	Read           bool      `json:"readreceipts"`
	Status         Status    `json:"status"`
	DecryptFailed  bool      `json:"decrypt_failed,omitempty"`
	SendError      string    `json:"send_error,omitempty"`
}

// IsTemp reports whether the id was assigned locally.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Local reports whether the message has not been acknowledged by the backing store.
func (m *Message) Local() bool {
	return m.Status == StatusPending || m.Status == StatusFailed
}

// SameSend reports whether m and other describe the same logical send:
// same conversation, sender and millisecond timestamp.
func (m *Message) SameSend(conversationID, senderID string, ts time.Time) bool {
	return m.ConversationID == conversationID &&
		m.SenderID == senderID &&
		m.Timestamp.UnixMilli() == ts.UnixMilli()
}

// Envelope converts a committed message into its channel payload.
func (m *Message) Envelope() Envelope {
	return Envelope{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Ciphertext:     m.Ciphertext,
		Nonce:          m.Nonce,
		Timestamp:      Timestamp{Time: m.Timestamp},
	}
}

// Inbound is an encrypted message from either the backing store or the channel,
// normalized for decryption.
type Inbound struct {
	ID             string
	ConversationID string
	SenderID       string
	Ciphertext     string
	Nonce          string
	Timestamp      time.Time
	Delivered      bool
	Read           bool
}

// ConversationSummary is one row of the chat list.
type ConversationSummary struct {
	ConversationID string   `json:"donationid"`
	MessageCount   int      `json:"message_count"`
	Unread         int      `json:"unread"`
	LastMessage    *Message `json:"last_message,omitempty"`
}

// Principal identifies the user a session runs for.
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}
