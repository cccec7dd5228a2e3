package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is a chat row as exchanged with the backing store.
// ChatHistory carries the base64 ciphertext, IV the base64 nonce.
type Record struct {
	ChatID           FlexID    `json:"chatid"`
	DonationID       FlexID    `json:"donationid"`
	SenderID         FlexID    `json:"senderid"`
	ChatHistory      string    `json:"chathistory"`
	IV               string    `json:"iv,omitempty"`
	MessageTimestamp Timestamp `json:"message_timestamp"`
	ReadReceipts     bool      `json:"readreceipts"`
	Delivered        bool      `json:"delivered"`
}

// Inbound normalizes the record for decryption.
func (r *Record) Inbound() Inbound {
	return Inbound{
		ID:             string(r.ChatID),
		ConversationID: string(r.DonationID),
		SenderID:       string(r.SenderID),
		Ciphertext:     r.ChatHistory,
		Nonce:          r.IV,
		Timestamp:      r.MessageTimestamp.Time,
		Delivered:      r.Delivered,
		Read:           r.ReadReceipts,
	}
}

// Envelope is the newMessage channel payload.
type Envelope struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Ciphertext     string    `json:"ciphertext"`
	Nonce          string    `json:"nonce,omitempty"`
	Timestamp      Timestamp `json:"timestamp"`
}

// Inbound normalizes the envelope for decryption.
func (e *Envelope) Inbound() Inbound {
	return Inbound{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Ciphertext:     e.Ciphertext,
		Nonce:          e.Nonce,
		Timestamp:      e.Timestamp.Time,
	}
}

// ReadReceipt is the messageRead payload. SenderID is the reader.
type ReadReceipt struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
}

// DeliveryReceipt is the messageDelivered payload. UserID is the recipient
// acknowledging delivery; it may be absent on payloads from older clients.
type DeliveryReceipt struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// JoinRequest is the join payload.
type JoinRequest struct {
	UserID string `json:"userId"`
}

// PresenceSnapshot lists every online user.
type PresenceSnapshot struct {
	OnlineUserIDs []string `json:"onlineUserIds"`
}

// PresenceChange reports a single user going online or offline.
type PresenceChange struct {
	UserID string `json:"userId"`
}

// FlexID accepts ids encoded as JSON strings or numbers.
type FlexID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = FlexID(n.String())
	return nil
}

// Timestamp is a time that tolerates the formats the backing store emits:
// RFC 3339 with or without zone, space separated dates and epoch milliseconds.
type Timestamp struct {
	time.Time
}

const wireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
}

// MarshalJSON renders UTC with millisecond precision.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(t.UTC().Format(wireTimeLayout))), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", data, err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// ParseTimestamp parses s with every accepted layout. Values without a zone are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
