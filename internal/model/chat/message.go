package chat

import (
	"strings"
	"time"
)

// SenderType identifies which side of a conversation authored a message.
type SenderType string

const (
	SenderVisitor SenderType = "visitor"
	SenderAgent   SenderType = "agent"
)

// Valid reports whether the sender type is one the relay understands.
func (s SenderType) Valid() bool {
	return s == SenderVisitor || s == SenderAgent
}

// MessageStatus tracks where a message is in its delivery lifecycle.
type MessageStatus string

const (
	// StatusPending marks an optimistic message awaiting server confirmation.
	StatusPending MessageStatus = "pending"
	// StatusFailed marks an optimistic message the caller gave up delivering.
	StatusFailed MessageStatus = "failed"
	// StatusConfirmed marks a message carrying an authoritative server id.
	StatusConfirmed MessageStatus = "confirmed"
)

// Message is one entry of a conversation's ordered list.
//
// LocalID and ClientMessageID are only set on messages created by this client.
// LocalID never leaves the process; ClientMessageID is the idempotency key sent
// with send_message so the relay can echo it back.
type Message struct {
	ID              string         `json:"id,omitempty"`
	ConversationID  string         `json:"conversationId"`
	SenderType      SenderType     `json:"senderType"`
	SenderID        string         `json:"senderId,omitempty"`
	Content         string         `json:"content"`
	CreatedAt       time.Time      `json:"createdAt"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Status          MessageStatus  `json:"status"`
	LocalID         string         `json:"-"`
	ClientMessageID string         `json:"-"`
}

// Optimistic reports whether the message still waits for a server id.
func (m Message) Optimistic() bool {
	return m.ID == "" && m.LocalID != ""
}

// Key returns the identifier the message is tracked under.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.LocalID
}

// timestampLayouts covers RFC 3339 and the zone-less ISO form the relay emits.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses a relay timestamp. Values without a zone are UTC.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
