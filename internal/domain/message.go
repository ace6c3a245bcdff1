package domain

import (
	"fmt"
	"time"
)

// Message is one chat message as materialized in a conversation view.
// ID is either server-issued or a temp-correlation id while the message
// is still optimistic. A confirmed message is immutable; an optimistic one
// may only be mutated to attach upload results.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Sender     string    `json:"sender"`
	Receiver   string    `json:"receiver"`
	Timestamp  time.Time `json:"timestamp"`
	FileURLs   []string  `json:"fileUrls,omitempty"`
	ReplyTo    string    `json:"replyToMessageId,omitempty"`
	Optimistic bool      `json:"-"`
	Uploading  bool      `json:"-"`
}

// HasAttachments reports whether the message carries any file URLs.
func (m Message) HasAttachments() bool { return len(m.FileURLs) > 0 }

// PeerOf returns the conversation peer of the message from self's point of view.
func (m Message) PeerOf(self string) string {
	if m.Sender == self {
		return m.Receiver
	}
	return m.Sender
}

// MessageRecord is the wire shape of a message as it arrives from the
// transport or the historical query. Timestamp is an unparsed string; records
// whose timestamp does not parse are dropped individually.
type MessageRecord struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	Sender    string   `json:"sender"`
	Receiver  string   `json:"receiver"`
	Timestamp string   `json:"timestamp"`
	FileURLs  []string `json:"fileUrls,omitempty"`
	ReplyTo   string   `json:"replyToMessageId,omitempty"`
}

// MessageFromRecord validates and converts a wire record.
// Returns MalformedDataError when a required field is missing or the
// timestamp does not parse to a valid instant.
func MessageFromRecord(rec MessageRecord) (Message, error) {
	if rec.ID == "" {
		return Message{}, &MalformedDataError{Field: "id", Reason: "missing"}
	}
	if rec.Sender == "" {
		return Message{}, &MalformedDataError{Field: "sender", Reason: "missing"}
	}
	ts, err := ParseTimestamp(rec.Timestamp)
	if err != nil {
		return Message{}, &MalformedDataError{Field: "timestamp", Reason: err.Error()}
	}
	return Message{
		ID:        rec.ID,
		Content:   rec.Content,
		Sender:    rec.Sender,
		Receiver:  rec.Receiver,
		Timestamp: ts,
		FileURLs:  rec.FileURLs,
		ReplyTo:   rec.ReplyTo,
	}, nil
}

// ParseTimestamp parses a wire timestamp. RFC3339 with or without
// sub-second precision is accepted.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return ts, nil
}

// ChatSummary is one row of the recency-ranked conversation picker.
type ChatSummary struct {
	PeerID      string    `json:"peerId"`
	DisplayName string    `json:"displayName"`
	Avatar      string    `json:"avatar,omitempty"`
	LastMessage string    `json:"lastMessage"`
	LastUpdated time.Time `json:"lastUpdated"`
	LastSender  string    `json:"lastSender,omitempty"`
}

// PresenceEntry is a peer's last observed connectivity status.
// Last writer wins.
type PresenceEntry struct {
	UserID     string    `json:"userId"`
	Active     bool      `json:"active"`
	LastActive time.Time `json:"lastActive"`
}

// TypingKey identifies a directional typing indicator.
type TypingKey struct {
	From string
	To   string
}

// TypingEntry records whether From is typing to To. Absence of an entry
// implies not typing.
type TypingEntry struct {
	From      string    `json:"fromUser"`
	To        string    `json:"toUser"`
	Typing    bool      `json:"typing"`
	Timestamp time.Time `json:"timestamp"`
}
