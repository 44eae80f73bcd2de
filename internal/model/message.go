package model

import (
	"strings"
	"time"
)

// Kind classifies a message for rendering and attribution. Only KindUser
// messages come from real workspace members; KindAssistant is the configured
// assistant identity, KindSystem and KindMeetingShare are generated rows.
type Kind string

const (
	KindUser         Kind = "user"
	KindAssistant    Kind = "assistant"
	KindSystem       Kind = "system"
	KindMeetingShare Kind = "meeting-share"
)

// LocalIDPrefix marks client-generated message ids. Server ids are UUIDs, so
// the prefix guarantees a local token never collides with a confirmed row.
const LocalIDPrefix = "local-"

// Attachment describes one uploaded file referenced by a message.
type Attachment struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MediaType string `json:"media_type"`
	URL       string `json:"url"`
}

// Message is the unit of chat content. Optimistic is true only for
// locally created entries not yet confirmed by the remote feed.
type Message struct {
	ID          string       `json:"id"`
	RoomID      string       `json:"room_id"`
	SenderID    string       `json:"sender_id"`
	SenderName  string       `json:"sender_name"`
	Body        string       `json:"body"`
	Kind        Kind         `json:"kind"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Optimistic  bool         `json:"-"`
}

// IsLocal reports whether the message still carries a client-generated id.
func (m Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}
