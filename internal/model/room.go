package model

import "time"

// Membership binds a user to a room. The online flag and last-seen timestamp
// are refreshed on every session open.
type Membership struct {
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	Role       string    `json:"role"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// ReadMarker records the last point up to which a user has read a room.
// Unread counts are derived from it, never stored.
type ReadMarker struct {
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	LastReadAt time.Time `json:"last_read_at"`
}

// RoomActivity is a per-room unread summary for the room list view.
type RoomActivity struct {
	RoomID        string    `json:"room_id"`
	UnreadCount   int       `json:"unread_count"`
	LastMessageAt time.Time `json:"last_message_at"`
}
