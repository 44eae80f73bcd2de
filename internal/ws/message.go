package ws

import "github.com/teamline/internal/remote"

type FrameType string

const (
	// Client to server.
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"

	// Server to client.
	FrameSubscribed FrameType = "subscribed"
	FrameInsert     FrameType = "insert"
	FrameError      FrameType = "error"
)

// IncomingFrame is what a client sends over the feed socket. SubID is a
// client-chosen token identifying one subscription on this connection.
type IncomingFrame struct {
	Type   FrameType     `json:"type"`
	SubID  string        `json:"sub_id,omitempty"`
	Table  string        `json:"table,omitempty"`
	Filter remote.Filter `json:"filter,omitempty"`
}

// OutgoingFrame is what the server sends to a client.
type OutgoingFrame struct {
	Type   FrameType     `json:"type"`
	SubID  string        `json:"sub_id,omitempty"`
	Table  string        `json:"table,omitempty"`
	Record remote.Record `json:"record,omitempty"`
	Error  string        `json:"error,omitempty"`
}
