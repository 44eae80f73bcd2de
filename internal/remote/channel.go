// Package remote defines the abstract data channel the chat core consumes.
// Any concrete backend (the bundled devserver, a managed BaaS, a polling REST
// API) satisfies the same contract: point-in-time reads, durable writes,
// idempotent upserts, a live insert feed, and blob storage.
package remote

import (
	"context"
	"errors"
)

// Table names of the persisted state the core reads and writes.
const (
	TableMessages   = "messages"
	TableMembership = "room_membership"
	TableReadStatus = "read_status"
)

// ErrNotFound is returned by queries that address a missing row.
var ErrNotFound = errors.New("remote: not found")

// Record is one row in JSON shape. Typed structs in internal/model convert
// to and from records via their JSON tags.
type Record = map[string]any

// Filter is an equality predicate on one column.
type Filter struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
}

// Order names the sort column for a query.
type Order struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// Subscription is a live feed handle. Close releases it; closing twice or
// closing a never-delivered subscription is safe. Done is closed when the
// feed terminates for any reason, including transport failure, so owners can
// distinguish "I closed it" from "the channel died" and reconnect.
type Subscription interface {
	Close() error
	Done() <-chan struct{}
}

// Channel is the backend contract. Subscribe delivers newly committed rows
// matching the filter at-least-once; consumers must dedupe by id.
type Channel interface {
	Query(ctx context.Context, table string, filters []Filter, order Order, limit int) ([]Record, error)
	Insert(ctx context.Context, table string, rec Record) (Record, error)
	Upsert(ctx context.Context, table string, rec Record, conflictKeys []string) error
	Subscribe(ctx context.Context, table string, filter Filter, onInsert func(Record)) (Subscription, error)
	UploadBlob(ctx context.Context, bucket, path string, data []byte) (string, error)
}
