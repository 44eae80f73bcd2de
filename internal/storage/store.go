package storage

import (
	"context"
	"time"
)

// PresenceTTL is how long a user stays "online" after their last activity.
const PresenceTTL = 90 * time.Second

// PresenceStore tracks which users are currently online.
// Implementations: redis.Client, memory.Client (for -dev without Redis).
type PresenceStore interface {
	// Touch marks the user online and refreshes the TTL.
	Touch(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	SetOffline(ctx context.Context, userID string) error
	Close() error
}
