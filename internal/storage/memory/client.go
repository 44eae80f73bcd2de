package memory

import (
	"context"
	"sync"
	"time"

	"github.com/teamline/internal/storage"
)

type Client struct {
	mu       sync.RWMutex
	presence map[string]time.Time // user id -> expiry
}

func New() *Client {
	return &Client{presence: make(map[string]time.Time)}
}

func (c *Client) Close() error { return nil }

func (c *Client) Touch(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence[userID] = time.Now().Add(storage.PresenceTTL)
	return nil
}

func (c *Client) IsOnline(ctx context.Context, userID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exp, ok := c.presence[userID]
	if !ok || time.Now().After(exp) {
		return false, nil
	}
	return true, nil
}

func (c *Client) SetOffline(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.presence, userID)
	return nil
}
