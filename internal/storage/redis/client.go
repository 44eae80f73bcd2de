package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/teamline/internal/storage"
)

const presenceKeyPrefix = "presence:"

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Touch marks the user online under presence:{userID} with a sliding TTL.
func (c *Client) Touch(ctx context.Context, userID string) error {
	return c.cli.Set(ctx, presenceKeyPrefix+userID, "1", storage.PresenceTTL).Err()
}

func (c *Client) IsOnline(ctx context.Context, userID string) (bool, error) {
	_, err := c.cli.Get(ctx, presenceKeyPrefix+userID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) SetOffline(ctx context.Context, userID string) error {
	return c.cli.Del(ctx, presenceKeyPrefix+userID).Err()
}
