package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/audit-agent/backend/internal/category"
	"github.com/audit-agent/backend/internal/engine"
	"github.com/audit-agent/backend/pkg/logger"
)

const (
	categoryTTL = 24 * time.Hour
	turnTTL     = 10 * time.Minute
)

type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) SetCategory(ctx context.Context, key string, res *category.Resolution) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal resolution: %w", err)
	}

	err = c.client.Set(ctx, "category:"+key, data, categoryTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set category cache: %w", err)
	}

	logger.Debug("Category resolution cached", zap.String("key", key))
	return nil
}

func (c *Client) GetCategory(ctx context.Context, key string) (*category.Resolution, bool, error) {
	data, err := c.client.Get(ctx, "category:"+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get category cache: %w", err)
	}

	var res category.Resolution
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal resolution: %w", err)
	}

	logger.Debug("Category cache hit", zap.String("key", key))
	return &res, true, nil
}

func (c *Client) SetTurn(ctx context.Context, key string, turn *engine.CachedTurn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	err = c.client.Set(ctx, "turn:"+key, data, turnTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set turn cache: %w", err)
	}

	logger.Debug("Turn cached", zap.String("key", key))
	return nil
}

func (c *Client) GetTurn(ctx context.Context, key string) (*engine.CachedTurn, bool, error) {
	data, err := c.client.Get(ctx, "turn:"+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get turn cache: %w", err)
	}

	var turn engine.CachedTurn
	if err := json.Unmarshal(data, &turn); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal turn: %w", err)
	}

	logger.Debug("Turn cache hit", zap.String("key", key))
	return &turn, true, nil
}

// InvalidateTurns clears cached turns after a bulk import changes the data
// underneath them.
func (c *Client) InvalidateTurns(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, "turn:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Turn cache invalidated")
	return nil
}
