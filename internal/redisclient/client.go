package redisclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"order-saga/internal/models"
	"order-saga/internal/util"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Client wraps a Redis connection used for the processed-message inbox,
// the stock mirror and sweeper locks.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewClient creates a new Redis client and checks the connection
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb, logger: util.GetLogger()}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func inboxKey(key string) string {
	return "processed:" + key
}

func stockKey(productID string) string {
	return "inventory:" + productID
}

// Seen reports whether a message key has been marked processed
func (c *Client) Seen(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, inboxKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed records a message key. The first writer wins; a zero ttl
// keeps the key forever.
func (c *Client) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.SetNX(ctx, inboxKey(key), time.Now().UTC().Unix(), ttl).Err()
}

// MirrorStock publishes a stock level for readers outside the process
func (c *Client) MirrorStock(ctx context.Context, line models.InventoryLine) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, stockKey(line.ProductID),
		"available", line.Available,
		"reserved", line.Reserved,
		"updated_at", line.UpdatedAt.UTC().Format(time.RFC3339Nano))
	_, err := pipe.Exec(ctx)
	return err
}

// Observer returns a ledger observer mirroring every stock change
func (c *Client) Observer() func(models.InventoryLine) {
	return func(line models.InventoryLine) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.MirrorStock(ctx, line); err != nil {
			c.logger.Warn("Failed to mirror stock level",
				zap.String("product_id", line.ProductID),
				zap.Error(err))
		}
	}
}

// GetInventory retrieves the mirrored stock level of a product
func (c *Client) GetInventory(ctx context.Context, productID string) (models.InventoryLine, error) {
	result, err := c.rdb.HGetAll(ctx, stockKey(productID)).Result()
	if err != nil {
		return models.InventoryLine{}, err
	}
	if len(result) == 0 {
		return models.InventoryLine{}, fmt.Errorf("inventory not found for product %s", productID)
	}

	line := models.InventoryLine{ProductID: productID}
	if line.Available, err = strconv.Atoi(result["available"]); err != nil {
		return models.InventoryLine{}, fmt.Errorf("bad available count for %s: %w", productID, err)
	}
	if line.Reserved, err = strconv.Atoi(result["reserved"]); err != nil {
		return models.InventoryLine{}, fmt.Errorf("bad reserved count for %s: %w", productID, err)
	}
	if ts := result["updated_at"]; ts != "" {
		line.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return line, nil
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, "lock:"+lockKey, "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, "lock:"+lockKey).Err()
}
