package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storefront/internal/models"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/decrement_stock.lua
var decrementStockScript string

// ErrSessionNotFound is returned when a checkout session is absent or
// already expired out of the cache.
var ErrSessionNotFound = errors.New("checkout session not found")

type Client struct {
	rdb             *redis.Client
	decrementScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
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

	return &Client{
		rdb:             rdb,
		decrementScript: redis.NewScript(decrementStockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func sessionKey(id string) string {
	return "checkout:session:" + id
}

// SaveSession stores a checkout session, bounded by its expiry.
func (c *Client) SaveSession(ctx context.Context, session *models.CheckoutSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session %s already expired", session.ID)
	}

	return c.rdb.Set(ctx, sessionKey(session.ID), data, ttl).Err()
}

// GetSession retrieves a checkout session by id.
func (c *Client) GetSession(ctx context.Context, id string) (*models.CheckoutSession, error) {
	data, err := c.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	var session models.CheckoutSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

// DeleteSession removes a checkout session (order created or abandoned).
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, sessionKey(id)).Err()
}

func stockKey(productID int64) string {
	return fmt.Sprintf("stock:%d", productID)
}

// InitStock seeds the cached stock count for a product.
func (c *Client) InitStock(ctx context.Context, productID int64, quantity int) error {
	return c.rdb.Set(ctx, stockKey(productID), quantity, 0).Err()
}

// GetCachedStock reads the cached stock count.
func (c *Client) GetCachedStock(ctx context.Context, productID int64) (int, error) {
	value, err := c.rdb.Get(ctx, stockKey(productID)).Int()
	if err == redis.Nil {
		return 0, fmt.Errorf("no cached stock for product %d", productID)
	}
	return value, err
}

// DecrementCachedStock atomically decrements the cached count, clamped at
// zero, mirroring the ledger's clamp without a read-modify-write race.
// Returns the applied delta, the resulting balance, and the clamp flag.
func (c *Client) DecrementCachedStock(ctx context.Context, productID int64, quantity int) (applied, balance int, clamped bool, err error) {
	result, err := c.decrementScript.Run(ctx, c.rdb, []string{stockKey(productID)}, quantity).Result()
	if err != nil {
		return 0, 0, false, fmt.Errorf("decrement stock script failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return 0, 0, false, fmt.Errorf("unexpected script result type")
	}

	applied = int(values[0].(int64))
	balance = int(values[1].(int64))
	clamped = values[2].(int64) == 1
	return applied, balance, clamped, nil
}

// SetCachedStock overwrites the cached count with the ledger balance.
func (c *Client) SetCachedStock(ctx context.Context, productID int64, balance int) error {
	return c.rdb.Set(ctx, stockKey(productID), balance, 0).Err()
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, "idempotency:"+key, value, ttl).Err()
}

// CheckIdempotencyKey checks if an idempotency key exists
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, "idempotency:"+key).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}
