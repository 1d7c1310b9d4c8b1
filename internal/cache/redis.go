package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"oauth-service/internal/models"
)

// Cache is the process-external cache abstraction. It is an interface so
// tests can substitute a deterministic fake for the Redis-backed
// implementation.
type Cache interface {
	Close() error

	// Client metadata cache
	GetClient(ctx context.Context, clientID string) (*models.Client, error)
	SetClient(ctx context.Context, client *models.Client, ttl time.Duration) error

	// Per-user effective permission cache
	GetPermissions(ctx context.Context, userID string) ([]string, bool, error)
	SetPermissions(ctx context.Context, userID string, permissions []string, ttl time.Duration) error
	DeletePermissions(ctx context.Context, userID string) error

	// JTI revocation blacklist
	RevokeJTI(ctx context.Context, jti string, ttl time.Duration) error
	IsJTIRevoked(ctx context.Context, jti string) (bool, error)

	// Rate limiting
	CheckRateLimit(ctx context.Context, clientID string, limit int, window time.Duration) (bool, error)
}

// RedisCache implements Cache on top of Redis.
type RedisCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCache creates a new Redis-backed cache instance
func NewCache(redisURL string, logger *zap.Logger) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	// Test the connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{
		client: client,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// GetClient retrieves client metadata from cache
func (c *RedisCache) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	key := "client:" + clientID
	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		c.logger.Error("Failed to get client from cache", zap.String("client_id", clientID), zap.Error(err))
		return nil, err
	}

	var client models.Client
	if err := json.Unmarshal([]byte(data), &client); err != nil {
		c.logger.Error("Failed to unmarshal client data", zap.Error(err))
		return nil, err
	}

	return &client, nil
}

// SetClient stores client metadata in cache
func (c *RedisCache) SetClient(ctx context.Context, client *models.Client, ttl time.Duration) error {
	key := "client:" + client.ClientID
	data, err := json.Marshal(client)
	if err != nil {
		return err
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Error("Failed to set client in cache", zap.String("client_id", client.ClientID), zap.Error(err))
		return err
	}

	return nil
}

// GetPermissions retrieves a user's cached effective permission set. The
// second return value reports whether the entry was present; an empty
// permission set is a valid cached value.
func (c *RedisCache) GetPermissions(ctx context.Context, userID string) ([]string, bool, error) {
	key := "permissions:" + userID
	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		c.logger.Error("Failed to get permissions from cache", zap.String("user_id", userID), zap.Error(err))
		return nil, false, err
	}

	var permissions []string
	if err := json.Unmarshal([]byte(data), &permissions); err != nil {
		c.logger.Error("Failed to unmarshal cached permissions", zap.Error(err))
		return nil, false, err
	}

	return permissions, true, nil
}

// SetPermissions caches a user's effective permission set with a TTL
func (c *RedisCache) SetPermissions(ctx context.Context, userID string, permissions []string, ttl time.Duration) error {
	key := "permissions:" + userID
	data, err := json.Marshal(permissions)
	if err != nil {
		return err
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Error("Failed to cache permissions", zap.String("user_id", userID), zap.Error(err))
		return err
	}

	return nil
}

// DeletePermissions invalidates a user's cached permission set
func (c *RedisCache) DeletePermissions(ctx context.Context, userID string) error {
	key := "permissions:" + userID
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Error("Failed to invalidate permission cache", zap.String("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}

// RevokeJTI adds a token identifier to the revocation blacklist. The TTL
// should be the token's remaining lifetime; keeping entries longer than that
// buys nothing since the token's own exp takes over.
func (c *RedisCache) RevokeJTI(ctx context.Context, jti string, ttl time.Duration) error {
	key := "revoked:jti:" + jti
	if err := c.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		c.logger.Error("Failed to revoke token", zap.String("jti", jti), zap.Error(err))
		return err
	}
	return nil
}

// IsJTIRevoked checks whether a token identifier is blacklisted
func (c *RedisCache) IsJTIRevoked(ctx context.Context, jti string) (bool, error) {
	key := "revoked:jti:" + jti
	exists, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		c.logger.Error("Failed to check token revocation", zap.String("jti", jti), zap.Error(err))
		return false, err
	}
	return exists > 0, nil
}

// CheckRateLimit checks if the client has exceeded rate limit
func (c *RedisCache) CheckRateLimit(ctx context.Context, clientID string, limit int, window time.Duration) (bool, error) {
	key := "rate_limit:" + clientID
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		c.logger.Error("Failed to increment rate limit counter", zap.String("client_id", clientID), zap.Error(err))
		return false, err
	}

	// Set expiration on first request
	if count == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			c.logger.Error("Failed to set rate limit expiration", zap.Error(err))
		}
	}

	return count > int64(limit), nil
}
