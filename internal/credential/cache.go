package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carebridge-health/intake-engine/internal/workflow"
	"github.com/carebridge-health/intake-engine/pkg/logging"
	"github.com/redis/go-redis/v9"
)

const cacheKey = "intake:credential:token"

// Cache fronts the credential store with Redis so stage workers do not hit
// DynamoDB on every outbound call. A nil Redis client degrades to pass-through
// reads against the store.
type Cache struct {
	store        *Store
	redis        *redis.Client
	expiryBuffer time.Duration
	logger       *logging.Logger
	now          func() time.Time
}

// NewCache wraps a store with a Redis read-through layer.
func NewCache(store *Store, redisClient *redis.Client, expiryBuffer time.Duration, logger *logging.Logger) *Cache {
	if store == nil {
		panic("credential: store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if expiryBuffer <= 0 {
		expiryBuffer = 10 * time.Minute
	}
	return &Cache{
		store:        store,
		redis:        redisClient,
		expiryBuffer: expiryBuffer,
		logger:       logger,
		now:          time.Now,
	}
}

// Token implements Source. Cache entries expire before the token does, so a
// cached value is always usable.
func (c *Cache) Token(ctx context.Context) (string, error) {
	if c.redis != nil {
		token, err := c.redis.Get(ctx, cacheKey).Result()
		if err == nil && token != "" {
			return token, nil
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			// Redis being down must not block the workflow; fall through to
			// the store.
			c.logger.Warn("credential cache read failed", "error", err)
		}
	}

	cred, err := c.store.Get(ctx)
	if err != nil {
		return "", err
	}
	now := c.now()
	if !cred.UsableAt(now, c.expiryBuffer) {
		return "", workflow.ErrCredentialExpired
	}

	if c.redis != nil {
		ttl := cred.ExpiresAtTime().Add(-c.expiryBuffer).Sub(now)
		if ttl > 0 {
			if err := c.redis.Set(ctx, cacheKey, cred.AccessToken, ttl).Err(); err != nil {
				c.logger.Warn("credential cache write failed", "error", err)
			}
		}
	}
	return cred.AccessToken, nil
}

// Invalidate drops the cached token. The refresher calls this after storing a
// new credential so readers pick it up immediately.
func (c *Cache) Invalidate(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	if err := c.redis.Del(ctx, cacheKey).Err(); err != nil {
		return fmt.Errorf("credential: failed to invalidate cached token: %w", err)
	}
	return nil
}
