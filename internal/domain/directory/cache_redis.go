package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	staffKeyPrefix  = "bloodbank:dir:staff:"
	donorKeyPrefix  = "bloodbank:dir:donor:"
	DefaultCacheTTL = 5 * time.Minute
)

// Cached fronts a Directory with a read-through Redis cache. Redis failures
// fall back to the backing directory; only successful lookups are cached.
type Cached struct {
	next   Directory
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCached(next Directory, client *redis.Client, ttl time.Duration, logger zerolog.Logger) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{next: next, client: client, ttl: ttl, logger: logger}
}

func (c *Cached) Staff(ctx context.Context, id uuid.UUID) (*Staff, error) {
	var s Staff
	if c.get(ctx, staffKeyPrefix+id.String(), &s) {
		return &s, nil
	}
	got, err := c.next.Staff(ctx, id)
	if err != nil {
		return nil, err
	}
	c.set(ctx, staffKeyPrefix+id.String(), got)
	return got, nil
}

func (c *Cached) Donor(ctx context.Context, id uuid.UUID) (*Donor, error) {
	var d Donor
	if c.get(ctx, donorKeyPrefix+id.String(), &d) {
		return &d, nil
	}
	got, err := c.next.Donor(ctx, id)
	if err != nil {
		return nil, err
	}
	c.set(ctx, donorKeyPrefix+id.String(), got)
	return got, nil
}

// Invalidate drops a cached staff or donor entry.
func (c *Cached) Invalidate(ctx context.Context, id uuid.UUID) error {
	return c.client.Del(ctx, staffKeyPrefix+id.String(), donorKeyPrefix+id.String()).Err()
}

func (c *Cached) get(ctx context.Context, key string, dst interface{}) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("directory cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("directory cache entry corrupt")
		return false
	}
	return true
}

func (c *Cached) set(ctx context.Context, key string, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("directory cache write failed")
	}
}
