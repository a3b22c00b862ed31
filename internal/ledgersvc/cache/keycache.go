package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/catlab/drinks-services/internal/comm"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// KeyCache keeps each organisation's approved public keys in redis so the
// hot approved-keys endpoint skips postgres. Entries expire on a short TTL
// and are invalidated eagerly when an approval changes.
type KeyCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewKeyCache() (*KeyCache, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &KeyCache{rdb: rdb, ttl: 5 * time.Minute}, nil
}

func key(organisationID int64) string {
	return fmt.Sprintf("org:%d:approved-keys", organisationID)
}

func (c *KeyCache) Get(ctx context.Context, organisationID int64) ([]comm.PublicKeyEntryPayload, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, key(organisationID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Errorf("keycache get: %v", err)
		}
		return nil, false
	}

	var entries []comm.PublicKeyEntryPayload
	if err := json.Unmarshal(raw, &entries); err != nil {
		log.Errorf("keycache: corrupt entry for org %d: %v", organisationID, err)
		return nil, false
	}
	return entries, true
}

func (c *KeyCache) Set(ctx context.Context, organisationID int64, entries []comm.PublicKeyEntryPayload) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		log.Errorf("keycache set: %v", err)
		return
	}
	if err := c.rdb.Set(ctx, key(organisationID), raw, c.ttl).Err(); err != nil {
		log.Errorf("keycache set: %v", err)
	}
}

func (c *KeyCache) Invalidate(ctx context.Context, organisationID int64) {
	if c == nil {
		return
	}
	if err := c.rdb.Del(ctx, key(organisationID)).Err(); err != nil {
		log.Errorf("keycache invalidate: %v", err)
	}
}
