// Package cache mirrors court sessions into Redis and fans session
// events out to other orchestrator instances. SQLite stays the source
// of truth; everything here is rebuildable from it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/louisbranch/couplescourt/internal/court/domain"
	apperrors "github.com/louisbranch/couplescourt/internal/platform/errors"
)

const sessionKeyPrefix = "court:session:"

// Commands is the slice of the Redis API the cache layer uses. The
// *redis.Client returned by Connect satisfies it; tests substitute a
// fake.
type Commands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Connect parses a Redis URL, opens a client, and verifies the
// connection before returning it.
func Connect(ctx context.Context, url string, dialTimeout time.Duration) (*redis.Client, error) {
	if url == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, "parse redis url", err)
	}
	opts.DialTimeout = dialTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.Wrap(apperrors.CodeUpstreamFailure, "connect to redis", err)
	}
	return client, nil
}

// Cache keeps a TTL-bounded JSON copy of each session.
type Cache struct {
	client Commands
	ttl    time.Duration
}

func New(client Commands, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// PutSession writes the session snapshot under its ID. Called after
// every successful durable write.
func (c *Cache) PutSession(ctx context.Context, session domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnknown, "encode session for cache", err)
	}
	if err := c.client.Set(ctx, sessionKeyPrefix+session.ID, data, c.ttl).Err(); err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamFailure, "cache session", err)
	}
	return nil
}

// GetSession returns the cached snapshot, or ok=false on a miss.
func (c *Cache) GetSession(ctx context.Context, sessionID string) (domain.Session, bool, error) {
	data, err := c.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Session{}, false, nil
		}
		return domain.Session{}, false, apperrors.Wrap(apperrors.CodeUpstreamFailure, "read cached session", err)
	}
	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return domain.Session{}, false, apperrors.Wrap(apperrors.CodeUnknown, "decode cached session", err)
	}
	return session, true, nil
}

// DeleteSession drops the snapshot, typically once a session reaches a
// terminal phase.
func (c *Cache) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, sessionKeyPrefix+sessionID).Err(); err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamFailure, "evict cached session", err)
	}
	return nil
}
