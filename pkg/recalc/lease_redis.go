package recalc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease key only while it still holds our token,
// so an expired lease taken over by another process is left alone.
// KEYS[1] = lease key
// ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeaser implements Leaser with SET NX PX.
type RedisLeaser struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLeaser creates a leaser whose keys start with prefix.
func NewRedisLeaser(client redis.UniversalClient, prefix string) *RedisLeaser {
	return &RedisLeaser{client: client, prefix: prefix}
}

// NewRedisLeaserFromURL parses a redis:// URL.
func NewRedisLeaserFromURL(url, prefix string) (*RedisLeaser, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("recalc: redis url: %w", err)
	}
	return NewRedisLeaser(redis.NewClient(opts), prefix), nil
}

// Ping checks the connection.
func (l *RedisLeaser) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLeaser) Close() error { return l.client.Close() }

func (l *RedisLeaser) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	token := uuid.NewString()
	full := l.prefix + key
	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lease %s: %w", full, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{client: l.client, key: full, token: token}, true, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (r *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Err(); err != nil {
		return fmt.Errorf("redis lease release %s: %w", r.key, err)
	}
	return nil
}
