package lease

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a named, expiring mutual-exclusion lease shared by all
// replicas. The TTL bounds how long a crashed holder blocks others.
type RedisLease struct {
	client redis.UniversalClient
	key    string
}

// NewRedisLease creates a lease stored under key.
func NewRedisLease(client redis.UniversalClient, key string) (*RedisLease, error) {
	if client == nil {
		return nil, errors.New("lease redis client is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("lease key is required")
	}
	return &RedisLease{client: client, key: key}, nil
}

// TryAcquire takes the lease for ttl without waiting. release is only set
// when ok is true and frees the lease if this holder still owns it.
func (l *RedisLease) TryAcquire(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("lease ttl must be positive")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
	}
	return release, true, nil
}
