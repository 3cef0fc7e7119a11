package cache

import (
	"context"
	"fmt"
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

// RunLock is a Redis SET NX lease. Only the holder's token can release it; an abandoned
// lease expires with its TTL.
type RunLock struct {
	client    redis.UniversalClient
	namespace string
}

func NewRunLock(client redis.UniversalClient, namespace string) *RunLock {
	return &RunLock{client: client, namespace: namespace}
}

// Acquire returns a release token, or ok=false when another holder owns the key.
func (l *RunLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.namespace+":lock:"+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return token, ok, nil
}

func (l *RunLock) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.namespace + ":lock:" + key}, token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
