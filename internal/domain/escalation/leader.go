package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Leader decides which replica runs a scheduler tick.
type Leader interface {
	// TryAcquire returns ok=false when another holder owns the lease. The
	// returned release func must be called once the tick ends.
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// releaseScript deletes the lease only if it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeader is a lease held with SET NX PX. The TTL caps how long a crashed
// holder blocks the others.
type RedisLeader struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewRedisLeader(client redis.UniversalClient, key string, ttl time.Duration) *RedisLeader {
	if key == "" {
		key = "referral:escalation:leader"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLeader{client: client, key: key, ttl: ttl}
}

func (l *RedisLeader) TryAcquire(ctx context.Context) (func(), bool, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire scheduler lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.client, []string{l.key}, owner).Err()
	}
	return release, true, nil
}
