// Package lock serializes work on a single resource across workers.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

// ErrLocked is returned by TryAcquire when another holder owns the key.
var ErrLocked = appErr.New(appErr.CodeConflict, "resource is locked")

// Unlock releases a held lock. It is safe to call more than once.
type Unlock func()

// Locker grants exclusive, expiring ownership of a key.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (Unlock, error)
}

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Redis struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedis(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl, prefix: "hubot:lock:"}
}

func (r *Redis) TryAcquire(ctx context.Context, key string) (Unlock, error) {
	token := uuid.NewString()
	k := r.prefix + key
	ok, err := r.rdb.SetNX(ctx, k, token, r.ttl).Result()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "acquire lock failed")
	}
	if !ok {
		return nil, ErrLocked
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.rdb, []string{k}, token).Err()
		})
	}, nil
}

// Local is an in-process Locker for tests and single-worker setups.
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewLocal(ttl time.Duration) *Local {
	return &Local{held: map[string]time.Time{}, ttl: ttl, now: time.Now}
}

func (l *Local) TryAcquire(_ context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if exp, ok := l.held[key]; ok && (l.ttl <= 0 || now.Before(exp)) {
		return nil, ErrLocked
	}
	exp := now.Add(l.ttl)
	l.held[key] = exp
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key].Equal(exp) {
				delete(l.held, key)
			}
		})
	}, nil
}
