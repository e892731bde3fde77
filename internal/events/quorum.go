package events

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

const quorumPrefix = "hubot:quorum:"

// Quorum counts distinct observations per key. Observe records member and
// reports whether at least need distinct members were seen. Keys expire ttl
// after the last observation.
type Quorum interface {
	Observe(ctx context.Context, key, member string, need int, ttl time.Duration) (bool, error)
}

// RedisQuorum keeps one set per key so every monitor replica shares counts.
type RedisQuorum struct {
	rdb redis.UniversalClient
}

func NewRedisQuorum(rdb redis.UniversalClient) *RedisQuorum {
	return &RedisQuorum{rdb: rdb}
}

func (q *RedisQuorum) Observe(ctx context.Context, key, member string, need int, ttl time.Duration) (bool, error) {
	k := quorumPrefix + key
	var card *redis.IntCmd
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, k, member)
		card = p.SCard(ctx, k)
		p.Expire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return false, appErr.Wrap(err, appErr.CodeUnavailable, "quorum update failed")
	}
	return card.Val() >= int64(need), nil
}

// MemoryQuorum is a single-process Quorum.
type MemoryQuorum struct {
	mu   sync.Mutex
	sets map[string]*memberSet
	now  func() time.Time
}

type memberSet struct {
	members map[string]struct{}
	expires time.Time
}

func NewMemoryQuorum() *MemoryQuorum {
	return &MemoryQuorum{sets: map[string]*memberSet{}, now: time.Now}
}

func (q *MemoryQuorum) Observe(_ context.Context, key, member string, need int, ttl time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	s, ok := q.sets[key]
	if !ok || now.After(s.expires) {
		s = &memberSet{members: map[string]struct{}{}}
		q.sets[key] = s
	}
	s.members[member] = struct{}{}
	s.expires = now.Add(ttl)
	return len(s.members) >= need, nil
}
