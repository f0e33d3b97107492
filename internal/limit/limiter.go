// Package limit throttles how often a single identity may trigger an AI
// generation. The policy (window and user-facing message) is explicit rather
// than module state, and backends share the same keyed last-action contract.
package limit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

const defaultMessageTemplate = "Please wait %ds before sending another message."

// Policy configures the per-identity throttle.
type Policy struct {
	Window          time.Duration
	MessageTemplate string
}

// ErrorMessage renders the user-facing throttle message for a wait duration.
func (p Policy) ErrorMessage(wait time.Duration) string {
	tmpl := p.MessageTemplate
	if tmpl == "" {
		tmpl = defaultMessageTemplate
	}
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf(tmpl, secs)
}

// Limiter reserves a send slot for a key. A positive wait means the caller is
// throttled and must retry after that duration; the reservation is only taken
// when wait is zero.
type Limiter interface {
	Reserve(ctx context.Context, key string) (time.Duration, error)
	Policy() Policy
}

// MemoryLimiter keeps the last-action table in process memory.
type MemoryLimiter struct {
	policy Policy
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewMemoryLimiter builds an in-memory limiter for the policy.
func NewMemoryLimiter(policy Policy) *MemoryLimiter {
	return &MemoryLimiter{
		policy: policy,
		now:    time.Now,
		last:   make(map[string]time.Time),
	}
}

func (l *MemoryLimiter) Reserve(_ context.Context, key string) (time.Duration, error) {
	if l.policy.Window <= 0 {
		return 0, nil
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.last[key]; ok {
		if elapsed := now.Sub(prev); elapsed < l.policy.Window {
			return l.policy.Window - elapsed, nil
		}
	}
	l.last[key] = now
	return 0, nil
}

func (l *MemoryLimiter) Policy() Policy {
	return l.policy
}

// redisStore is the subset of the redis client the limiter needs.
type redisStore interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// RedisLimiter shares the last-action table across instances via redis.
type RedisLimiter struct {
	policy Policy
	client redisStore
	prefix string
}

// NewRedisLimiter builds a redis-backed limiter for the policy.
func NewRedisLimiter(policy Policy, client redisStore) *RedisLimiter {
	return &RedisLimiter{
		policy: policy,
		client: client,
		prefix: "throttle:",
	}
}

func (l *RedisLimiter) Reserve(ctx context.Context, key string) (time.Duration, error) {
	if l.policy.Window <= 0 {
		return 0, nil
	}
	set, err := l.client.SetNX(ctx, l.prefix+key, 1, l.policy.Window)
	if err != nil {
		return 0, fmt.Errorf("reserve throttle slot: %w", err)
	}
	if set {
		return 0, nil
	}
	ttl, err := l.client.TTL(ctx, l.prefix+key)
	if err != nil || ttl <= 0 {
		return l.policy.Window, nil
	}
	return ttl, nil
}

func (l *RedisLimiter) Policy() Policy {
	return l.policy
}
