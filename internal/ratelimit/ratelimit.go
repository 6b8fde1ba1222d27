// Package ratelimit throttles token endpoints per client key. The in-memory
// limiter is a token bucket per key; the Redis limiter is a fixed-window
// counter shared by every replica.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

var ErrUnavailable = errors.New("ratelimit: backend unavailable")

// Limiter decides whether one more request for key may proceed. When it may
// not, retryAfter tells the caller how long to wait.
type Limiter interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

// Window converts a burst/rate pair into the fixed window used by Redis.
func Window(burst, perSecond int) time.Duration {
	if burst <= 0 || perSecond <= 0 {
		return time.Second
	}
	w := time.Duration(burst) * time.Second / time.Duration(perSecond)
	if w < time.Second {
		w = time.Second
	}
	return w
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Memory is a per-process token bucket keyed by client.
type Memory struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	burst     int
	perSecond rate.Limit
	ttl       time.Duration
	now       func() time.Time
}

var _ Limiter = (*Memory)(nil)

// NewMemory builds an in-memory limiter. Idle buckets older than ttl are
// dropped by Prune.
func NewMemory(burst, perSecond int, ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Memory{
		buckets:   make(map[string]*bucket),
		burst:     burst,
		perSecond: rate.Limit(perSecond),
		ttl:       ttl,
		now:       time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := m.now()
	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(m.perSecond, m.burst)}
		m.buckets[key] = b
	}
	b.seen = now
	m.mu.Unlock()

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second, nil
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d, nil
	}
	return true, 0, nil
}

// Prune removes idle buckets and reports how many were dropped.
func (m *Memory) Prune() int {
	cutoff := m.now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, k)
			n++
		}
	}
	return n
}

// Run prunes idle buckets every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Prune()
		}
	}
}

// Redis counts hits per key in fixed windows: INCR, then PEXPIRE on the
// first hit of a window.
type Redis struct {
	client redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
}

var _ Limiter = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, prefix string, limit int, window time.Duration) *Redis {
	if prefix == "" {
		prefix = "soauth:rl:"
	}
	return &Redis{client: client, prefix: prefix, limit: int64(limit), window: window}
}

func (l *Redis) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	k := l.prefix + key
	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 1 {
		if err := l.client.PExpire(ctx, k, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if count <= l.limit {
		return true, 0, nil
	}
	ttl, err := l.client.PTTL(ctx, k).Result()
	if err != nil || ttl <= 0 {
		ttl = l.window
	}
	return false, ttl, nil
}
