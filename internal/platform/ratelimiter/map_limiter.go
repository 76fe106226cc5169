// Package ratelimiter paces repeated attempts per key, such as passphrase
// retries against one identity.
package ratelimiter

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultIdleTTL = 10 * time.Minute

// MapLimiter keeps one token bucket per key. Buckets idle for longer than
// the TTL are dropped. A nil *MapLimiter never limits.
type MapLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	*rate.Limiter
	lastSeen time.Time
}

// New returns nil when rps or burst is not positive.
func New(rps float64, burst int, idleTTL time.Duration) *MapLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	return &MapLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		buckets: make(map[string]*bucket),
	}
}

// Wait blocks until key may try again or ctx is done.
func (l *MapLimiter) Wait(ctx context.Context, key string) error {
	b := l.bucketFor(key, time.Now())
	if b == nil {
		return nil
	}
	return b.Wait(ctx)
}

// Forget resets key, e.g. after a successful unlock.
func (l *MapLimiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.buckets, strings.TrimSpace(key))
	l.mu.Unlock()
}

func (l *MapLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *MapLimiter) bucketFor(key string, now time.Time) *bucket {
	key = strings.TrimSpace(key)
	if l == nil || key == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	// Key rings are small; sweeping on every call is cheap.
	for k, b := range l.buckets {
		if k != key && now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, k)
		}
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{Limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b
}
