// Package ratelimit throttles login requests per client.
package ratelimit

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per key. Buckets unused for longer than the
// TTL are evicted.
type Limiter struct {
	buckets *cache.Cache
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	mu      sync.Mutex
}

// NewLimiter creates a limiter allowing perMinute requests per key with bursts
// of up to burst requests.
func NewLimiter(perMinute, burst int, ttl time.Duration) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		buckets: cache.New(ttl, ttl),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		ttl:     ttl,
	}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b *rate.Limiter
	if v, ok := l.buckets.Get(key); ok {
		b = v.(*rate.Limiter)
	} else {
		b = rate.NewLimiter(l.limit, l.burst)
	}
	// refresh the expiry on every use
	l.buckets.Set(key, b, l.ttl)
	return b
}

// Allow reports whether a request for key may proceed now
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// AllowAt is Allow evaluated at the given time
func (l *Limiter) AllowAt(key string, now time.Time) bool {
	return l.bucket(key).AllowN(now, 1)
}

// Remove forgets the bucket of key
func (l *Limiter) Remove(key string) {
	l.buckets.Delete(key)
}

// ActiveBuckets returns the number of keys currently tracked
func (l *Limiter) ActiveBuckets() int {
	return l.buckets.ItemCount()
}
