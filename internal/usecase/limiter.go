package usecase

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// senderLimiter keeps one token bucket per sender. Idle buckets age out of
// the cache, which resets them to full.
type senderLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets *expirable.LRU[string, *rate.Limiter]
	now     func() time.Time
}

func newSenderLimiter(perMinute, size int, ttl time.Duration, now func() time.Time) *senderLimiter {
	burst := perMinute / 4
	if burst < 3 {
		burst = 3
	}
	return &senderLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		buckets: expirable.NewLRU[string, *rate.Limiter](size, nil, ttl),
		now:     now,
	}
}

func (l *senderLimiter) allow(sender string) bool {
	if l == nil || sender == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets.Get(sender)
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(sender, b)
	}
	return b.AllowN(l.now(), 1)
}
