package adapters

import (
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// DomainLimiter hands out request tokens per host. It is shared by every
// worker, so Allow is a concurrency-safe check-and-decrement.
type DomainLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDomainLimiter builds a limiter allowing rps requests per second per host
// with the given burst.
func NewDomainLimiter(rps float64, burst int) *DomainLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &DomainLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow takes one token for host, reporting false when the bucket is empty.
// A nil limiter allows everything.
func (d *DomainLimiter) Allow(host string) bool {
	if d == nil {
		return true
	}
	return d.limiter(host).Allow()
}

func (d *DomainLimiter) limiter(host string) *rate.Limiter {
	key := strings.TrimPrefix(strings.ToLower(host), "www.")

	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[key]
	if !ok {
		l = rate.NewLimiter(d.rps, d.burst)
		d.limiters[key] = l
	}
	return l
}
