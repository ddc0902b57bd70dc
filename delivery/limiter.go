package delivery

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedHosts bounds the limiter map; past it the map is reset.
const maxTrackedHosts = 10000

// HostLimiter paces outbound requests per remote host so one busy server
// does not get flooded by a batch.
type HostLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewHostLimiter allows r requests per second per host with bursts of b.
// A non-positive r disables pacing.
func NewHostLimiter(r rate.Limit, b int) *HostLimiter {
	if r <= 0 {
		r = rate.Inf
	}
	if b < 1 {
		b = 1
	}
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    b,
	}
}

func (hl *HostLimiter) getLimiter(host string) *rate.Limiter {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	limiter, exists := hl.limiters[host]
	if !exists {
		if len(hl.limiters) >= maxTrackedHosts {
			hl.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(hl.rate, hl.burst)
		hl.limiters[host] = limiter
	}
	return limiter
}

// Wait blocks until a request to inboxURL's host is allowed or ctx ends.
func (hl *HostLimiter) Wait(ctx context.Context, inboxURL string) error {
	host := inboxURL
	if u, err := url.Parse(inboxURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return hl.getLimiter(host).Wait(ctx)
}
