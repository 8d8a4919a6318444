package p2p

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const acceptLimiterIdle = 10 * time.Minute

type acceptBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// acceptLimiter throttles inbound connection attempts per remote IP. A nil
// limiter allows everything.
type acceptLimiter struct {
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[netip.Addr]*acceptBucket
}

func newAcceptLimiter(perSecond float64, burst int) *acceptLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &acceptLimiter{
		rate:    rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[netip.Addr]*acceptBucket),
	}
}

func (l *acceptLimiter) allow(ip netip.Addr, now time.Time) bool {
	if l == nil || !ip.IsValid() {
		return true
	}
	ip = ip.Unmap()
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[ip]
	if b == nil {
		b = &acceptBucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// prune forgets buckets idle for longer than acceptLimiterIdle.
func (l *acceptLimiter) prune(now time.Time) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.buckets {
		if now.Sub(b.lastSeen) > acceptLimiterIdle {
			delete(l.buckets, ip)
		}
	}
}
