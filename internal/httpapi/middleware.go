package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter throttles requests per client IP. Entries for idle clients are
// pruned so the map stays bounded.
type ipLimiter struct {
	perSec int
	burst  int

	mu      sync.Mutex
	clients map[string]*ipEntry
}

type ipEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const ipIdleTTL = 10 * time.Minute

func newIPLimiter(perSec, burst int) *ipLimiter {
	return &ipLimiter{perSec: perSec, burst: burst, clients: map[string]*ipEntry{}}
}

func (l *ipLimiter) allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.clients[host]
	if !ok {
		e = &ipEntry{lim: rate.NewLimiter(rate.Limit(l.perSec), l.burst)}
		l.clients[host] = e
		if len(l.clients)%64 == 0 {
			l.pruneLocked(now)
		}
	}
	e.lastSeen = now
	return e.lim.Allow()
}

func (l *ipLimiter) pruneLocked(now time.Time) {
	for host, e := range l.clients {
		if now.Sub(e.lastSeen) > ipIdleTTL {
			delete(l.clients, host)
		}
	}
}

// throttle applies the per-IP limiter to mutating endpoints.
func (s *Service) throttle(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(r.RemoteAddr) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}
