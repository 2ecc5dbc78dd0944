package hub

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// acceptLimiter applies per-IP rate limiting to the upgrade endpoint,
// just enough to keep a broken peer from hammering the accept path.
type acceptLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rate     rate.Limit
	burst    int
}

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// newAcceptLimiter allows perMinute accepts sustained per IP, with a
// burst of the same size.
func newAcceptLimiter(perMinute int) *acceptLimiter {
	al := &acceptLimiter{
		limiters: make(map[string]*ipLimiter),
		rate:     rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
	// Evict stale entries every 5 minutes
	go func() {
		for range time.Tick(5 * time.Minute) {
			al.mu.Lock()
			for ip, l := range al.limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(al.limiters, ip)
				}
			}
			al.mu.Unlock()
		}
	}()
	return al
}

func (al *acceptLimiter) Allow(ip string) bool {
	al.mu.Lock()
	l, ok := al.limiters[ip]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(al.rate, al.burst)}
		al.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	al.mu.Unlock()
	return l.lim.Allow()
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First entry is the client
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
