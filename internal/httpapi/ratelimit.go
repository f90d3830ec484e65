package httpapi

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type RateLimitConfig struct {
	IPPerMinute       int
	IPBurst           int
	LocationPerMinute int
	LocationBurst     int
}

// RateLimiter throttles public traffic per client IP and per location so one
// busy location cannot starve the others.
type RateLimiter struct {
	ipLimiter       *keyedLimiter
	locationLimiter *keyedLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:       newKeyedLimiter(cfg.IPPerMinute, cfg.IPBurst),
		locationLimiter: newKeyedLimiter(cfg.LocationPerMinute, cfg.LocationBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/join/") {
			next.ServeHTTP(w, r)
			return
		}
		wait := l.ipLimiter.take(clientIP(r))
		if wait == 0 {
			wait = l.locationLimiter.take(locationFromPath(r.URL.Path))
		}
		if wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// idleAfter is how long a full bucket sits untouched before it is dropped.
const idleAfter = 10 * time.Minute

// keyedLimiter keeps one refilling allowance per key. A key with no entry
// holds a full allowance, so idle entries can be forgotten.
type keyedLimiter struct {
	mu        sync.Mutex
	perSecond float64
	capacity  float64
	now       func() time.Time
	entries   map[string]*allowance
	nextSweep time.Time
}

type allowance struct {
	left    float64
	updated time.Time
}

func newKeyedLimiter(perMinute, burst int) *keyedLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &keyedLimiter{
		perSecond: float64(perMinute) / 60,
		capacity:  float64(burst),
		now:       time.Now,
		entries:   map[string]*allowance{},
	}
}

// take spends one unit for key. It returns zero when the request may proceed,
// otherwise how long until a unit is available.
func (l *keyedLimiter) take(key string) time.Duration {
	if key == "" {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	a := l.entries[key]
	if a == nil {
		a = &allowance{left: l.capacity, updated: now}
		l.entries[key] = a
	}
	a.left = math.Min(l.capacity, a.left+now.Sub(a.updated).Seconds()*l.perSecond)
	a.updated = now
	if a.left >= 1 {
		a.left--
		return 0
	}
	missing := (1 - a.left) / l.perSecond
	return time.Duration(missing * float64(time.Second))
}

func (l *keyedLimiter) sweep(now time.Time) {
	if now.Before(l.nextSweep) {
		return
	}
	l.nextSweep = now.Add(idleAfter)
	for key, a := range l.entries {
		if now.Sub(a.updated) >= idleAfter {
			delete(l.entries, key)
		}
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// locationFromPath extracts the location id from public and internal routes.
func locationFromPath(path string) string {
	for _, prefix := range []string{"/api/join/", "/api/internal/locations/"} {
		if parts := splitPath(path, prefix); strings.HasPrefix(path, prefix) && len(parts) > 0 {
			return parts[0]
		}
	}
	return ""
}
