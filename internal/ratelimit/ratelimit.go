// Package ratelimit enforces a per-client-IP token bucket ahead of the proxy
// core, shielding origins from bursty or abusive clients before a connection
// is ever dialed.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaycore/relay/internal/logger"
	"github.com/relaycore/relay/internal/util"
)

// Limiter enforces a requests-per-second token bucket per client IP, with
// trusted CIDRs (e.g. internal health checkers) exempted entirely.
type Limiter struct {
	log *logger.StyledLogger

	entries       sync.Map // string (IP) -> *bucket
	trustedCIDRs  []*net.IPNet
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once

	requestsPerSecond float64
	burst             int
	maxIdle           time.Duration
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess atomic.Int64
}

// Config mirrors the hot-reloadable subset of config.RateLimitConfig the
// Limiter needs.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	CleanupInterval   time.Duration
	TrustedCIDRs      []*net.IPNet
}

// New returns a Limiter that starts its background cleanup goroutine
// immediately; call Stop when the front-end listener shuts down.
func New(cfg Config, log *logger.StyledLogger) *Limiter {
	l := &Limiter{
		log:               log,
		trustedCIDRs:      cfg.TrustedCIDRs,
		requestsPerSecond: cfg.RequestsPerSecond,
		burst:             cfg.Burst,
		maxIdle:           10 * time.Minute,
		stopCleanup:       make(chan struct{}),
	}

	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	l.cleanupTicker = time.NewTicker(interval)
	go l.cleanupLoop()

	return l
}

// Allow reports whether a request from remoteIP may proceed, and the
// Retry-After value (seconds) to report when it may not.
func (l *Limiter) Allow(remoteIP net.IP) (allowed bool, retryAfterSeconds int) {
	if remoteIP != nil && util.IsIPInTrustedCIDRs(remoteIP, l.trustedCIDRs) {
		return true, 0
	}
	if l.requestsPerSecond <= 0 {
		return true, 0
	}

	b := l.getOrCreate(remoteIP.String())
	reservation := b.limiter.Reserve()
	if !reservation.OK() {
		return false, 1
	}
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return false, int(delay.Seconds()) + 1
	}
	return true, 0
}

func (l *Limiter) getOrCreate(key string) *bucket {
	if v, ok := l.entries.Load(key); ok {
		b := v.(*bucket)
		b.lastAccess.Store(time.Now().UnixNano())
		return b
	}

	fresh := &bucket{limiter: rate.NewLimiter(rate.Limit(l.requestsPerSecond), l.burst)}
	fresh.lastAccess.Store(time.Now().UnixNano())

	actual, _ := l.entries.LoadOrStore(key, fresh)
	return actual.(*bucket)
}

func (l *Limiter) cleanupLoop() {
	for {
		select {
		case <-l.stopCleanup:
			return
		case <-l.cleanupTicker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := time.Now().Add(-l.maxIdle).UnixNano()
	l.entries.Range(func(key, value any) bool {
		b := value.(*bucket)
		if b.lastAccess.Load() < cutoff {
			l.entries.Delete(key)
		}
		return true
	})
}

// Stop halts the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		l.cleanupTicker.Stop()
		close(l.stopCleanup)
	})
}

// Middleware wraps next with the token-bucket check, rejecting disallowed
// requests with 429 and the X-RateLimit-Limit / Retry-After headers.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)

		allowed, retryAfter := l.Allow(ip)
		w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(l.requestsPerSecond, 'f', -1, 64))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			if l.log != nil {
				l.log.Warn("rate limit exceeded", "client_ip", host, "path", r.URL.Path, "retry_after", retryAfter)
			}
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
