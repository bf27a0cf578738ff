package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/basket/smolclaw/internal/config"
)

// Request classes. Each caller gets one bucket per class.
const (
	classRead  = "read"
	classWrite = "write"
)

type limitSpec struct {
	perSecond float64
	burst     float64
}

func newLimitSpec(perMinute, burst, defPerMinute, defBurst int) limitSpec {
	if perMinute <= 0 {
		perMinute = defPerMinute
	}
	if burst <= 0 {
		burst = defBurst
	}
	return limitSpec{perSecond: float64(perMinute) / 60.0, burst: float64(burst)}
}

// bucket is a token bucket. Callers hold RateLimiter.mu.
type bucket struct {
	tokens   float64
	refilled time.Time
	lastSeen time.Time
}

// take refills b up to now and consumes one token. When empty it reports
// how long until the next token.
func (b *bucket) take(spec limitSpec, now time.Time) (bool, time.Duration) {
	b.tokens = math.Min(spec.burst, b.tokens+now.Sub(b.refilled).Seconds()*spec.perSecond)
	b.refilled = now
	b.lastSeen = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / spec.perSecond * float64(time.Second))
	return false, wait
}

type bucketKey struct {
	class   string
	subject string
}

// RateLimiter budgets requests per API key, or per client IP for callers
// without one. Writes have their own, smaller budget so a burst of approve
// calls cannot starve status polling and the other way round.
type RateLimiter struct {
	enabled bool
	specs   map[string]limitSpec
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		enabled: cfg.Enabled,
		specs: map[string]limitSpec{
			classRead:  newLimitSpec(cfg.RequestsPerMinute, cfg.BurstSize, 60, 10),
			classWrite: newLimitSpec(cfg.WriteRequestsPerMinute, cfg.WriteBurstSize, 20, 5),
		},
		logger:  logger,
		now:     time.Now,
		buckets: make(map[bucketKey]*bucket),
	}
}

// Allow consumes one token for subject in class. A refused request gets the
// wait until its next token.
func (rl *RateLimiter) Allow(class, subject string) (bool, time.Duration) {
	spec, ok := rl.specs[class]
	if !ok {
		spec = rl.specs[classRead]
	}
	now := rl.now()
	key := bucketKey{class: class, subject: subject}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: spec.burst, refilled: now}
		rl.buckets[key] = b
	}
	return b.take(spec, now)
}

// StartEviction removes idle buckets every interval until ctx is done.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	if !rl.enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale drops buckets not seen within maxAge.
func (rl *RateLimiter) EvictStale(maxAge time.Duration) int {
	cutoff := rl.now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, b := range rl.buckets {
		if !b.lastSeen.After(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.Debug("gateway: rate limit buckets evicted", "evicted", evicted, "remaining", len(rl.buckets))
	}
	return evicted
}

func (rl *RateLimiter) bucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		ok, wait := rl.Allow(requestClass(r), subjectFor(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestClass(r *http.Request) string {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return classRead
	}
	return classWrite
}

// subjectFor keys a bucket by a hash of the caller's API key so raw tokens
// are not held in the bucket map, falling back to the client IP.
func subjectFor(r *http.Request) string {
	if key := ExtractAPIKey(r); key != "" {
		sum := sha256.Sum256([]byte(key))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	return "ip:" + clientIP(r)
}

// clientIP strips the port so one client maps to one bucket across connections.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfterSeconds(wait time.Duration) int {
	s := int(math.Ceil(wait.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
