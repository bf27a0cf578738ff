package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/smolclaw/internal/config"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg config.RateLimitConfig) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(cfg, nil)
	rl.now = clock.now
	return rl, clock
}

func limitedRequest(h http.Handler, method, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var passThrough = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestRateLimiter_BurstThenLimited(t *testing.T) {
	rl, _ := newTestLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 3})
	h := rl.Wrap(passThrough)

	for i := 0; i < 3; i++ {
		if rec := limitedRequest(h, http.MethodGet, "/api/status", "k"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: status %d", i, rec.Code)
		}
	}
	rec := limitedRequest(h, http.MethodGet, "/api/status", "k")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After = %q, want 1", got)
	}
	if rec := limitedRequest(h, http.MethodGet, "/api/status", "other"); rec.Code != http.StatusOK {
		t.Fatalf("other key shares a bucket: status %d", rec.Code)
	}
}

func TestRateLimiter_RefillOverTime(t *testing.T) {
	rl, clock := newTestLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1})

	if ok, _ := rl.Allow(classRead, "s"); !ok {
		t.Fatal("first request refused")
	}
	ok, wait := rl.Allow(classRead, "s")
	if ok {
		t.Fatal("second request allowed without refill")
	}
	if wait <= 0 || wait > time.Second {
		t.Fatalf("wait = %v, want (0, 1s]", wait)
	}
	clock.advance(time.Second)
	if ok, _ := rl.Allow(classRead, "s"); !ok {
		t.Fatal("request refused after refill")
	}
}

func TestRateLimiter_WritesHaveOwnBudget(t *testing.T) {
	rl, _ := newTestLimiter(config.RateLimitConfig{
		Enabled: true, RequestsPerMinute: 60, BurstSize: 5,
		WriteRequestsPerMinute: 6, WriteBurstSize: 1,
	})
	h := rl.Wrap(passThrough)

	if rec := limitedRequest(h, http.MethodPost, "/api/approvals/x/approve", "k"); rec.Code != http.StatusOK {
		t.Fatalf("first write: %d", rec.Code)
	}
	rec := limitedRequest(h, http.MethodPost, "/api/approvals/y/approve", "k")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second write = %d, want 429", rec.Code)
	}
	// 6/min leaves a 10s wait for the next token.
	if got := rec.Header().Get("Retry-After"); got != "10" {
		t.Fatalf("Retry-After = %q, want 10", got)
	}
	if rec := limitedRequest(h, http.MethodGet, "/api/status", "k"); rec.Code != http.StatusOK {
		t.Fatalf("reads starved by writes: %d", rec.Code)
	}
}

func TestRateLimiter_SkipsHealthzAndDisabled(t *testing.T) {
	rl, _ := newTestLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1})
	h := rl.Wrap(passThrough)
	limitedRequest(h, http.MethodGet, "/api/status", "")
	if rec := limitedRequest(h, http.MethodGet, "/api/status", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("remote-addr bucket not limited: %d", rec.Code)
	}
	if rec := limitedRequest(h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz limited: %d", rec.Code)
	}

	off, _ := newTestLimiter(config.RateLimitConfig{})
	offH := off.Wrap(passThrough)
	for i := 0; i < 20; i++ {
		if rec := limitedRequest(offH, http.MethodPost, "/api/approvals", ""); rec.Code != http.StatusOK {
			t.Fatalf("disabled limiter refused request %d", i)
		}
	}
}

func TestRateLimiter_EvictStale(t *testing.T) {
	rl, clock := newTestLimiter(config.RateLimitConfig{Enabled: true})
	for _, subject := range []string{"a", "b", "c"} {
		rl.Allow(classRead, subject)
	}
	rl.Allow(classWrite, "a")
	if n := rl.bucketCount(); n != 4 {
		t.Fatalf("buckets = %d, want 4", n)
	}

	clock.advance(10 * time.Minute)
	rl.Allow(classRead, "a")
	if n := rl.EvictStale(5 * time.Minute); n != 3 {
		t.Fatalf("evicted %d, want 3", n)
	}
	if n := rl.bucketCount(); n != 1 {
		t.Fatalf("buckets after eviction = %d, want 1", n)
	}
}

func TestSubjectForHidesKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer super-secret-token")
	got := subjectFor(req)
	if got == "" || got == "key:super-secret-token" || len(got) != len("key:")+16 {
		t.Fatalf("subject = %q", got)
	}

	anon := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	anon.RemoteAddr = "10.0.0.7:5555"
	if got := subjectFor(anon); got != "ip:10.0.0.7" {
		t.Fatalf("anonymous subject = %q", got)
	}
}
