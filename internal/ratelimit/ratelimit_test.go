package ratelimit

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter_AllowsWithinBurst(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 3, CleanupInterval: time.Minute}, nil)
	defer l.Stop()

	ip := net.ParseIP("203.0.113.5")
	for i := 0; i < 3; i++ {
		allowed, _ := l.Allow(ip)
		if !allowed {
			t.Fatalf("expected request %d within burst to be allowed", i)
		}
	}

	allowed, retryAfter := l.Allow(ip)
	if allowed {
		t.Error("expected request beyond burst to be denied")
	}
	if retryAfter <= 0 {
		t.Error("expected a positive retry-after when denied")
	}
}

func TestLimiter_TrustedCIDRExempt(t *testing.T) {
	_, trusted, _ := net.ParseCIDR("10.0.0.0/8")
	l := New(Config{RequestsPerSecond: 0.001, Burst: 1, TrustedCIDRs: []*net.IPNet{trusted}}, nil)
	defer l.Stop()

	ip := net.ParseIP("10.1.2.3")
	for i := 0; i < 5; i++ {
		allowed, _ := l.Allow(ip)
		if !allowed {
			t.Fatalf("expected trusted IP request %d to always be allowed", i)
		}
	}
}

func TestLimiter_PerIPIsolation(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1, CleanupInterval: time.Minute}, nil)
	defer l.Stop()

	a := net.ParseIP("203.0.113.10")
	b := net.ParseIP("203.0.113.11")

	if allowed, _ := l.Allow(a); !allowed {
		t.Fatal("first request from a should be allowed")
	}
	if allowed, _ := l.Allow(a); allowed {
		t.Fatal("second immediate request from a should be denied")
	}
	if allowed, _ := l.Allow(b); !allowed {
		t.Fatal("first request from b should be allowed regardless of a's state")
	}
}

func TestLimiter_Middleware(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1, CleanupInterval: time.Minute}, nil)
	defer l.Stop()

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:54321"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second immediate request to be rate limited, got %d", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on a rate-limited response")
	}
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1, CleanupInterval: time.Millisecond}, nil)
	l.Stop()
	l.Stop()
}
