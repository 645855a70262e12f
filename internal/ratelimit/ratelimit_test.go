package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("client") {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}
	if l.Allow("client") {
		t.Error("request beyond burst should be rejected")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := New(Config{RequestsPerMinute: 6000, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	if !l.Allow("client") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("client") {
		t.Fatal("second immediate request should be rejected")
	}

	// 100 tokens per second refill; 50ms is plenty for one token.
	time.Sleep(50 * time.Millisecond)
	if !l.Allow("client") {
		t.Error("request after refill should be allowed")
	}
}

func TestClientsAreIndependent(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	if !l.Allow("a") {
		t.Fatal("client a should be allowed")
	}
	if !l.Allow("b") {
		t.Error("client b should not share client a's bucket")
	}
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	gin.SetMode(gin.TestMode)

	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first request: got %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second request: got %d, want 429", w.Code)
	}
}
