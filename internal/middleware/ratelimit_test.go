package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllowsBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if _, _, allowed := rl.take("1.2.3.4"); !allowed {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	if _, retryAfter, allowed := rl.take("1.2.3.4"); allowed {
		t.Fatal("request beyond burst allowed")
	} else if retryAfter <= 0 {
		t.Errorf("expected positive retry-after, got %v", retryAfter)
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(10, 1)

	if _, _, allowed := rl.take("1.2.3.4"); !allowed {
		t.Fatal("first request denied")
	}
	if _, _, allowed := rl.take("1.2.3.4"); allowed {
		t.Fatal("bucket should be empty")
	}

	// 10 tokens/s: one token back within ~100ms.
	b := rl.clients["1.2.3.4"]
	b.refilled = b.refilled.Add(-200 * time.Millisecond)
	if _, _, allowed := rl.take("1.2.3.4"); !allowed {
		t.Fatal("expected refill to restore a token")
	}
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	if _, _, allowed := rl.take("1.1.1.1"); !allowed {
		t.Fatal("first client denied")
	}
	if _, _, allowed := rl.take("2.2.2.2"); !allowed {
		t.Fatal("second client must have its own bucket")
	}
	if rl.Len() != 2 {
		t.Errorf("expected 2 tracked clients, got %d", rl.Len())
	}
}

func TestRateLimiterHandler(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on denial")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.take("1.1.1.1")
	rl.take("2.2.2.2")

	rl.mu.Lock()
	rl.clients["1.1.1.1"].lastSeen = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	rl.cleanup(10 * time.Minute)
	if rl.Len() != 1 {
		t.Errorf("expected idle client dropped, got %d tracked", rl.Len())
	}
}

func TestClientKeyStripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:55123"
	if got := clientKey(req); got != "10.0.0.7" {
		t.Errorf("clientKey = %q, want 10.0.0.7", got)
	}
}
