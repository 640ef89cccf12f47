package limiter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MorseWayne/tyre_ledger/internal/middleware"
)

func newTestLimiter(t *testing.T, rate, burst int64, window time.Duration) (*MemoryLimiter, *time.Time) {
	t.Helper()
	l, err := NewMemoryLimiter(&Config{Rate: rate, Window: window, Burst: burst})
	if err != nil {
		t.Fatalf("NewMemoryLimiter() error = %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestMemoryLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	l, now := newTestLimiter(t, 2, 3, time.Second)

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "actor:a")
		if err != nil || !res.Allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, res.Allowed, err)
		}
	}

	res, _ := l.Allow(ctx, "actor:a")
	if res.Allowed {
		t.Fatal("4th request within burst should be rejected")
	}
	if res.RetryAfter != 500*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 500ms", res.RetryAfter)
	}

	// 其他 key 不受影响
	if res, _ := l.Allow(ctx, "actor:b"); !res.Allowed {
		t.Error("independent key rejected")
	}

	*now = now.Add(500 * time.Millisecond)
	if res, _ := l.Allow(ctx, "actor:a"); !res.Allowed {
		t.Error("request after refill rejected")
	}

	if err := l.Reset(ctx, "actor:a"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if res, _ := l.Allow(ctx, "actor:a"); !res.Allowed || res.Remaining != 2 {
		t.Errorf("after reset: %+v", res)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{Rate: 10, Window: time.Second, Burst: 20}, true},
		{"zero rate", Config{Window: time.Second, Burst: 1}, false},
		{"tiny window", Config{Rate: 1, Window: time.Microsecond, Burst: 1}, false},
		{"zero burst", Config{Rate: 1, Window: time.Second}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() error = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestParseScriptResult(t *testing.T) {
	res, err := parseScriptResult([]interface{}{int64(0), int64(0), int64(250)})
	if err != nil {
		t.Fatalf("parseScriptResult() error = %v", err)
	}
	if res.Allowed || res.RetryAfter != 250*time.Millisecond {
		t.Errorf("result = %+v", res)
	}

	if _, err := parseScriptResult([]interface{}{int64(1)}); err == nil {
		t.Error("expected error for short result")
	}
	if _, err := parseScriptResult([]interface{}{"1", int64(0), int64(0)}); err == nil {
		t.Error("expected error for non-integer element")
	}
}

type failingLimiter struct{ *MemoryLimiter }

func (failingLimiter) Allow(context.Context, string) (*LimitResult, error) {
	return nil, errors.New("redis down")
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 1, time.Minute)
	h := middleware.ActorID(Middleware(l, nil, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	send := func(actor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/o-1/reserve", nil)
		req.Header.Set(middleware.HeaderActorID, actor)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	if w := send("ops-1"); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	w := send("ops-1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", w.Header().Get("Retry-After"))
	}
	if w := send("ops-2"); w.Code != http.StatusOK {
		t.Errorf("other actor status = %d", w.Code)
	}

	// 限流器故障时放行
	open := Middleware(failingLimiter{}, nil, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("fail-open status = %d", rec.Code)
	}
}

func TestActorOrIPKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	if got := ActorOrIPKey(req); got != "ip:10.1.2.3" {
		t.Errorf("ActorOrIPKey() = %q", got)
	}
	req = req.WithContext(middleware.WithActorID(req.Context(), "ops-9"))
	if got := ActorOrIPKey(req); got != "actor:ops-9" {
		t.Errorf("ActorOrIPKey() = %q", got)
	}
}
