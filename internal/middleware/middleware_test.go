package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MorseWayne/tyre_ledger/internal/cache"
	"github.com/MorseWayne/tyre_ledger/internal/config"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if seen != "req-1" || w.Header().Get(HeaderRequestID) != "req-1" {
		t.Errorf("request id = %q, header = %q", seen, w.Header().Get(HeaderRequestID))
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "req-1" {
		t.Errorf("expected generated request id, got %q", seen)
	}
}

func TestActorID(t *testing.T) {
	var actor *string
	h := ActorID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor = ActorIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(HeaderActorID, " admin-7 ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if actor == nil || *actor != "admin-7" {
		t.Errorf("actor = %v, want admin-7", actor)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	if actor != nil {
		t.Errorf("actor = %q, want nil", *actor)
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), "internal server error") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestTimeout(t *testing.T) {
	h := Timeout(time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		if !HandleTimeout(w, r, r.Context().Err()) {
			t.Error("HandleTimeout() = false after deadline")
		}
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if HandleTimeout(httptest.NewRecorder(), req, context.Canceled) {
		t.Error("HandleTimeout() = true for canceled context")
	}
}

func TestCORS(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://shop.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}
	called := false
	h := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/availability", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || called {
		t.Errorf("preflight status = %d, handler called = %v", w.Code, called)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://shop.example.com" {
		t.Errorf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("allow origin for unknown origin = %q", got)
	}
}

func TestIdempotency(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(cache.NewMemoryCache(), nil, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"call":` + string(rune('0'+n)) + `}`))
	}))

	send := func(method, path, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if key != "" {
			req.Header.Set(HeaderIdempotencyKey, key)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	first := send(http.MethodPost, "/api/v1/reservations", "k-1")
	second := send(http.MethodPost, "/api/v1/reservations", "k-1")
	if calls.Load() != 1 {
		t.Fatalf("handler calls = %d, want 1", calls.Load())
	}
	if second.Body.String() != first.Body.String() || second.Header().Get(HeaderIdempotentReplayed) != "true" {
		t.Errorf("replayed body = %s, header = %q", second.Body.String(), second.Header().Get(HeaderIdempotentReplayed))
	}

	// 不同路径、无幂等键与 GET 请求都不回放
	send(http.MethodPost, "/api/v1/fulfillments", "k-1")
	send(http.MethodPost, "/api/v1/reservations", "")
	send(http.MethodGet, "/api/v1/reservations", "k-1")
	send(http.MethodGet, "/api/v1/reservations", "k-1")
	if calls.Load() != 5 {
		t.Errorf("handler calls = %d, want 5", calls.Load())
	}
}

func TestIdempotency_InProgress(t *testing.T) {
	c := cache.NewMemoryCache()
	started := make(chan struct{})
	release := make(chan struct{})
	h := Idempotency(c, nil, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/releases", nil)
		req.Header.Set(HeaderIdempotencyKey, "k-2")
		return req
	}

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(httptest.NewRecorder(), newReq())
		close(done)
	}()
	<-started

	w := httptest.NewRecorder()
	h.ServeHTTP(w, newReq())
	if w.Code != http.StatusConflict || !strings.Contains(w.Body.String(), "10010") {
		t.Errorf("concurrent duplicate: status = %d, body = %s", w.Code, w.Body.String())
	}

	close(release)
	<-done
}

func TestIdempotency_ServerErrorNotCached(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(cache.NewMemoryCache(), nil, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/fulfillments", nil)
		req.Header.Set(HeaderIdempotencyKey, "k-3")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2 (5xx responses are retried)", calls.Load())
	}
}

func TestIdempotency_PanicReleasesLock(t *testing.T) {
	c := cache.NewMemoryCache()
	var calls atomic.Int32
	h := Recovery(zap.NewNop())(Idempotency(c, nil, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		w.WriteHeader(http.StatusOK)
	})))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/reservations", nil)
		req.Header.Set(HeaderIdempotencyKey, "k-panic")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	if w := send(); w.Code != http.StatusInternalServerError {
		t.Fatalf("panicking request: status = %d, want 500", w.Code)
	}
	if ok, _ := c.Exists(context.Background(), "idem:http:POST:/api/v1/reservations:k-panic:lock"); ok {
		t.Error("lock still held after handler panic")
	}
	if w := send(); w.Code != http.StatusOK {
		t.Errorf("retry after panic: status = %d, want 200", w.Code)
	}
	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", calls.Load())
	}
}

func TestChain(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "h") }), mw("a"), mw("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if strings.Join(order, ",") != "a,b,h" {
		t.Errorf("order = %v", order)
	}
}
