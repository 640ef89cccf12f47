package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/MorseWayne/tyre_ledger/internal/cache"
	"github.com/MorseWayne/tyre_ledger/internal/domain"
	"github.com/MorseWayne/tyre_ledger/internal/middleware"
	"github.com/MorseWayne/tyre_ledger/internal/resp"
	"github.com/MorseWayne/tyre_ledger/internal/service"
)

// stubLedger 按需返回预置结果的台账服务
type stubLedger struct {
	service.LedgerService

	err         error
	lastOrderID string
	lastActor   *string
	lastLimit   int
	reserveHits int
	lastItems   []domain.LineItem
	unavailable map[string]bool // 这些商品的预留条目返回存储不可用
}

func (s *stubLedger) CheckAvailability(_ context.Context, items []domain.LineItem) ([]domain.AvailabilityResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]domain.AvailabilityResult, 0, len(items))
	for _, it := range items {
		out = append(out, domain.AvailabilityResult{ProductID: it.ProductID, RequestedQty: it.Quantity, AvailableQty: 3, IsAvailable: it.Quantity <= 3})
	}
	return out, nil
}

func (s *stubLedger) ReserveStock(_ context.Context, orderID string, items []domain.LineItem, actorID *string) (*domain.ReservationResult, error) {
	s.reserveHits++
	s.lastOrderID, s.lastActor = orderID, actorID
	s.lastItems = items
	if s.err != nil {
		return nil, s.err
	}
	result := &domain.ReservationResult{OrderID: orderID, Success: true, ReservedItems: []domain.ReservedItem{}}
	for _, it := range items {
		if s.unavailable[it.ProductID] {
			result.Success = false
			result.NeedsStockConfirmation = true
			result.Outcomes = append(result.Outcomes, domain.NewFailedOutcome(it, domain.ErrLedgerUnavailable))
			continue
		}
		result.ReservedItems = append(result.ReservedItems, domain.ReservedItem{ProductID: it.ProductID, ReservedQty: it.Quantity})
		result.Outcomes = append(result.Outcomes, domain.ItemOutcome{ProductID: it.ProductID, Requested: it.Quantity, Applied: it.Quantity, Status: domain.OutcomeApplied})
	}
	return result, nil
}

func (s *stubLedger) GetAvailabilityLabel(_ context.Context, productID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return domain.LabelInStock, nil
}

func (s *stubLedger) GetInventory(_ context.Context, productID string) (*domain.InventoryRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.InventoryRecord{ProductID: productID, QtyOnHand: 8, QtyReserved: 2}, nil
}

func (s *stubLedger) ListMovements(_ context.Context, productID string, limit int) ([]*domain.MovementRecord, error) {
	s.lastLimit = limit
	return []*domain.MovementRecord{}, s.err
}

func newTestServer(ledger service.LedgerService) http.Handler {
	mux := http.NewServeMux()
	idem := middleware.Idempotency(cache.NewMemoryCache(), nil, zap.NewNop())
	NewLedgerHandler(ledger, zap.NewNop()).Register(mux, idem)
	return middleware.Chain(mux, middleware.RequestID, middleware.ActorID)
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, resp.Envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var env resp.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope %q: %v", w.Body.String(), err)
	}
	return w, env
}

func TestLedgerHandler_ReserveStock(t *testing.T) {
	ledger := &stubLedger{}
	h := newTestServer(ledger)

	headers := map[string]string{middleware.HeaderActorID: "ops-1", middleware.HeaderIdempotencyKey: "order-7-reserve"}
	body := `{"items":[{"product_id":"tyre-225-45-17","quantity":2}]}`

	w, env := doRequest(t, h, http.MethodPost, "/api/v1/orders/order-7/reserve", body, headers)
	if w.Code != http.StatusOK || env.Code != resp.CodeOK {
		t.Fatalf("status = %d, code = %d", w.Code, env.Code)
	}
	if ledger.lastOrderID != "order-7" || ledger.lastActor == nil || *ledger.lastActor != "ops-1" {
		t.Errorf("order = %q, actor = %v", ledger.lastOrderID, ledger.lastActor)
	}

	// 相同幂等键的重试不会再次预留
	doRequest(t, h, http.MethodPost, "/api/v1/orders/order-7/reserve", body, headers)
	if ledger.reserveHits != 1 {
		t.Errorf("reserve called %d times, want 1", ledger.reserveHits)
	}
}

func TestLedgerHandler_ReserveStock_PartialFailureRetry(t *testing.T) {
	ledger := &stubLedger{unavailable: map[string]bool{"tyre-b": true}}
	h := newTestServer(ledger)
	body := `{"items":[{"product_id":"tyre-a","quantity":1},{"product_id":"tyre-b","quantity":2}]}`

	first, _ := doRequest(t, h, http.MethodPost, "/api/v1/orders/order-9/reserve", body,
		map[string]string{middleware.HeaderIdempotencyKey: "order-9-reserve"})
	if first.Code != http.StatusOK || !strings.Contains(first.Body.String(), `"status":"failed"`) {
		t.Fatalf("status = %d, body = %s", first.Code, first.Body.String())
	}

	// 同一幂等键重放首次结果，条目结果中列出失败的商品
	replayed, _ := doRequest(t, h, http.MethodPost, "/api/v1/orders/order-9/reserve", body,
		map[string]string{middleware.HeaderIdempotencyKey: "order-9-reserve"})
	if ledger.reserveHits != 1 || replayed.Body.String() != first.Body.String() {
		t.Fatalf("reserve called %d times, replay = %s", ledger.reserveHits, replayed.Body.String())
	}

	// 调用方以新幂等键只重试失败条目，已预留的 tyre-a 不会被再次预留
	delete(ledger.unavailable, "tyre-b")
	w, env := doRequest(t, h, http.MethodPost, "/api/v1/orders/order-9/reserve",
		`{"items":[{"product_id":"tyre-b","quantity":2}]}`,
		map[string]string{middleware.HeaderIdempotencyKey: "order-9-reserve-retry-1"})
	if w.Code != http.StatusOK || env.Code != resp.CodeOK || ledger.reserveHits != 2 {
		t.Fatalf("status = %d, code = %d, hits = %d", w.Code, env.Code, ledger.reserveHits)
	}
	if len(ledger.lastItems) != 1 || ledger.lastItems[0].ProductID != "tyre-b" {
		t.Errorf("retried items = %v", ledger.lastItems)
	}
}

func TestLedgerHandler_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   int
	}{
		{"bad body", nil, http.MethodPost, "/api/v1/orders/o-1/reserve", "{", http.StatusBadRequest, resp.CodeInvalidParam},
		{"invalid quantity", domain.ErrInvalidQuantity, http.MethodPost, "/api/v1/orders/o-1/reserve", `{"items":[{"product_id":"a","quantity":0}]}`, http.StatusBadRequest, resp.CodeInvalidParam},
		{"not found", domain.ErrInventoryNotFound, http.MethodGet, "/api/v1/admin/inventory/tyre-x", "", http.StatusNotFound, resp.CodeNotFound},
		{"store down", fmt.Errorf("get: %w", domain.ErrLedgerUnavailable), http.MethodPost, "/api/v1/inventory/availability", `{"items":[{"product_id":"a","quantity":1}]}`, http.StatusServiceUnavailable, resp.CodeLedgerUnavailable},
		{"conflict", domain.ErrConcurrentModification, http.MethodPost, "/api/v1/orders/o-1/reserve", `{"items":[{"product_id":"a","quantity":1}]}`, http.StatusConflict, resp.CodeConcurrentModified},
		{"deadline", context.DeadlineExceeded, http.MethodGet, "/api/v1/products/a/availability-label", "", http.StatusGatewayTimeout, resp.CodeTimeout},
		{"unknown", fmt.Errorf("boom"), http.MethodGet, "/api/v1/admin/inventory/tyre-x", "", http.StatusInternalServerError, resp.CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&stubLedger{err: tt.err})
			w, env := doRequest(t, h, tt.method, tt.path, tt.body, nil)
			if w.Code != tt.wantStatus || env.Code != tt.wantCode {
				t.Errorf("status = %d code = %d, want %d %d", w.Code, env.Code, tt.wantStatus, tt.wantCode)
			}
			if env.RequestID == "" {
				t.Error("request_id missing from envelope")
			}
		})
	}
}

func TestLedgerHandler_ListMovements(t *testing.T) {
	ledger := &stubLedger{}
	h := newTestServer(ledger)

	w, _ := doRequest(t, h, http.MethodGet, "/api/v1/admin/inventory/tyre-a/movements?limit=20", "", nil)
	if w.Code != http.StatusOK || ledger.lastLimit != 20 {
		t.Errorf("status = %d, limit = %d", w.Code, ledger.lastLimit)
	}

	w, env := doRequest(t, h, http.MethodGet, "/api/v1/admin/inventory/tyre-a/movements?limit=abc", "", nil)
	if w.Code != http.StatusBadRequest || env.Code != resp.CodeInvalidParam {
		t.Errorf("status = %d, code = %d", w.Code, env.Code)
	}
}

func TestLedgerHandler_CheckAvailability(t *testing.T) {
	h := newTestServer(&stubLedger{})

	w, env := doRequest(t, h, http.MethodPost, "/api/v1/inventory/availability",
		`{"items":[{"product_id":"a","quantity":2},{"product_id":"b","quantity":5}]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	data, _ := json.Marshal(env.Data)
	var results []domain.AvailabilityResult
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if len(results) != 2 || !results[0].IsAvailable || results[1].IsAvailable {
		t.Errorf("results = %+v", results)
	}
}
