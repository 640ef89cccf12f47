package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MorseWayne/tyre_ledger/internal/api"
	"github.com/MorseWayne/tyre_ledger/internal/cache"
	"github.com/MorseWayne/tyre_ledger/internal/config"
	"github.com/MorseWayne/tyre_ledger/internal/domain"
	"github.com/MorseWayne/tyre_ledger/internal/service"
)

type labelOnlyLedger struct {
	service.LedgerService
}

func (labelOnlyLedger) GetAvailabilityLabel(context.Context, string) (string, error) {
	return domain.LabelInStock, nil
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Version: "test", RequestTimeout: time.Second},
		CORS: config.CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type"},
		},
	}
}

func TestSetupRoutes(t *testing.T) {
	cfg := testConfig()
	deps := &AppDependencies{
		LedgerHandler: api.NewLedgerHandler(labelOnlyLedger{}, zap.NewNop()),
		Cache:         cache.NewMemoryCache(),
	}
	handler := setupRoutes(cfg, deps, zap.NewNop())

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"label", http.MethodGet, "/api/v1/products/tyre-a/availability-label", http.StatusOK},
		{"wrong method", http.MethodDelete, "/api/v1/products/tyre-a/availability-label", http.StatusMethodNotAllowed},
		{"unknown route", http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rw := httptest.NewRecorder()
			handler.ServeHTTP(rw, httptest.NewRequest(tt.method, tt.path, nil))
			if rw.Code != tt.want {
				t.Fatalf("status = %d, want %d", rw.Code, tt.want)
			}
			if rw.Header().Get("X-Request-ID") == "" {
				t.Error("missing X-Request-ID header")
			}
		})
	}
}

func TestHealthz_OK(t *testing.T) {
	deps := &AppDependencies{
		LedgerHandler: api.NewLedgerHandler(labelOnlyLedger{}, zap.NewNop()),
		Cache:         cache.NewNullCache(),
	}
	cfg := testConfig()
	handler := setupRoutes(cfg, deps, zap.NewNop())

	rw := httptest.NewRecorder()
	handler.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body struct {
		Code int               `json:"code"`
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body.Code != 0 || body.Data["status"] != "ok" || body.Data["version"] != "test" {
		t.Fatalf("unexpected body: %+v", body)
	}
}
