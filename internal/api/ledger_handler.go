// Package api 提供库存台账的HTTP API处理器实现。
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/MorseWayne/tyre_ledger/internal/domain"
	"github.com/MorseWayne/tyre_ledger/internal/middleware"
	"github.com/MorseWayne/tyre_ledger/internal/resp"
	"github.com/MorseWayne/tyre_ledger/internal/service"
)

// LedgerHandler 库存台账相关的HTTP处理器
type LedgerHandler struct {
	ledgerService service.LedgerService
	logger        *zap.Logger
}

// NewLedgerHandler 创建台账处理器实例
func NewLedgerHandler(ledgerService service.LedgerService, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{
		ledgerService: ledgerService,
		logger:        logger,
	}
}

// itemsRequest 携带订单行的请求体
type itemsRequest struct {
	Items []domain.LineItem `json:"items"`
}

// labelResponse 可售标签响应
type labelResponse struct {
	ProductID string `json:"product_id"`
	Label     string `json:"label"`
}

// Register 注册台账路由。写操作经过 guard 包装（限流、幂等）。
func (h *LedgerHandler) Register(mux *http.ServeMux, guard func(http.Handler) http.Handler) {
	if guard == nil {
		guard = func(next http.Handler) http.Handler { return next }
	}

	mux.HandleFunc("POST /api/v1/inventory/availability", h.CheckAvailability)
	mux.HandleFunc("GET /api/v1/products/{id}/availability-label", h.GetAvailabilityLabel)

	mux.Handle("POST /api/v1/orders/{id}/reserve", guard(http.HandlerFunc(h.ReserveStock)))
	mux.Handle("POST /api/v1/orders/{id}/release", guard(http.HandlerFunc(h.ReleaseReservation)))
	mux.Handle("POST /api/v1/orders/{id}/fulfill", guard(http.HandlerFunc(h.FulfillOrder)))
	mux.HandleFunc("GET /api/v1/orders/{id}/reservations", h.GetOrderReservations)

	mux.Handle("POST /api/v1/admin/inventory", guard(http.HandlerFunc(h.CreateInventory)))
	mux.HandleFunc("GET /api/v1/admin/inventory/{id}", h.GetInventory)
	mux.HandleFunc("GET /api/v1/admin/inventory/{id}/movements", h.ListMovements)
	mux.HandleFunc("GET /api/v1/admin/inventory/{id}/audit", h.AuditProduct)
}

// CheckAvailability 批量检查可售数量
// POST /api/v1/inventory/availability
func (h *LedgerHandler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())

	req, ok := h.decodeItems(w, r)
	if !ok {
		return
	}

	results, err := h.ledgerService.CheckAvailability(r.Context(), req.Items)
	if err != nil {
		h.writeError(w, r, "check availability", err)
		return
	}
	resp.OK(w, results, reqID, "")
}

// GetAvailabilityLabel 获取商品可售标签
// GET /api/v1/products/{id}/availability-label
func (h *LedgerHandler) GetAvailabilityLabel(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())
	productID := r.PathValue("id")

	label, err := h.ledgerService.GetAvailabilityLabel(r.Context(), productID)
	if err != nil {
		h.writeError(w, r, "get availability label", err)
		return
	}
	resp.OK(w, labelResponse{ProductID: productID, Label: label}, reqID, "")
}

// ReserveStock 为订单预留库存。部分预留与条目失败属于业务结果，按成功响应返回，
// 同一幂等键会重放该结果。预留不按订单去重，调用方应以新幂等键只重试 outcomes 中失败的条目。
// POST /api/v1/orders/{id}/reserve
func (h *LedgerHandler) ReserveStock(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())

	req, ok := h.decodeItems(w, r)
	if !ok {
		return
	}

	result, err := h.ledgerService.ReserveStock(r.Context(), r.PathValue("id"), req.Items, middleware.ActorIDFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, "reserve stock", err)
		return
	}
	resp.OK(w, result, reqID, "")
}

// ReleaseReservation 释放订单预留
// POST /api/v1/orders/{id}/release
func (h *LedgerHandler) ReleaseReservation(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())

	req, ok := h.decodeItems(w, r)
	if !ok {
		return
	}

	result, err := h.ledgerService.ReleaseReservation(r.Context(), r.PathValue("id"), req.Items, middleware.ActorIDFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, "release reservation", err)
		return
	}
	resp.OK(w, result, reqID, "")
}

// FulfillOrder 订单履约出库
// POST /api/v1/orders/{id}/fulfill
func (h *LedgerHandler) FulfillOrder(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())

	req, ok := h.decodeItems(w, r)
	if !ok {
		return
	}

	result, err := h.ledgerService.FulfillOrder(r.Context(), r.PathValue("id"), req.Items, middleware.ActorIDFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, "fulfill order", err)
		return
	}
	resp.OK(w, result, reqID, "")
}

// GetOrderReservations 查询订单的预留台账
// GET /api/v1/orders/{id}/reservations
func (h *LedgerHandler) GetOrderReservations(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())

	reservations, err := h.ledgerService.GetOrderReservations(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, "get order reservations", err)
		return
	}
	resp.OK(w, reservations, reqID, "")
}

// CreateInventory 库存建档
// POST /api/v1/admin/inventory
func (h *LedgerHandler) CreateInventory(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())

	var req domain.CreateInventoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid request body", zap.String("request_id", reqID), zap.Error(err))
		resp.Error(w, http.StatusBadRequest, resp.CodeInvalidParam, "invalid request body", reqID, "")
		return
	}

	rec, err := h.ledgerService.CreateInventory(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, "create inventory", err)
		return
	}
	resp.OK(w, rec, reqID, "")
}

// GetInventory 获取库存记录
// GET /api/v1/admin/inventory/{id}
func (h *LedgerHandler) GetInventory(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())

	rec, err := h.ledgerService.GetInventory(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, "get inventory", err)
		return
	}
	resp.OK(w, rec, reqID, "")
}

// ListMovements 列出库存流水
// GET /api/v1/admin/inventory/{id}/movements?limit=50
func (h *LedgerHandler) ListMovements(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			resp.Error(w, http.StatusBadRequest, resp.CodeInvalidParam, "invalid limit", reqID, "")
			return
		}
		limit = n
	}

	movements, err := h.ledgerService.ListMovements(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.writeError(w, r, "list movements", err)
		return
	}
	resp.OK(w, movements, reqID, "")
}

// AuditProduct 流水对账
// GET /api/v1/admin/inventory/{id}/audit
func (h *LedgerHandler) AuditProduct(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())

	report, err := h.ledgerService.AuditProduct(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, "audit product", err)
		return
	}
	resp.OK(w, report, reqID, "")
}

func (h *LedgerHandler) decodeItems(w http.ResponseWriter, r *http.Request) (*itemsRequest, bool) {
	var req itemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reqID := middleware.RequestIDFromContext(r.Context())
		h.logger.Warn("invalid request body", zap.String("request_id", reqID), zap.Error(err))
		resp.Error(w, http.StatusBadRequest, resp.CodeInvalidParam, "invalid request body", reqID, "")
		return nil, false
	}
	return &req, true
}

// writeError 将台账错误映射为统一响应
func (h *LedgerHandler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	reqID := middleware.RequestIDFromContext(r.Context())
	if middleware.HandleTimeout(w, r, err) {
		h.logger.Warn(op+" timeout", zap.String("request_id", reqID), zap.Error(err))
		return
	}

	code, message := errorCode(err)
	if code >= resp.CodeInternalError {
		h.logger.Error(op+" failed", zap.String("request_id", reqID), zap.Error(err))
	} else {
		h.logger.Warn(op+" rejected", zap.String("request_id", reqID), zap.Error(err))
	}
	resp.Error(w, resp.HTTPStatusFromCode(code), code, message, reqID, "")
}

func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidOrderID),
		errors.Is(err, domain.ErrInvalidProductID),
		errors.Is(err, domain.ErrEmptyItems):
		return resp.CodeInvalidParam, err.Error()
	case errors.Is(err, domain.ErrInventoryNotFound):
		return resp.CodeNotFound, "inventory not found"
	case errors.Is(err, domain.ErrInventoryExists):
		return resp.CodeConflict, "inventory already exists for this product"
	case errors.Is(err, domain.ErrConcurrentModification):
		return resp.CodeConcurrentModified, "inventory has been modified by another request"
	case errors.Is(err, domain.ErrInvariantViolation):
		return resp.CodeInvariantViolation, "ledger invariant violation"
	case errors.Is(err, domain.ErrLedgerUnavailable):
		return resp.CodeLedgerUnavailable, "ledger unavailable"
	default:
		return resp.CodeInternalError, "internal server error"
	}
}
