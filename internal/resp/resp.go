// Package resp 定义统一的 JSON 响应结构与业务错误码。
package resp

import (
	"encoding/json"
	"net/http"
)

// 业务错误码
const (
	CodeOK                 = 0
	CodeInvalidParam       = 10001
	CodeNotFound           = 10004
	CodeConflict           = 10009
	CodeDuplicateRequest   = 10010
	CodeTimeout            = 10408
	CodeTooManyRequests    = 10429
	CodeInternalError      = 20000
	CodeLedgerUnavailable  = 20001
	CodeConcurrentModified = 20002
	CodeInvariantViolation = 20003
)

// Envelope 统一响应体
type Envelope struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// OK 写入成功响应
func OK(w http.ResponseWriter, data any, requestID, traceID string) {
	write(w, http.StatusOK, Envelope{
		Code:      CodeOK,
		Message:   "ok",
		Data:      data,
		RequestID: requestID,
		TraceID:   traceID,
	})
}

// Error 写入错误响应
func Error(w http.ResponseWriter, status, code int, message, requestID, traceID string) {
	write(w, status, Envelope{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		TraceID:   traceID,
	})
}

// HTTPStatusFromCode 将业务码映射为 HTTP 状态码
func HTTPStatusFromCode(code int) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeConcurrentModified, CodeDuplicateRequest:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	case CodeLedgerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func write(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
