package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MorseWayne/tyre_ledger/internal/resp"
)

// Timeout 为请求上下文设置截止时间。台账写操作在截止后由存储层返回 context 错误，
// 处理器据此返回统一的超时响应，而不是由 http.TimeoutHandler 截断已提交的写入结果。
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandleTimeout writes the unified timeout response when err stems from an expired context.
func HandleTimeout(w http.ResponseWriter, r *http.Request, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
		reqID := RequestIDFromContext(r.Context())
		resp.Error(w, resp.HTTPStatusFromCode(resp.CodeTimeout), resp.CodeTimeout, "request timeout", reqID, "")
		return true
	}
	return false
}
