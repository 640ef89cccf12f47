package limiter

import (
	"math"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/MorseWayne/tyre_ledger/internal/middleware"
	"github.com/MorseWayne/tyre_ledger/internal/resp"
)

// KeyFunc 生成限流维度的 key
type KeyFunc func(r *http.Request) string

// ActorOrIPKey 按操作人限流，未携带操作人时退化为客户端 IP
func ActorOrIPKey(r *http.Request) string {
	if actor := middleware.ActorIDFromContext(r.Context()); actor != nil {
		return "actor:" + *actor
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware 限流中间件。限流器出错时放行。
func Middleware(l Limiter, keyFn KeyFunc, logger *zap.Logger) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ActorOrIPKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			result, err := l.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("限流检查失败，降级放行", zap.String("key", key), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
			if !result.Allowed {
				seconds := int64(math.Ceil(result.RetryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
				logger.Info("请求被限流", zap.String("key", key), zap.String("path", r.URL.Path))
				resp.Error(w, http.StatusTooManyRequests, resp.CodeTooManyRequests, "too many requests",
					middleware.RequestIDFromContext(r.Context()), "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
