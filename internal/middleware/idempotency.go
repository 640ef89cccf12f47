package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MorseWayne/tyre_ledger/internal/cache"
	"github.com/MorseWayne/tyre_ledger/internal/resp"
)

const HeaderIdempotencyKey = "X-Idempotency-Key"

// HeaderIdempotentReplayed 标记响应来自幂等缓存
const HeaderIdempotentReplayed = "X-Idempotent-Replayed"

// IdempotencyConfig 幂等性中间件配置
type IdempotencyConfig struct {
	// 幂等键头名称
	KeyHeader string

	// 不做幂等处理的方法
	SkipMethods []string

	// 响应缓存TTL
	CacheTTL time.Duration

	// 处理中标记的TTL，处理器异常退出时锁会自动过期
	LockTTL time.Duration
}

// DefaultIdempotencyConfig 默认幂等性配置
func DefaultIdempotencyConfig() *IdempotencyConfig {
	return &IdempotencyConfig{
		KeyHeader:   HeaderIdempotencyKey,
		SkipMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		CacheTTL:    24 * time.Hour,
		LockTTL:     30 * time.Second,
	}
}

// storedResponse 缓存的响应
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Idempotency 对携带幂等键的写请求去重：首次请求的响应按 方法+路径+幂等键 缓存，
// 重复请求直接回放；同一键的请求仍在处理中时返回重复请求错误。
// 未携带幂等键的请求直接放行。缓存不可用时降级为放行。
func Idempotency(c cache.Cache, cfg *IdempotencyConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	if cfg == nil {
		cfg = DefaultIdempotencyConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(cfg.KeyHeader))
			if key == "" || skipMethod(cfg.SkipMethods, r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)
			respKey := fmt.Sprintf("idem:http:%s:%s:%s", r.Method, r.URL.Path, key)
			lockKey := respKey + ":lock"

			if stored, err := loadResponse(ctx, c, respKey); err != nil {
				logger.Warn("幂等缓存读取失败，降级放行", zap.String("key", respKey), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			} else if stored != nil {
				replay(w, stored)
				return
			}

			acquired, err := c.SetNX(ctx, lockKey, "processing", cfg.LockTTL)
			if err != nil {
				logger.Warn("幂等锁获取失败，降级放行", zap.String("key", lockKey), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !acquired {
				resp.Error(w, http.StatusConflict, resp.CodeDuplicateRequest, "request with this idempotency key is in progress", reqID, "")
				return
			}

			// 请求上下文可能已超时，清理与写缓存不受其影响
			bg := context.WithoutCancel(ctx)
			defer func() {
				if err := c.Del(bg, lockKey); err != nil {
					logger.Warn("幂等锁释放失败", zap.String("key", lockKey), zap.Error(err))
				}
			}()

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < http.StatusInternalServerError {
				stored := storedResponse{Status: rec.status, ContentType: rec.Header().Get("Content-Type"), Body: rec.body.Bytes()}
				if err := c.Set(bg, respKey, stored, cfg.CacheTTL); err != nil {
					logger.Warn("幂等响应缓存失败", zap.String("key", respKey), zap.Error(err))
				}
			}
		})
	}
}

func skipMethod(methods []string, method string) bool {
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

func loadResponse(ctx context.Context, c cache.Cache, key string) (*storedResponse, error) {
	var stored storedResponse
	if err := c.Get(ctx, key, &stored); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	return &stored, nil
}

func replay(w http.ResponseWriter, stored *storedResponse) {
	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	w.Header().Set(HeaderIdempotentReplayed, "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Body)
}

// recordingWriter 透传响应的同时记录状态码与响应体
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
