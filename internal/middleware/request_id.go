package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderActorID   = "X-Actor-ID"
)

// RequestID 确保每个请求都有请求 ID：优先沿用请求头 X-Request-ID，为空则生成 UUID，
// 并写入响应头与请求上下文。
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, rid)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), rid)))
	})
}

// ActorID 读取上游网关传入的 X-Actor-ID，认证由网关负责
func ActorID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := strings.TrimSpace(r.Header.Get(HeaderActorID)); actor != "" {
			r = r.WithContext(WithActorID(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}
