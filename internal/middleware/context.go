// Package middleware 提供 HTTP 中间件：请求 ID、操作人、恢复、超时、CORS、访问日志与幂等。
package middleware

import (
	"context"
)

// contextKey 用于在上下文中存取特定键，避免与外部键冲突。
type contextKey string

// 约定的上下文键集合。
const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyActorID   contextKey = "actor_id"
)

// withRequestID 将请求 ID 写入上下文。
func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, id)
}

// RequestIDFromContext 从上下文中读取请求 ID（可能为空）。
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// WithActorID 将操作人 ID 写入上下文。
func WithActorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKeyActorID, id)
}

// ActorIDFromContext 读取操作人 ID，未设置时返回 nil，流水中记为空。
func ActorIDFromContext(ctx context.Context) *string {
	if v, ok := ctx.Value(contextKeyActorID).(string); ok && v != "" {
		return &v
	}
	return nil
}
