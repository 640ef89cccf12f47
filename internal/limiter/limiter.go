// Package limiter 为台账写接口提供令牌桶限流：Redis 实现供多实例共享，内存实现用于单机与测试。
package limiter

import (
	"context"
	"errors"
	"time"
)

// LimitResult 限流结果
type LimitResult struct {
	Allowed    bool          `json:"allowed"`     // 是否允许通过
	Remaining  int64         `json:"remaining"`   // 剩余令牌
	RetryAfter time.Duration `json:"retry_after"` // 建议重试时间
}

// Limiter 限流器接口
type Limiter interface {
	// Allow 检查是否允许一个请求通过
	Allow(ctx context.Context, key string) (*LimitResult, error)

	// AllowN 检查是否允许N个请求通过
	AllowN(ctx context.Context, key string, n int64) (*LimitResult, error)

	// Reset 重置限流状态
	Reset(ctx context.Context, key string) error
}

// Config 限流配置：每个 Window 补充 Rate 个令牌，桶容量为 Burst
type Config struct {
	Rate      int64         `json:"rate"`
	Window    time.Duration `json:"window"`
	Burst     int64         `json:"burst"`
	KeyPrefix string        `json:"key_prefix"`
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Rate <= 0 {
		return errors.New("limiter rate must be positive")
	}
	if c.Window < time.Millisecond {
		return errors.New("limiter window must be at least 1ms")
	}
	if c.Burst <= 0 {
		return errors.New("limiter burst must be positive")
	}
	return nil
}
