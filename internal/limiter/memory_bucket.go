package limiter

import (
	"context"
	"math"
	"sync"
	"time"
)

// MemoryLimiter 进程内令牌桶，语义与 TokenBucketLimiter 一致，不跨实例共享
type MemoryLimiter struct {
	config *Config
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewMemoryLimiter 创建进程内令牌桶
func NewMemoryLimiter(config *Config) (*MemoryLimiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &MemoryLimiter{
		config:  config,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}, nil
}

// Allow 检查是否允许请求通过
func (m *MemoryLimiter) Allow(ctx context.Context, key string) (*LimitResult, error) {
	return m.AllowN(ctx, key, 1)
}

// AllowN 检查是否允许N个请求通过
func (m *MemoryLimiter) AllowN(_ context.Context, key string, n int64) (*LimitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	capacity := float64(m.config.Burst)
	perToken := m.config.Window / time.Duration(m.config.Rate)

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, lastRefill: now}
		m.buckets[key] = b
	}

	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+float64(elapsed)/float64(perToken))
		b.lastRefill = now
	}

	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return &LimitResult{Allowed: true, Remaining: int64(b.tokens)}, nil
	}

	missing := float64(n) - b.tokens
	return &LimitResult{
		Allowed:    false,
		Remaining:  int64(b.tokens),
		RetryAfter: time.Duration(math.Ceil(missing * float64(perToken))),
	}, nil
}

// Reset 重置限流状态
func (m *MemoryLimiter) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.buckets, key)
	m.mu.Unlock()
	return nil
}
