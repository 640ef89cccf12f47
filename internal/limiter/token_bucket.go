package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucketLimiter 基于 Redis Lua 脚本的令牌桶，检查与扣减在服务端原子完成
type TokenBucketLimiter struct {
	client    redis.Scripter
	config    *Config
	keyPrefix string
}

// NewTokenBucketLimiter 创建令牌桶限流器
func NewTokenBucketLimiter(client redis.Scripter, config *Config) (*TokenBucketLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "limiter:tb"
	}

	return &TokenBucketLimiter{
		client:    client,
		config:    config,
		keyPrefix: prefix,
	}, nil
}

// 时间单位均为毫秒
var tokenBucketScript = redis.NewScript(`
-- KEYS[1]: 令牌桶key
-- ARGV[1]: 容量(burst)
-- ARGV[2]: 每个窗口补充的令牌数(rate)
-- ARGV[3]: 窗口(ms)
-- ARGV[4]: 请求令牌数
-- ARGV[5]: 当前时间(ms)

local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1]) or capacity
local last_refill = tonumber(bucket[2]) or now

-- 只推进已兑现为整数令牌的时间，余下的时间留给下次补充
local elapsed = math.max(0, now - last_refill)
local refill = math.floor(elapsed * rate / window)
if refill > 0 then
    tokens = math.min(capacity, tokens + refill)
    last_refill = last_refill + math.floor(refill * window / rate)
end
if tokens >= capacity then
    last_refill = now
end

local allowed = 0
local retry_after = 0
if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
else
    retry_after = math.ceil((requested - tokens) * window / rate) - (now - last_refill)
    if retry_after < 0 then
        retry_after = 0
    end
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill', last_refill)
redis.call('PEXPIRE', key, window * 2)

return {allowed, tokens, retry_after}
`)

func (tb *TokenBucketLimiter) getKey(key string) string {
	return fmt.Sprintf("%s:%s", tb.keyPrefix, key)
}

// Allow 检查是否允许请求通过
func (tb *TokenBucketLimiter) Allow(ctx context.Context, key string) (*LimitResult, error) {
	return tb.AllowN(ctx, key, 1)
}

// AllowN 检查是否允许N个请求通过
func (tb *TokenBucketLimiter) AllowN(ctx context.Context, key string, n int64) (*LimitResult, error) {
	val, err := tokenBucketScript.Run(ctx, tb.client,
		[]string{tb.getKey(key)},
		tb.config.Burst,
		tb.config.Rate,
		tb.config.Window.Milliseconds(),
		n,
		time.Now().UnixMilli(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to execute token bucket script: %w", err)
	}
	return parseScriptResult(val)
}

// parseScriptResult 解析 {allowed, remaining, retry_after_ms}
func parseScriptResult(val interface{}) (*LimitResult, error) {
	values, ok := val.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("unexpected script result format: %v", val)
	}

	nums := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script result element %d: %T", i, v)
		}
		nums[i] = n
	}

	return &LimitResult{
		Allowed:    nums[0] == 1,
		Remaining:  nums[1],
		RetryAfter: time.Duration(nums[2]) * time.Millisecond,
	}, nil
}

// Reset 重置令牌桶
func (tb *TokenBucketLimiter) Reset(ctx context.Context, key string) error {
	client, ok := tb.client.(redis.Cmdable)
	if !ok {
		return fmt.Errorf("redis client does not support DEL")
	}
	if err := client.Del(ctx, tb.getKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to reset token bucket: %w", err)
	}
	return nil
}
