// Package config 负责从 .env 文件与环境变量加载应用配置，并做基础校验。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 聚合应用的全部配置项
type Config struct {
	App         AppConfig
	Log         LogConfig
	Database    DatabaseConfig
	Migrations  MigrationsConfig
	Cache       CacheConfig
	Redis       RedisConfig
	CORS        CORSConfig
	Ledger      LedgerConfig
	RabbitMQ    RabbitMQConfig
	Kafka       KafkaConfig
	Idempotency IdempotencyConfig
	RateLimit   RateLimitConfig
}

// AppConfig 应用基础配置
type AppConfig struct {
	Name            string
	Env             string // dev, test, prod
	Version         string
	Port            int
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// LogConfig 日志配置
type LogConfig struct {
	Level    string // debug, info, warn, error
	Encoding string // json, console
}

// DatabaseConfig MySQL 连接配置
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	MaxOpenConns int
	MaxIdleConns int
}

// MigrationsConfig 数据库迁移配置
type MigrationsConfig struct {
	Dir string
}

// CacheConfig 缓存配置
type CacheConfig struct {
	Enabled bool
	Type    string // redis, memory
	TTL     time.Duration
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CORSConfig 跨域配置
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// LedgerConfig 库存台账行为配置
type LedgerConfig struct {
	MaxCASRetries         int           // 乐观锁冲突时的最大重试次数
	CASRetryBackoff       time.Duration // 冲突重试的基础退避时间
	MovementRetryAttempts int           // 流水写入失败后的同步重试次数
	MovementRetryInterval time.Duration
	MovementSpoolSize     int // 内存补偿队列容量
}

// RabbitMQConfig 流水补偿队列（RabbitMQ）配置
type RabbitMQConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	VHost    string
	Queue    string
}

// KafkaConfig 订单事件消费配置
type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
}

// IdempotencyConfig 幂等键配置
type IdempotencyConfig struct {
	TTL time.Duration
}

// RateLimitConfig 台账写接口限流配置：每个 Window 补充 Rate 个令牌，桶容量 Burst
type RateLimitConfig struct {
	Enabled bool
	Rate    int
	Window  time.Duration
	Burst   int
}

// Load 加载配置：先读取可选的 .env 文件，再以环境变量覆盖默认值
func Load() (*Config, error) {
	// .env 文件不存在时忽略
	_ = godotenv.Load()

	cfg := &Config{
		App: AppConfig{
			Name:            getEnv("APP_NAME", "tyre-ledger"),
			Env:             getEnv("APP_ENV", "dev"),
			Version:         getEnv("APP_VERSION", "0.1.0"),
			Port:            getEnvInt("APP_PORT", 8080),
			RequestTimeout:  getEnvDuration("APP_REQUEST_TIMEOUT", 5*time.Second),
			ShutdownTimeout: getEnvDuration("APP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Encoding: getEnv("LOG_ENCODING", "json"),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "127.0.0.1"),
			Port:         getEnvInt("DB_PORT", 3306),
			User:         getEnv("DB_USER", "root"),
			Password:     getEnv("DB_PASSWORD", ""),
			DBName:       getEnv("DB_NAME", "tyre_ledger"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 10),
		},
		Migrations: MigrationsConfig{
			Dir: getEnv("MIGRATIONS_DIR", "migrations"),
		},
		Cache: CacheConfig{
			Enabled: getEnvBool("CACHE_ENABLED", true),
			Type:    getEnv("CACHE_TYPE", "redis"),
			TTL:     getEnvDuration("CACHE_TTL", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "127.0.0.1"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders: getEnvList("CORS_ALLOWED_HEADERS", []string{"Content-Type", "X-Request-ID", "X-Actor-ID", "X-Idempotency-Key"}),
		},
		Ledger: LedgerConfig{
			MaxCASRetries:         getEnvInt("LEDGER_MAX_CAS_RETRIES", 5),
			CASRetryBackoff:       getEnvDuration("LEDGER_CAS_RETRY_BACKOFF", 10*time.Millisecond),
			MovementRetryAttempts: getEnvInt("LEDGER_MOVEMENT_RETRY_ATTEMPTS", 2),
			MovementRetryInterval: getEnvDuration("LEDGER_MOVEMENT_RETRY_INTERVAL", 200*time.Millisecond),
			MovementSpoolSize:     getEnvInt("LEDGER_MOVEMENT_SPOOL_SIZE", 1024),
		},
		RabbitMQ: RabbitMQConfig{
			Enabled:  getEnvBool("RABBITMQ_ENABLED", false),
			Host:     getEnv("RABBITMQ_HOST", "127.0.0.1"),
			Port:     getEnvInt("RABBITMQ_PORT", 5672),
			Username: getEnv("RABBITMQ_USER", "guest"),
			Password: getEnv("RABBITMQ_PASSWORD", "guest"),
			VHost:    getEnv("RABBITMQ_VHOST", "/"),
			Queue:    getEnv("RABBITMQ_MOVEMENT_QUEUE", "ledger.movements.retry"),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Brokers: getEnvList("KAFKA_BROKERS", []string{"127.0.0.1:9092"}),
			Topic:   getEnv("ORDER_EVENTS_TOPIC", "order.events"),
			GroupID: getEnv("KAFKA_GROUP_ID", "tyre-ledger"),
		},
		Idempotency: IdempotencyConfig{
			TTL: getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("RATE_LIMIT_ENABLED", true),
			Rate:    getEnvInt("RATE_LIMIT_RATE", 50),
			Window:  getEnvDuration("RATE_LIMIT_WINDOW", time.Second),
			Burst:   getEnvInt("RATE_LIMIT_BURST", 100),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	var errs []error

	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT out of range: %d", c.App.Port))
	}
	switch c.App.Env {
	case "dev", "test", "prod":
	default:
		errs = append(errs, fmt.Errorf("APP_ENV must be one of dev|test|prod, got %q", c.App.Env))
	}
	if c.App.RequestTimeout <= 0 {
		errs = append(errs, errors.New("APP_REQUEST_TIMEOUT must be positive"))
	}
	switch c.Log.Encoding {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_ENCODING must be json or console, got %q", c.Log.Encoding))
	}
	if c.Database.DBName == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL must be positive when cache is enabled"))
	}
	if c.Ledger.MaxCASRetries < 0 {
		errs = append(errs, errors.New("LEDGER_MAX_CAS_RETRIES cannot be negative"))
	}
	if c.Ledger.MovementSpoolSize <= 0 {
		errs = append(errs, errors.New("LEDGER_MOVEMENT_SPOOL_SIZE must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Rate <= 0 || c.RateLimit.Burst <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("RATE_LIMIT_RATE, RATE_LIMIT_BURST and RATE_LIMIT_WINDOW must be positive"))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("KAFKA_BROKERS and ORDER_EVENTS_TOPIC are required when kafka is enabled"))
	}

	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// getEnvList 解析逗号分隔的列表
func getEnvList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
