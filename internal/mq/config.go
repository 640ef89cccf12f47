// Package mq 提供RabbitMQ连接管理、生产者/消费者以及库存流水补偿队列
package mq

import (
	"fmt"
	"net/url"
	"time"

	"github.com/MorseWayne/tyre_ledger/internal/config"
)

// Config RabbitMQ配置
type Config struct {
	// 连接配置
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	VHost    string `json:"vhost"`

	ConnectionTimeout time.Duration `json:"connection_timeout"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`

	// 重连配置
	EnableReconnect      bool          `json:"enable_reconnect"`
	ReconnectInterval    time.Duration `json:"reconnect_interval"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`

	// 流水补偿队列，失败消息进入 Queue + ".dlq"
	Queue string `json:"queue"`

	Producer *ProducerConfig `json:"producer"`
	Consumer *ConsumerConfig `json:"consumer"`
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	// 发布确认
	EnableConfirm  bool          `json:"enable_confirm"`
	ConfirmTimeout time.Duration `json:"confirm_timeout"`

	// 重试配置
	MaxRetryAttempts int           `json:"max_retry_attempts"`
	RetryInterval    time.Duration `json:"retry_interval"`

	PublishTimeout time.Duration `json:"publish_timeout"`
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	PrefetchCount int `json:"prefetch_count"`

	// 重试配置
	MaxRetryAttempts int           `json:"max_retry_attempts"`
	RetryInterval    time.Duration `json:"retry_interval"`

	// 消费超时
	ConsumeTimeout time.Duration `json:"consume_timeout"`

	// 并发消费
	ConcurrentConsumers int `json:"concurrent_consumers"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5672,
		Username: "guest",
		Password: "guest",
		VHost:    "/",

		ConnectionTimeout: 30 * time.Second,
		HeartbeatInterval: 10 * time.Second,

		EnableReconnect:      true,
		ReconnectInterval:    5 * time.Second,
		MaxReconnectAttempts: 10,

		Queue: "ledger.movements.retry",

		Producer: &ProducerConfig{
			EnableConfirm:    true,
			ConfirmTimeout:   5 * time.Second,
			MaxRetryAttempts: 3,
			RetryInterval:    time.Second,
			PublishTimeout:   10 * time.Second,
		},

		Consumer: &ConsumerConfig{
			PrefetchCount:       10,
			MaxRetryAttempts:    5,
			RetryInterval:       2 * time.Second,
			ConsumeTimeout:      30 * time.Second,
			ConcurrentConsumers: 1,
		},
	}
}

// FromAppConfig 由应用配置生成 RabbitMQ 配置，未覆盖的项取默认值
func FromAppConfig(c config.RabbitMQConfig) *Config {
	cfg := DefaultConfig()
	cfg.Host = c.Host
	cfg.Port = c.Port
	cfg.Username = c.Username
	cfg.Password = c.Password
	if c.VHost != "" {
		cfg.VHost = c.VHost
	}
	if c.Queue != "" {
		cfg.Queue = c.Queue
	}
	return cfg
}

// DeadLetterQueue 死信队列名
func (c *Config) DeadLetterQueue() string {
	return c.Queue + ".dlq"
}

// GetConnectionURL 获取连接URL
func (c *Config) GetConnectionURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/",
	}
	if c.VHost != "/" {
		u.Path = "/" + c.VHost
	}
	return u.String()
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if c.Username == "" {
		return fmt.Errorf("username is required")
	}

	if c.Queue == "" {
		return fmt.Errorf("queue is required")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be greater than 0")
	}

	if c.Producer != nil {
		if c.Producer.ConfirmTimeout <= 0 || c.Producer.PublishTimeout <= 0 {
			return fmt.Errorf("producer timeouts must be greater than 0")
		}
		if c.Producer.MaxRetryAttempts < 0 {
			return fmt.Errorf("producer max_retry_attempts must be >= 0")
		}
	}

	if c.Consumer != nil {
		if c.Consumer.ConcurrentConsumers <= 0 {
			return fmt.Errorf("concurrent_consumers must be greater than 0")
		}
		if c.Consumer.MaxRetryAttempts < 0 {
			return fmt.Errorf("consumer max_retry_attempts must be >= 0")
		}
	}

	return nil
}
