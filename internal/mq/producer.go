package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Producer RabbitMQ生产者，支持发布确认与失败重试
type Producer struct {
	cm     *ConnectionManager
	config *ProducerConfig
	logger *zap.Logger

	publishedCount int64
	failedCount    int64
	closed         int32
}

// PublishOptions 发布选项
type PublishOptions struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Type       string
	Headers    amqp.Table
}

// NewProducer 创建生产者
func NewProducer(cm *ConnectionManager, config *ProducerConfig, logger *zap.Logger) *Producer {
	if config == nil {
		config = DefaultConfig().Producer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Producer{
		cm:     cm,
		config: config,
		logger: logger,
	}
}

// PublishJSON 以持久化消息发布 JSON
func (p *Producer) PublishJSON(ctx context.Context, data interface{}, options *PublishOptions) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    options.MessageID,
		Type:         options.Type,
		Headers:      options.Headers,
		Body:         body,
	}
	return p.Publish(ctx, options.Exchange, options.RoutingKey, publishing)
}

// Publish 发布消息，失败按配置重试
func (p *Producer) Publish(ctx context.Context, exchange, routingKey string, publishing amqp.Publishing) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return fmt.Errorf("producer is closed")
	}

	maxAttempts := p.config.MaxRetryAttempts + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := p.publishOnce(ctx, exchange, routingKey, publishing)
		if err == nil {
			atomic.AddInt64(&p.publishedCount, 1)
			return nil
		}

		lastErr = err
		p.logger.Warn("消息发布失败",
			zap.String("exchange", exchange),
			zap.String("routing_key", routingKey),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err))

		if attempt == maxAttempts {
			break
		}

		select {
		case <-time.After(p.config.RetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	atomic.AddInt64(&p.failedCount, 1)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxAttempts, lastErr)
}

// publishOnce 单次发布消息
func (p *Producer) publishOnce(ctx context.Context, exchange, routingKey string, publishing amqp.Publishing) error {
	ch, err := p.cm.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	var confirmCh chan amqp.Confirmation
	if p.config.EnableConfirm {
		if err := ch.Confirm(false); err != nil {
			return fmt.Errorf("failed to set confirm mode: %w", err)
		}
		confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}

	publishCtx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	if err := ch.PublishWithContext(publishCtx, exchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	if !p.config.EnableConfirm {
		return nil
	}

	select {
	case confirmation := <-confirmCh:
		if confirmation.Ack {
			return nil
		}
		return fmt.Errorf("message was nacked by broker")
	case <-time.After(p.config.ConfirmTimeout):
		return fmt.Errorf("publish confirmation timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	atomic.StoreInt32(&p.closed, 1)
	return nil
}

// ProducerStats 生产者统计信息
type ProducerStats struct {
	PublishedCount int64 `json:"published_count"`
	FailedCount    int64 `json:"failed_count"`
}

// GetStats 获取统计信息
func (p *Producer) GetStats() ProducerStats {
	return ProducerStats{
		PublishedCount: atomic.LoadInt64(&p.publishedCount),
		FailedCount:    atomic.LoadInt64(&p.failedCount),
	}
}
