package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MessageHandler 消息处理函数
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer RabbitMQ消费者。处理失败按配置重试，最终失败的消息 Nack 进入死信队列。
type Consumer struct {
	cm      *ConnectionManager
	config  *ConsumerConfig
	logger  *zap.Logger
	handler MessageHandler

	queueName string

	cancel context.CancelFunc
	wg     sync.WaitGroup

	running int32

	processedCount int64
	failedCount    int64
	retriedCount   int64
}

// NewConsumer 创建消费者
func NewConsumer(cm *ConnectionManager, config *ConsumerConfig, handler MessageHandler, logger *zap.Logger) *Consumer {
	if config == nil {
		config = DefaultConfig().Consumer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Consumer{
		cm:      cm,
		config:  config,
		logger:  logger,
		handler: handler,
	}
}

// StartConsuming 启动 ConcurrentConsumers 个工作协程消费指定队列
func (c *Consumer) StartConsuming(ctx context.Context, queueName string) error {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return fmt.Errorf("consumer is already running")
	}
	c.queueName = queueName

	ctx, c.cancel = context.WithCancel(ctx)

	for i := 0; i < c.config.ConcurrentConsumers; i++ {
		deliveries, ch, err := c.subscribe(queueName, i)
		if err != nil {
			c.cancel()
			c.wg.Wait()
			atomic.StoreInt32(&c.running, 0)
			return fmt.Errorf("failed to start worker %d: %w", i, err)
		}

		c.wg.Add(1)
		go c.work(ctx, i, ch, deliveries)
	}

	c.logger.Info("消费者已启动",
		zap.String("queue", queueName),
		zap.Int("workers", c.config.ConcurrentConsumers))
	return nil
}

func (c *Consumer) subscribe(queueName string, id int) (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := c.cm.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(c.config.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to set qos: %w", err)
	}

	tag := fmt.Sprintf("%s-worker-%d", queueName, id)
	deliveries, err := ch.Consume(queueName, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to consume: %w", err)
	}
	return deliveries, ch, nil
}

func (c *Consumer) work(ctx context.Context, id int, ch *amqp.Channel, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	defer ch.Close()

	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Info("消费通道关闭", zap.Int("worker_id", id))
				return
			}
			c.processMessage(ctx, delivery)
		case <-ctx.Done():
			c.logger.Info("消费者工作器停止", zap.Int("worker_id", id))
			return
		}
	}
}

// processMessage 处理消息
func (c *Consumer) processMessage(ctx context.Context, delivery amqp.Delivery) {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConsumeTimeout)
	defer cancel()

	for retry := 0; ; retry++ {
		err := c.handler(ctx, delivery)
		if err == nil {
			if ackErr := delivery.Ack(false); ackErr != nil {
				c.logger.Error("消息确认失败", zap.Error(ackErr), zap.String("message_id", delivery.MessageId))
			}
			atomic.AddInt64(&c.processedCount, 1)
			return
		}

		c.logger.Error("消息处理失败",
			zap.Error(err),
			zap.String("message_id", delivery.MessageId),
			zap.Int("retry_count", retry))

		if IsNonRetryableError(err) || retry >= c.config.MaxRetryAttempts || !wait(ctx, c.config.RetryInterval) {
			break
		}
		atomic.AddInt64(&c.retriedCount, 1)
	}

	atomic.AddInt64(&c.failedCount, 1)
	// 不重新入队，由队列的死信配置转入死信队列
	if nackErr := delivery.Nack(false, false); nackErr != nil {
		c.logger.Error("消息拒绝失败", zap.Error(nackErr), zap.String("message_id", delivery.MessageId))
	}
}

// wait 等待 d，ctx 先结束时返回 false
func wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// StopConsuming 停止消费并等待工作协程退出
func (c *Consumer) StopConsuming() {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.logger.Info("消费者已停止", zap.String("queue", c.queueName))
}

// ConsumerStats 消费者统计信息
type ConsumerStats struct {
	QueueName      string `json:"queue_name"`
	ProcessedCount int64  `json:"processed_count"`
	FailedCount    int64  `json:"failed_count"`
	RetriedCount   int64  `json:"retried_count"`
	Running        bool   `json:"running"`
}

// GetStats 获取统计信息
func (c *Consumer) GetStats() ConsumerStats {
	return ConsumerStats{
		QueueName:      c.queueName,
		ProcessedCount: atomic.LoadInt64(&c.processedCount),
		FailedCount:    atomic.LoadInt64(&c.failedCount),
		RetriedCount:   atomic.LoadInt64(&c.retriedCount),
		Running:        atomic.LoadInt32(&c.running) == 1,
	}
}

// NonRetryableError 不可重试错误
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable error: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// IsNonRetryableError 检查是否为不可重试错误
func IsNonRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var nonRetryable *NonRetryableError
	return errors.As(err, &nonRetryable)
}
