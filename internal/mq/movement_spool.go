package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/MorseWayne/tyre_ledger/internal/domain"
)

// MessageTypeMovement 流水补偿消息类型
const MessageTypeMovement = "ledger.movement"

// DeclareMovementQueues 声明流水补偿队列及其死信队列
func DeclareMovementQueues(cm *ConnectionManager, cfg *Config) error {
	ch, err := cm.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(cfg.DeadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", cfg.DeadLetterQueue(), err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DeadLetterQueue(),
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}
	return nil
}

// MovementSpool 把写库失败的流水发布到持久化队列，由 MovementConsumer 重放
type MovementSpool struct {
	producer *Producer
	queue    string
}

// NewMovementSpool 创建基于 RabbitMQ 的流水补偿队列
func NewMovementSpool(producer *Producer, queue string) *MovementSpool {
	return &MovementSpool{producer: producer, queue: queue}
}

// Enqueue 发布流水，消息 ID 即流水 ID
func (s *MovementSpool) Enqueue(ctx context.Context, m *domain.MovementRecord) error {
	return s.producer.PublishJSON(ctx, m, &PublishOptions{
		RoutingKey: s.queue,
		MessageID:  m.ID,
		Type:       MessageTypeMovement,
	})
}

// MovementAppender 流水写入接口
type MovementAppender interface {
	Append(ctx context.Context, m *domain.MovementRecord) error
}

// MovementConsumer 重放补偿队列中的流水。写入按流水 ID 去重，重复投递不会重复计数。
type MovementConsumer struct {
	appender MovementAppender
	logger   *zap.Logger
}

// NewMovementConsumer 创建流水重放消费者
func NewMovementConsumer(appender MovementAppender, logger *zap.Logger) *MovementConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MovementConsumer{appender: appender, logger: logger}
}

// Handle 处理一条补偿消息；消息体无法解析时不再重试
func (c *MovementConsumer) Handle(ctx context.Context, delivery amqp.Delivery) error {
	var m domain.MovementRecord
	if err := json.Unmarshal(delivery.Body, &m); err != nil {
		return &NonRetryableError{Err: fmt.Errorf("failed to unmarshal movement: %w", err)}
	}
	if m.ID == "" || m.ProductID == "" {
		return &NonRetryableError{Err: fmt.Errorf("movement message %q missing id or product id", delivery.MessageId)}
	}

	if err := c.appender.Append(ctx, &m); err != nil {
		return fmt.Errorf("replay movement %s: %w", m.ID, err)
	}

	c.logger.Info("补偿流水写入成功",
		zap.String("movement_id", m.ID),
		zap.String("product_id", m.ProductID),
		zap.Int("delta_qty", m.DeltaQty))
	return nil
}
