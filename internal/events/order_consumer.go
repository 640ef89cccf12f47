// Package events 消费订单生命周期事件（Kafka），驱动库存台账的预留、释放与履约。
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/MorseWayne/tyre_ledger/internal/cache"
	"github.com/MorseWayne/tyre_ledger/internal/config"
	"github.com/MorseWayne/tyre_ledger/internal/domain"
	"github.com/MorseWayne/tyre_ledger/internal/service"
)

// 订单事件类型
const (
	EventOrderPlaced    = "order.placed"
	EventOrderCancelled = "order.cancelled"
	EventOrderFulfilled = "order.fulfilled"
)

// OrderEvent 订单事件消息体
type OrderEvent struct {
	Type    string            `json:"type"`
	OrderID string            `json:"order_id"`
	Items   []domain.LineItem `json:"items"`
	ActorID *string           `json:"actor_id,omitempty"`
}

// MessageReader 消息读取接口，*kafka.Reader 满足该接口
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OrderConsumer 订单事件消费者。按 topic:partition:offset 去重，
// 消息处理成功后才写去重键并提交位点；台账不可用时原地重试同一条消息。
type OrderConsumer struct {
	reader MessageReader
	ledger service.LedgerService
	dedup  cache.Cache
	ttl    time.Duration
	logger *zap.Logger

	backoff    time.Duration // 首次重试等待，之后翻倍
	maxBackoff time.Duration
}

// NewKafkaReader 按配置创建 Kafka 消费组读取器
func NewKafkaReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
}

// NewOrderConsumer 创建订单事件消费者
func NewOrderConsumer(reader MessageReader, ledger service.LedgerService, dedup cache.Cache, ttl time.Duration, logger *zap.Logger) *OrderConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dedup == nil {
		dedup = cache.NewNullCache()
	}
	return &OrderConsumer{
		reader:     reader,
		ledger:     ledger,
		dedup:      dedup,
		ttl:        ttl,
		logger:     logger,
		backoff:    200 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run 阻塞消费直到 ctx 取消。
// FetchMessage 取出后不会再次返回同一条消息，因此失败时在本地重试，不跳过也不提交。
func (c *OrderConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	c.logger.Info("订单事件消费者已启动")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				c.logger.Info("订单事件消费者已停止")
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.process(ctx, msg); err != nil {
			// 只有 ctx 取消会走到这里，位点未提交，重启后从该消息继续
			c.logger.Info("订单事件消费者已停止", zap.Int64("pending_offset", msg.Offset))
			return nil
		}
		c.commit(ctx, msg)
	}
}

// process 去重并处理一条消息，直到成功或 ctx 取消
func (c *OrderConsumer) process(ctx context.Context, msg kafka.Message) error {
	key := dedupKey(msg)

	var seen bool
	err := c.retry(ctx, func() error {
		var err error
		seen, err = c.dedup.Exists(ctx, key)
		if err != nil {
			c.logger.Error("消息去重检查失败", zap.String("key", key), zap.Error(err))
		}
		return err
	})
	if err != nil {
		return err
	}
	if seen {
		c.logger.Info("重复消息已跳过", zap.String("key", key))
		return nil
	}

	ev, ok := c.decode(msg)
	if ok {
		if err := c.retry(ctx, func() error { return c.handle(ctx, &ev) }); err != nil {
			return err
		}
	}

	if err := c.dedup.Set(ctx, key, "1", c.ttl); err != nil {
		c.logger.Warn("写入去重键失败", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// retry 以指数退避重复执行 fn 直到成功；ctx 取消时返回 ctx 错误
func (c *OrderConsumer) retry(ctx context.Context, fn func() error) error {
	wait := c.backoff
	for {
		err := fn()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, c.maxBackoff)
	}
}

func (c *OrderConsumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error("提交位点失败", zap.Int64("offset", msg.Offset), zap.Error(err))
	}
}

func dedupKey(msg kafka.Message) string {
	return fmt.Sprintf("idem:%s:%d:%d", msg.Topic, msg.Partition, msg.Offset)
}

// decode 解析订单事件；无法解析的消息只记录日志
func (c *OrderConsumer) decode(msg kafka.Message) (OrderEvent, bool) {
	var ev OrderEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.logger.Error("订单事件解析失败", zap.Int64("offset", msg.Offset), zap.Error(err))
		return ev, false
	}
	return ev, true
}

// retryable 存储不可用或版本冲突重试耗尽属于暂时性失败
func retryable(err error) bool {
	return errors.Is(err, domain.ErrLedgerUnavailable) || errors.Is(err, domain.ErrConcurrentModification)
}

// handle 分发一条订单事件。
// 因暂时性失败的条目留在 ev.Items 中并返回错误，重试时只重放这些条目，
// 已成功的条目不会被重复预留或扣减。
func (c *OrderConsumer) handle(ctx context.Context, ev *OrderEvent) error {
	logger := c.logger.With(zap.String("event_type", ev.Type), zap.String("order_id", ev.OrderID))

	var (
		outcomes []domain.ItemOutcome
		err      error
	)
	switch ev.Type {
	case EventOrderPlaced:
		var res *domain.ReservationResult
		if res, err = c.ledger.ReserveStock(ctx, ev.OrderID, ev.Items, ev.ActorID); err == nil {
			outcomes = res.Outcomes
			if res.NeedsStockConfirmation {
				logger.Info("订单需要人工确认库存")
			}
		}
	case EventOrderCancelled:
		var res *domain.BatchResult
		if res, err = c.ledger.ReleaseReservation(ctx, ev.OrderID, ev.Items, ev.ActorID); err == nil {
			outcomes = res.Outcomes
		}
	case EventOrderFulfilled:
		var res *domain.BatchResult
		if res, err = c.ledger.FulfillOrder(ctx, ev.OrderID, ev.Items, ev.ActorID); err == nil {
			outcomes = res.Outcomes
		}
	default:
		logger.Debug("忽略未知事件类型")
		return nil
	}

	if err != nil {
		if retryable(err) {
			logger.Error("台账暂不可用，稍后重试", zap.Error(err))
			return err
		}
		logger.Error("订单事件处理失败", zap.Error(err))
		return nil
	}

	var retryItems []domain.LineItem
	for i, o := range outcomes {
		if o.Status != domain.OutcomeFailed {
			continue
		}
		if retryable(o.Err) && i < len(ev.Items) {
			retryItems = append(retryItems, ev.Items[i])
			continue
		}
		logger.Warn("条目处理失败", zap.String("product_id", o.ProductID), zap.String("error", o.Error))
	}
	if len(retryItems) > 0 {
		logger.Error("台账暂不可用，稍后重试失败条目", zap.Int("retry_items", len(retryItems)))
		ev.Items = retryItems
		return fmt.Errorf("%d items pending: %w", len(retryItems), domain.ErrLedgerUnavailable)
	}

	logger.Info("订单事件处理完成", zap.Int("items", len(outcomes)))
	return nil
}
