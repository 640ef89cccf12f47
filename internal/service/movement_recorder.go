package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MorseWayne/tyre_ledger/internal/domain"
	"github.com/MorseWayne/tyre_ledger/internal/repo"
)

// ErrSpoolFull 内存补偿队列已满
var ErrSpoolFull = errors.New("movement spool is full")

// MovementSpool 流水补偿队列：直接写入失败的流水交给它稍后重放
type MovementSpool interface {
	Enqueue(ctx context.Context, m *domain.MovementRecord) error
}

// MovementRecorder 负责追加库存流水。
// 台账变更已提交后才调用，写入失败不回滚变更，而是重试并转入补偿队列。
type MovementRecorder struct {
	repo     repo.MovementRepository
	spool    MovementSpool
	attempts int
	interval time.Duration
	logger   *zap.Logger
}

// NewMovementRecorder 创建流水记录器，spool 为空时失败的流水只记录日志
func NewMovementRecorder(movementRepo repo.MovementRepository, spool MovementSpool, attempts int, interval time.Duration, logger *zap.Logger) *MovementRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if attempts < 1 {
		attempts = 1
	}
	return &MovementRecorder{
		repo:     movementRepo,
		spool:    spool,
		attempts: attempts,
		interval: interval,
		logger:   logger,
	}
}

// Record 追加一条流水。只有直接写入与补偿入队都失败时才返回错误。
func (r *MovementRecorder) Record(ctx context.Context, m *domain.MovementRecord) error {
	// 变更已经提交，请求取消不应丢弃流水
	ctx = context.WithoutCancel(ctx)

	var lastErr error
	for i := 0; i < r.attempts; i++ {
		if i > 0 && r.interval > 0 {
			time.Sleep(r.interval)
		}
		if lastErr = r.repo.Append(ctx, m); lastErr == nil {
			return nil
		}
	}

	logger := r.logger.With(
		zap.String("movement_id", m.ID),
		zap.String("product_id", m.ProductID),
		zap.String("reference_id", m.ReferenceID),
		zap.Int("delta_qty", m.DeltaQty),
	)
	logger.Warn("写入库存流水失败，转入补偿队列", zap.Error(lastErr))

	if r.spool == nil {
		logger.Error("未配置补偿队列，流水丢失")
		return fmt.Errorf("append movement %s: %w", m.ID, lastErr)
	}
	if err := r.spool.Enqueue(ctx, m); err != nil {
		logger.Error("流水补偿入队失败，流水丢失", zap.Error(err))
		return fmt.Errorf("spool movement %s: %w", m.ID, errors.Join(lastErr, err))
	}
	return nil
}

// MemorySpool 进程内的流水补偿队列，由 Run 启动的后台协程持续重放
type MemorySpool struct {
	queue    chan *domain.MovementRecord
	repo     repo.MovementRepository
	interval time.Duration
	logger   *zap.Logger

	replayed atomic.Int64
}

// NewMemorySpool 创建内存补偿队列
func NewMemorySpool(movementRepo repo.MovementRepository, size int, interval time.Duration, logger *zap.Logger) *MemorySpool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = 1024
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &MemorySpool{
		queue:    make(chan *domain.MovementRecord, size),
		repo:     movementRepo,
		interval: interval,
		logger:   logger,
	}
}

// Enqueue 非阻塞入队，队列满时返回 ErrSpoolFull
func (s *MemorySpool) Enqueue(_ context.Context, m *domain.MovementRecord) error {
	select {
	case s.queue <- m:
		return nil
	default:
		return ErrSpoolFull
	}
}

// Len 当前待重放的流水数量
func (s *MemorySpool) Len() int {
	return len(s.queue)
}

// Replayed 已成功重放的流水数量
func (s *MemorySpool) Replayed() int64 {
	return s.replayed.Load()
}

// Run 阻塞运行重放循环，直到 ctx 取消
func (s *MemorySpool) Run(ctx context.Context) {
	s.logger.Info("流水补偿队列已启动", zap.Int("capacity", cap(s.queue)))
	for {
		select {
		case <-ctx.Done():
			if n := len(s.queue); n > 0 {
				s.logger.Warn("补偿队列停止时仍有未重放的流水", zap.Int("pending", n))
			}
			return
		case m := <-s.queue:
			s.replay(ctx, m)
		}
	}
}

// replay 持续重试直到写入成功或 ctx 取消；取消时放回队列
func (s *MemorySpool) replay(ctx context.Context, m *domain.MovementRecord) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		err := s.repo.Append(ctx, m)
		if err == nil {
			s.replayed.Add(1)
			s.logger.Info("补偿流水写入成功", zap.String("movement_id", m.ID))
			return
		}
		s.logger.Warn("补偿流水写入失败，稍后重试", zap.String("movement_id", m.ID), zap.Error(err))

		select {
		case <-ctx.Done():
			_ = s.Enqueue(ctx, m)
			return
		case <-ticker.C:
		}
	}
}
