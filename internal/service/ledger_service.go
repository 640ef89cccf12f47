// Package service 实现库存台账业务逻辑：可售检查、预留、释放、履约与流水对账。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MorseWayne/tyre_ledger/internal/domain"
	"github.com/MorseWayne/tyre_ledger/internal/repo"
)

// LedgerService 库存台账服务
type LedgerService interface {
	// 台账操作
	CheckAvailability(ctx context.Context, items []domain.LineItem) ([]domain.AvailabilityResult, error)
	ReserveStock(ctx context.Context, orderID string, items []domain.LineItem, actorID *string) (*domain.ReservationResult, error)
	ReleaseReservation(ctx context.Context, orderID string, items []domain.LineItem, actorID *string) (*domain.BatchResult, error)
	FulfillOrder(ctx context.Context, orderID string, items []domain.LineItem, actorID *string) (*domain.BatchResult, error)
	GetAvailabilityLabel(ctx context.Context, productID string) (string, error)

	// 管理与查询
	CreateInventory(ctx context.Context, req *domain.CreateInventoryRequest) (*domain.InventoryRecord, error)
	GetInventory(ctx context.Context, productID string) (*domain.InventoryRecord, error)
	ListMovements(ctx context.Context, productID string, limit int) ([]*domain.MovementRecord, error)
	GetOrderReservations(ctx context.Context, orderID string) ([]*domain.Reservation, error)
	AuditProduct(ctx context.Context, productID string) (*domain.AuditReport, error)
}

// LedgerServiceConfig 台账服务配置
type LedgerServiceConfig struct {
	// 乐观锁冲突的最大重试次数（不含首次尝试）
	MaxCASRetries int
	// 冲突重试退避，第 n 次重试等待 n*CASRetryBackoff
	CASRetryBackoff time.Duration
}

// DefaultLedgerServiceConfig 默认配置
func DefaultLedgerServiceConfig() *LedgerServiceConfig {
	return &LedgerServiceConfig{
		MaxCASRetries:   5,
		CASRetryBackoff: 10 * time.Millisecond,
	}
}

type ledgerService struct {
	inventoryRepo repo.InventoryRepository
	productRepo   repo.ProductRepository
	orderRepo     repo.OrderRepository
	movementRepo  repo.MovementRepository
	recorder      *MovementRecorder

	config *LedgerServiceConfig
	logger *zap.Logger
}

// NewLedgerService 创建台账服务
func NewLedgerService(
	inventoryRepo repo.InventoryRepository,
	productRepo repo.ProductRepository,
	orderRepo repo.OrderRepository,
	movementRepo repo.MovementRepository,
	recorder *MovementRecorder,
	config *LedgerServiceConfig,
	logger *zap.Logger,
) LedgerService {
	if config == nil {
		config = DefaultLedgerServiceConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = NewMovementRecorder(movementRepo, nil, 1, 0, logger)
	}

	return &ledgerService{
		inventoryRepo: inventoryRepo,
		productRepo:   productRepo,
		orderRepo:     orderRepo,
		movementRepo:  movementRepo,
		recorder:      recorder,
		config:        config,
		logger:        logger,
	}
}

// planFunc 根据读取到的库存记录计算本次变更；返回 nil 表示无需写入。
// rec 为 nil 表示该商品没有台账记录。
type planFunc func(ctx context.Context, rec *domain.InventoryRecord) (*domain.LedgerChange, error)

// applyWithRetry 读取-计算-条件写入，版本冲突时重新读取并重试
func (s *ledgerService) applyWithRetry(ctx context.Context, productID string, plan planFunc) error {
	for attempt := 0; ; attempt++ {
		rec, err := s.inventoryRepo.GetByProductID(ctx, productID)
		if err != nil {
			return err
		}

		change, err := plan(ctx, rec)
		if err != nil || change == nil {
			return err
		}

		err = s.inventoryRepo.ApplyChange(ctx, change)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConcurrentModification) || attempt >= s.config.MaxCASRetries {
			return err
		}

		s.logger.Debug("库存版本冲突，重试",
			zap.String("product_id", productID),
			zap.Int64("version", change.ExpectedVersion),
			zap.Int("attempt", attempt+1),
		)

		if s.config.CASRetryBackoff > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry aborted: %w", ctx.Err())
			case <-time.After(time.Duration(attempt+1) * s.config.CASRetryBackoff):
			}
		}
	}
}

// orderReservation 读取订单的预留台账数量，-1 表示无台账记录。
// 必须在读取库存记录之后调用：两者在同一事务中更新，之后的修改会让版本校验失败。
func (s *ledgerService) orderReservation(ctx context.Context, orderID, productID string) (int, error) {
	res, err := s.inventoryRepo.GetReservation(ctx, orderID, productID)
	if err != nil {
		return 0, err
	}
	if res == nil {
		return -1, nil
	}
	return res.Quantity, nil
}

// record 追加流水；失败不影响已提交的台账变更
func (s *ledgerService) record(ctx context.Context, m *domain.MovementRecord) {
	if err := s.recorder.Record(ctx, m); err != nil {
		s.logger.Error("库存流水丢失",
			zap.String("product_id", m.ProductID),
			zap.String("order_id", m.ReferenceID),
			zap.Error(err),
		)
	}
}

// CheckAvailability 批量可售检查，只读。
// 库存与商品标签各一次批量查询；无台账记录按 0 库存处理。
func (s *ledgerService) CheckAvailability(ctx context.Context, items []domain.LineItem) ([]domain.AvailabilityResult, error) {
	if err := domain.ValidateItems(items); err != nil {
		return nil, err
	}

	ids := domain.ProductIDs(items)

	records, err := s.inventoryRepo.GetByProductIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get inventories: %w", err)
	}
	products, err := s.productRepo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get products: %w", err)
	}

	recordMap := make(map[string]*domain.InventoryRecord, len(records))
	for _, rec := range records {
		recordMap[rec.ProductID] = rec
	}
	labelMap := make(map[string]string, len(products))
	for _, p := range products {
		labelMap[p.ID] = p.Availability
	}

	results := make([]domain.AvailabilityResult, 0, len(items))
	for _, item := range items {
		rec := recordMap[item.ProductID]
		available := availableUnder(domain.ConservativeMissingPolicy, rec)
		isAvailable := available >= item.Quantity
		results = append(results, domain.AvailabilityResult{
			ProductID:          item.ProductID,
			RequestedQty:       item.Quantity,
			AvailableQty:       available,
			IsAvailable:        isAvailable,
			AvailabilityLabel:  domain.ResolveLabel(isAvailable, labelMap[item.ProductID]),
			InvariantViolation: s.flagInvariant(rec) != nil,
		})
	}
	return results, nil
}

// flagInvariant 校验读取到的记录，违反 qtyReserved <= qtyOnHand 时告警并返回错误
func (s *ledgerService) flagInvariant(rec *domain.InventoryRecord) error {
	if rec == nil {
		return nil
	}
	err := rec.CheckInvariant()
	if err != nil {
		s.logger.Warn("库存不变量被破坏，可售数量按 0 处理",
			zap.String("product_id", rec.ProductID),
			zap.Int("qty_on_hand", rec.QtyOnHand),
			zap.Int("qty_reserved", rec.QtyReserved),
			zap.Error(err),
		)
	}
	return err
}

// availableUnder 按缺失口径计算对外可售数量；-1 表示不限量
func availableUnder(policy domain.MissingPolicy, rec *domain.InventoryRecord) int {
	if rec != nil {
		return rec.ReportedAvailable()
	}
	if policy == domain.UnlimitedMissingPolicy {
		return -1
	}
	return 0
}

// ReserveStock 逐项预留库存，允许部分预留。
// 任一条目未能足额预留时，订单被标记为需要人工确认库存。
func (s *ledgerService) ReserveStock(ctx context.Context, orderID string, items []domain.LineItem, actorID *string) (*domain.ReservationResult, error) {
	if orderID == "" {
		return nil, domain.ErrInvalidOrderID
	}
	if err := domain.ValidateItems(items); err != nil {
		return nil, err
	}

	logger := s.logger.With(zap.String("order_id", orderID), zap.Int("items", len(items)))
	logger.Info("开始预留库存")

	result := &domain.ReservationResult{
		OrderID:       orderID,
		ReservedItems: []domain.ReservedItem{},
		Outcomes:      make([]domain.ItemOutcome, 0, len(items)),
	}

	for _, item := range items {
		outcome := s.reserveItem(ctx, orderID, item, actorID)
		result.Outcomes = append(result.Outcomes, outcome)

		if outcome.Applied > 0 {
			result.ReservedItems = append(result.ReservedItems, domain.ReservedItem{
				ProductID:   item.ProductID,
				ReservedQty: outcome.Applied,
			})
		}
		if outcome.Status != domain.OutcomeApplied {
			result.NeedsStockConfirmation = true
		}
		if outcome.Status == domain.OutcomeFailed {
			logger.Error("预留库存失败", zap.String("product_id", item.ProductID), zap.Error(outcome.Err))
		}
	}

	if result.NeedsStockConfirmation {
		if err := s.orderRepo.MarkNeedsStockConfirmation(ctx, orderID); err != nil {
			logger.Error("标记订单需要确认库存失败", zap.Error(err))
		} else {
			result.ConfirmationPersisted = true
		}
	}

	result.Success = !hasFailed(result.Outcomes) &&
		(!result.NeedsStockConfirmation || result.ConfirmationPersisted)

	logger.Info("预留库存完成",
		zap.Bool("success", result.Success),
		zap.Bool("needs_stock_confirmation", result.NeedsStockConfirmation),
	)
	return result, nil
}

func (s *ledgerService) reserveItem(ctx context.Context, orderID string, item domain.LineItem, actorID *string) domain.ItemOutcome {
	outcome := domain.ItemOutcome{ProductID: item.ProductID, Requested: item.Quantity}

	err := s.applyWithRetry(ctx, item.ProductID, func(_ context.Context, rec *domain.InventoryRecord) (*domain.LedgerChange, error) {
		outcome.Applied = 0
		outcome.Err = nil
		if rec == nil {
			outcome.Status = domain.OutcomeNoRecord
			return nil, nil
		}
		outcome.Err = s.flagInvariant(rec)

		reserve := rec.PlanReserve(item.Quantity)
		switch {
		case reserve == item.Quantity:
			outcome.Status = domain.OutcomeApplied
		case reserve > 0:
			outcome.Status = domain.OutcomePartial
		default:
			outcome.Status = domain.OutcomeOutOfStock
			return nil, nil
		}
		outcome.Applied = reserve

		return &domain.LedgerChange{
			ProductID:        item.ProductID,
			ExpectedVersion:  rec.Version,
			ReservedDelta:    reserve,
			OrderID:          orderID,
			ReservationDelta: reserve,
		}, nil
	})
	if err != nil {
		return domain.NewFailedOutcome(item, err)
	}
	if outcome.Err != nil {
		outcome.Error = outcome.Err.Error()
	}

	switch outcome.Status {
	case domain.OutcomeApplied:
		s.record(ctx, domain.NewMovement(item.ProductID, 0, domain.ReasonReserved,
			domain.ReferenceOrder, orderID, "", actorID))
	case domain.OutcomePartial:
		notes := fmt.Sprintf("partial reservation: reserved %d of %d requested", outcome.Applied, item.Quantity)
		s.record(ctx, domain.NewMovement(item.ProductID, 0, domain.ReasonPartialReserved,
			domain.ReferenceOrder, orderID, notes, actorID))
	}
	return outcome
}

// ReleaseReservation 释放订单预留。
// 有订单预留台账时按 min(请求数量, 台账数量) 部分释放；
// 无台账记录（台账引入前的预留）时仅在总预留足够时整笔释放，否则跳过。
func (s *ledgerService) ReleaseReservation(ctx context.Context, orderID string, items []domain.LineItem, actorID *string) (*domain.BatchResult, error) {
	if orderID == "" {
		return nil, domain.ErrInvalidOrderID
	}
	if err := domain.ValidateItems(items); err != nil {
		return nil, err
	}

	logger := s.logger.With(zap.String("order_id", orderID), zap.Int("items", len(items)))
	logger.Info("开始释放预留")

	result := &domain.BatchResult{OrderID: orderID, Outcomes: make([]domain.ItemOutcome, 0, len(items))}
	for _, item := range items {
		outcome := s.releaseItem(ctx, orderID, item, actorID)
		if outcome.Status == domain.OutcomeFailed {
			logger.Error("释放预留失败", zap.String("product_id", item.ProductID), zap.Error(outcome.Err))
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	result.Success = !hasFailed(result.Outcomes)

	logger.Info("释放预留完成", zap.Bool("success", result.Success))
	return result, nil
}

func (s *ledgerService) releaseItem(ctx context.Context, orderID string, item domain.LineItem, actorID *string) domain.ItemOutcome {
	outcome := domain.ItemOutcome{ProductID: item.ProductID, Requested: item.Quantity}

	err := s.applyWithRetry(ctx, item.ProductID, func(ctx context.Context, rec *domain.InventoryRecord) (*domain.LedgerChange, error) {
		outcome.Applied = 0
		if rec == nil {
			outcome.Status = domain.OutcomeNoRecord
			return nil, nil
		}

		ledgerQty, err := s.orderReservation(ctx, orderID, item.ProductID)
		if err != nil {
			return nil, err
		}

		change := &domain.LedgerChange{ProductID: item.ProductID, ExpectedVersion: rec.Version}
		if ledgerQty >= 0 {
			release := min(item.Quantity, ledgerQty, rec.QtyReserved)
			if release <= 0 {
				outcome.Status = domain.OutcomeSkipped
				return nil, nil
			}
			change.OrderID = orderID
			change.ReservationDelta = -release
			outcome.Applied = release
		} else {
			if rec.QtyReserved < item.Quantity {
				outcome.Status = domain.OutcomeSkipped
				return nil, nil
			}
			outcome.Applied = item.Quantity
		}

		change.ReservedDelta = -outcome.Applied
		if outcome.Applied == item.Quantity {
			outcome.Status = domain.OutcomeApplied
		} else {
			outcome.Status = domain.OutcomePartial
		}
		return change, nil
	})
	if err != nil {
		return domain.NewFailedOutcome(item, err)
	}

	if outcome.Applied > 0 {
		var notes string
		if outcome.Status == domain.OutcomePartial {
			notes = fmt.Sprintf("partial release: released %d of %d requested", outcome.Applied, item.Quantity)
		}
		s.record(ctx, domain.NewMovement(item.ProductID, 0, domain.ReasonReleased,
			domain.ReferenceCancel, orderID, notes, actorID))
	}
	return outcome
}

// FulfillOrder 履约：扣减实物并释放对应预留，数量下限均为 0。
// 无台账记录的商品视为不限量，直接跳过。
func (s *ledgerService) FulfillOrder(ctx context.Context, orderID string, items []domain.LineItem, actorID *string) (*domain.BatchResult, error) {
	if orderID == "" {
		return nil, domain.ErrInvalidOrderID
	}
	if err := domain.ValidateItems(items); err != nil {
		return nil, err
	}

	logger := s.logger.With(zap.String("order_id", orderID), zap.Int("items", len(items)))
	logger.Info("开始履约扣减")

	result := &domain.BatchResult{OrderID: orderID, Outcomes: make([]domain.ItemOutcome, 0, len(items))}
	for _, item := range items {
		outcome := s.fulfillItem(ctx, orderID, item, actorID)
		switch {
		case outcome.Status == domain.OutcomeFailed:
			logger.Error("履约扣减失败", zap.String("product_id", item.ProductID), zap.Error(outcome.Err))
		case outcome.Err != nil:
			logger.Warn("履约后库存不变量被修正", zap.String("product_id", item.ProductID), zap.Error(outcome.Err))
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	result.Success = !hasFailed(result.Outcomes)

	logger.Info("履约扣减完成", zap.Bool("success", result.Success))
	return result, nil
}

func (s *ledgerService) fulfillItem(ctx context.Context, orderID string, item domain.LineItem, actorID *string) domain.ItemOutcome {
	outcome := domain.ItemOutcome{ProductID: item.ProductID, Requested: item.Quantity}
	var onHandBefore, overflow int

	err := s.applyWithRetry(ctx, item.ProductID, func(ctx context.Context, rec *domain.InventoryRecord) (*domain.LedgerChange, error) {
		outcome.Applied = 0
		outcome.Err = nil
		overflow = 0
		if rec == nil {
			outcome.Status = domain.OutcomeSkipped
			return nil, nil
		}
		onHandBefore = rec.QtyOnHand

		ledgerQty, err := s.orderReservation(ctx, orderID, item.ProductID)
		if err != nil {
			return nil, err
		}

		plan := rec.PlanFulfill(item.Quantity, ledgerQty)
		overflow = plan.Overflow
		outcome.Applied = plan.OnHandDecrement
		switch {
		case plan.OnHandDecrement < item.Quantity:
			outcome.Status = domain.OutcomePartial
			outcome.Err = fmt.Errorf("%w: fulfil %d of product %s exceeds on hand %d",
				domain.ErrInvariantViolation, item.Quantity, item.ProductID, rec.QtyOnHand)
		case plan.Overflow > 0:
			outcome.Status = domain.OutcomeApplied
			outcome.Err = fmt.Errorf("%w: product %s reservations exceed remaining on hand %d, released %d more",
				domain.ErrInvariantViolation, item.ProductID, rec.QtyOnHand-plan.OnHandDecrement, plan.Overflow)
		default:
			outcome.Status = domain.OutcomeApplied
		}
		if plan.OnHandDecrement == 0 && plan.ReservedRelease == 0 {
			return nil, nil
		}

		change := &domain.LedgerChange{
			ProductID:       item.ProductID,
			ExpectedVersion: rec.Version,
			OnHandDelta:     -plan.OnHandDecrement,
			ReservedDelta:   -plan.ReservedRelease,
		}
		if ledgerQty >= 0 && plan.OrderRelease > 0 {
			change.OrderID = orderID
			change.ReservationDelta = -plan.OrderRelease
		}
		return change, nil
	})
	if err != nil {
		return domain.NewFailedOutcome(item, err)
	}
	if outcome.Err != nil {
		outcome.Error = outcome.Err.Error()
	}

	if outcome.Status == domain.OutcomeApplied || outcome.Status == domain.OutcomePartial {
		var notes string
		switch {
		case outcome.Applied < item.Quantity:
			notes = fmt.Sprintf("requested %d exceeds on hand %d; on hand clamped at 0", item.Quantity, onHandBefore)
		case overflow > 0:
			notes = fmt.Sprintf("released %d reserved units beyond remaining on hand", overflow)
		}
		s.record(ctx, domain.NewMovement(item.ProductID, -outcome.Applied, domain.ReasonFulfilled,
			domain.ReferenceFulfillment, orderID, notes, actorID))
	}
	return outcome
}

// GetAvailabilityLabel 单品可售标签。无台账记录视为不限量，直接使用商品自身标签。
func (s *ledgerService) GetAvailabilityLabel(ctx context.Context, productID string) (string, error) {
	if productID == "" {
		return "", domain.ErrInvalidProductID
	}

	rec, err := s.inventoryRepo.GetByProductID(ctx, productID)
	if err != nil {
		return "", fmt.Errorf("failed to get inventory: %w", err)
	}
	_ = s.flagInvariant(rec)
	if available := availableUnder(domain.UnlimitedMissingPolicy, rec); available > 0 {
		return domain.LabelInStock, nil
	}

	product, err := s.productRepo.GetByID(ctx, productID)
	if err != nil {
		return "", fmt.Errorf("failed to get product: %w", err)
	}
	var label string
	if product != nil {
		label = product.Availability
	}
	return domain.ResolveLabel(false, label), nil
}

// CreateInventory 建档，初始实物数量作为流水对账的基准
func (s *ledgerService) CreateInventory(ctx context.Context, req *domain.CreateInventoryRequest) (*domain.InventoryRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	rec := &domain.InventoryRecord{ProductID: req.ProductID, QtyOnHand: req.QtyOnHand}
	if err := s.inventoryRepo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create inventory: %w", err)
	}

	s.logger.Info("库存建档成功", zap.String("product_id", rec.ProductID), zap.Int("qty_on_hand", rec.QtyOnHand))
	return rec, nil
}

// GetInventory 获取库存记录
func (s *ledgerService) GetInventory(ctx context.Context, productID string) (*domain.InventoryRecord, error) {
	if productID == "" {
		return nil, domain.ErrInvalidProductID
	}
	rec, err := s.inventoryRepo.GetByProductID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to get inventory: %w", err)
	}
	if rec == nil {
		return nil, domain.ErrInventoryNotFound
	}
	return rec, nil
}

// ListMovements 列出商品流水
func (s *ledgerService) ListMovements(ctx context.Context, productID string, limit int) ([]*domain.MovementRecord, error) {
	if productID == "" {
		return nil, domain.ErrInvalidProductID
	}
	movements, err := s.movementRepo.ListByProduct(ctx, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list movements: %w", err)
	}
	return movements, nil
}

// GetOrderReservations 列出订单的预留台账
func (s *ledgerService) GetOrderReservations(ctx context.Context, orderID string) ([]*domain.Reservation, error) {
	if orderID == "" {
		return nil, domain.ErrInvalidOrderID
	}
	reservations, err := s.inventoryRepo.ListReservationsByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return reservations, nil
}

// AuditProduct 流水对账：initial + Σdelta 应等于当前实物数量
func (s *ledgerService) AuditProduct(ctx context.Context, productID string) (*domain.AuditReport, error) {
	rec, err := s.GetInventory(ctx, productID)
	if err != nil {
		return nil, err
	}

	sum, err := s.movementRepo.SumDeltaByProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum movements: %w", err)
	}

	report := &domain.AuditReport{
		ProductID:        productID,
		InitialQtyOnHand: rec.InitialQtyOnHand,
		MovementDelta:    sum,
		ExpectedOnHand:   rec.InitialQtyOnHand + sum,
		ActualOnHand:     rec.QtyOnHand,
		QtyReserved:      rec.QtyReserved,
		InvariantHolds:   rec.CheckInvariant() == nil,
	}
	report.Consistent = report.ExpectedOnHand == report.ActualOnHand

	if !report.Consistent || !report.InvariantHolds {
		s.logger.Warn("库存对账不一致",
			zap.String("product_id", productID),
			zap.Int("expected_on_hand", report.ExpectedOnHand),
			zap.Int("actual_on_hand", report.ActualOnHand),
			zap.Int("qty_reserved", report.QtyReserved),
		)
	}
	return report, nil
}

func hasFailed(outcomes []domain.ItemOutcome) bool {
	for _, o := range outcomes {
		if o.Status == domain.OutcomeFailed {
			return true
		}
	}
	return false
}
