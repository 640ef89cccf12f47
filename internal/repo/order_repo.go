package repo

import (
	"context"
	"database/sql"
)

// OrderRepository 台账对订单的唯一写操作：标记需要人工确认库存
type OrderRepository interface {
	MarkNeedsStockConfirmation(ctx context.Context, orderID string) error
}

type orderRepo struct {
	db *sql.DB
}

// NewOrderRepository 创建订单仓储实例
func NewOrderRepository(db *sql.DB) OrderRepository {
	return &orderRepo{db: db}
}

// MarkNeedsStockConfirmation 设置 needs_stock_confirmation = 1。
// MySQL 对未变化的行返回 0 影响行数，这里不据此判断订单是否存在。
func (r *orderRepo) MarkNeedsStockConfirmation(ctx context.Context, orderID string) error {
	query := `UPDATE orders SET needs_stock_confirmation = 1 WHERE id = ?`

	if _, err := r.db.ExecContext(ctx, query, orderID); err != nil {
		return unavailable("mark needs stock confirmation", err)
	}
	return nil
}
