// Package repo 实现库存台账数据访问层，负责与 MySQL 的交互。
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/MorseWayne/tyre_ledger/internal/domain"
)

// InventoryRepository 定义库存台账数据访问接口
type InventoryRepository interface {
	Create(ctx context.Context, rec *domain.InventoryRecord) error
	// GetByProductID 查无记录时返回 (nil, nil)
	GetByProductID(ctx context.Context, productID string) (*domain.InventoryRecord, error)
	GetByProductIDs(ctx context.Context, productIDs []string) ([]*domain.InventoryRecord, error)

	// ApplyChange 以版本号做条件更新，并在同一事务内调整订单预留台账。
	// 版本不匹配时返回 domain.ErrConcurrentModification。
	ApplyChange(ctx context.Context, change *domain.LedgerChange) error

	// GetReservation 查无记录时返回 (nil, nil)
	GetReservation(ctx context.Context, orderID, productID string) (*domain.Reservation, error)
	ListReservationsByOrder(ctx context.Context, orderID string) ([]*domain.Reservation, error)
}

// inventoryRepo 实现InventoryRepository接口
type inventoryRepo struct {
	db *sql.DB
}

// NewInventoryRepository 创建库存仓储实例
func NewInventoryRepository(db *sql.DB) InventoryRepository {
	return &inventoryRepo{db: db}
}

const inventoryColumns = `product_id, qty_on_hand, qty_reserved, initial_qty_on_hand, version, created_at, updated_at`

// unavailable 将底层存储错误包装为 ErrLedgerUnavailable
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrLedgerUnavailable, err)
}

// placeholders 构建 IN 子句占位符与参数
func placeholders(ids []string) (string, []interface{}) {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.Repeat("?,", len(ids)-1) + "?", args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInventory(row rowScanner) (*domain.InventoryRecord, error) {
	rec := &domain.InventoryRecord{}
	err := row.Scan(
		&rec.ProductID,
		&rec.QtyOnHand,
		&rec.QtyReserved,
		&rec.InitialQtyOnHand,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	return rec, err
}

// Create 创建库存记录，初始实物数量同时写入 initial_qty_on_hand
func (r *inventoryRepo) Create(ctx context.Context, rec *domain.InventoryRecord) error {
	query := `
		INSERT INTO inventory (product_id, qty_on_hand, qty_reserved, initial_qty_on_hand, version)
		VALUES (?, ?, 0, ?, 0)
	`

	_, err := r.db.ExecContext(ctx, query, rec.ProductID, rec.QtyOnHand, rec.QtyOnHand)
	if err != nil {
		var mysqlErr *mysqldriver.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return domain.ErrInventoryExists
		}
		return unavailable("create inventory", err)
	}

	rec.QtyReserved = 0
	rec.InitialQtyOnHand = rec.QtyOnHand
	rec.Version = 0
	return nil
}

// GetByProductID 根据商品ID获取库存
func (r *inventoryRepo) GetByProductID(ctx context.Context, productID string) (*domain.InventoryRecord, error) {
	query := `SELECT ` + inventoryColumns + ` FROM inventory WHERE product_id = ?`

	rec, err := scanInventory(r.db.QueryRowContext(ctx, query, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get inventory by product id", err)
	}
	return rec, nil
}

// GetByProductIDs 一次查询批量获取库存，缺失的商品不出现在结果中
func (r *inventoryRepo) GetByProductIDs(ctx context.Context, productIDs []string) ([]*domain.InventoryRecord, error) {
	if len(productIDs) == 0 {
		return []*domain.InventoryRecord{}, nil
	}

	in, args := placeholders(productIDs)
	query := fmt.Sprintf(`SELECT %s FROM inventory WHERE product_id IN (%s) ORDER BY product_id`, inventoryColumns, in)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query inventories by product ids", err)
	}
	defer rows.Close()

	var records []*domain.InventoryRecord
	for rows.Next() {
		rec, err := scanInventory(rows)
		if err != nil {
			return nil, unavailable("scan inventory", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate inventories", err)
	}
	return records, nil
}

// ApplyChange 在事务内执行乐观锁更新与预留台账调整
func (r *inventoryRepo) ApplyChange(ctx context.Context, change *domain.LedgerChange) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE inventory
		SET qty_on_hand = qty_on_hand + ?, qty_reserved = qty_reserved + ?, version = version + 1
		WHERE product_id = ? AND version = ?
		  AND qty_on_hand + ? >= 0 AND qty_reserved + ? >= 0
	`

	result, err := tx.ExecContext(ctx, query,
		change.OnHandDelta,
		change.ReservedDelta,
		change.ProductID,
		change.ExpectedVersion,
		change.OnHandDelta,
		change.ReservedDelta,
	)
	if err != nil {
		return unavailable("update inventory", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return unavailable("get affected rows", err)
	}
	if affected == 0 {
		return fmt.Errorf("product %s at version %d: %w", change.ProductID, change.ExpectedVersion, domain.ErrConcurrentModification)
	}

	if change.OrderID != "" && change.ReservationDelta != 0 {
		upsert := `
			INSERT INTO inventory_reservations (order_id, product_id, quantity)
			VALUES (?, ?, GREATEST(?, 0))
			ON DUPLICATE KEY UPDATE quantity = GREATEST(quantity + ?, 0)
		`
		if _, err := tx.ExecContext(ctx, upsert,
			change.OrderID,
			change.ProductID,
			change.ReservationDelta,
			change.ReservationDelta,
		); err != nil {
			return unavailable("upsert reservation", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit ledger change", err)
	}
	return nil
}

// GetReservation 获取订单对某商品的预留台账
func (r *inventoryRepo) GetReservation(ctx context.Context, orderID, productID string) (*domain.Reservation, error) {
	query := `
		SELECT order_id, product_id, quantity, updated_at
		FROM inventory_reservations
		WHERE order_id = ? AND product_id = ?
	`

	res := &domain.Reservation{}
	err := r.db.QueryRowContext(ctx, query, orderID, productID).Scan(
		&res.OrderID, &res.ProductID, &res.Quantity, &res.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get reservation", err)
	}
	return res, nil
}

// ListReservationsByOrder 列出订单的全部预留台账
func (r *inventoryRepo) ListReservationsByOrder(ctx context.Context, orderID string) ([]*domain.Reservation, error) {
	query := `
		SELECT order_id, product_id, quantity, updated_at
		FROM inventory_reservations
		WHERE order_id = ?
		ORDER BY product_id
	`

	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, unavailable("list reservations", err)
	}
	defer rows.Close()

	var out []*domain.Reservation
	for rows.Next() {
		res := &domain.Reservation{}
		if err := rows.Scan(&res.OrderID, &res.ProductID, &res.Quantity, &res.UpdatedAt); err != nil {
			return nil, unavailable("scan reservation", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate reservations", err)
	}
	return out, nil
}
