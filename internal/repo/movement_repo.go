package repo

import (
	"context"
	"database/sql"

	"github.com/MorseWayne/tyre_ledger/internal/domain"
)

// MovementRepository 只追加的库存流水
type MovementRepository interface {
	// Append 以流水 ID 去重，重复追加不报错
	Append(ctx context.Context, m *domain.MovementRecord) error
	SumDeltaByProduct(ctx context.Context, productID string) (int, error)
	ListByProduct(ctx context.Context, productID string, limit int) ([]*domain.MovementRecord, error)
}

type movementRepo struct {
	db *sql.DB
}

// NewMovementRepository 创建流水仓储实例
func NewMovementRepository(db *sql.DB) MovementRepository {
	return &movementRepo{db: db}
}

// Append 追加流水
func (r *movementRepo) Append(ctx context.Context, m *domain.MovementRecord) error {
	query := `
		INSERT IGNORE INTO inventory_movements
			(id, product_id, delta_qty, reason, reference_type, reference_id, notes, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var actor sql.NullString
	if m.ActorID != nil {
		actor = sql.NullString{String: *m.ActorID, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		m.ID,
		m.ProductID,
		m.DeltaQty,
		m.Reason,
		string(m.ReferenceType),
		m.ReferenceID,
		m.Notes,
		actor,
		m.CreatedAt,
	)
	if err != nil {
		return unavailable("append movement", err)
	}
	return nil
}

// SumDeltaByProduct 汇总商品的实物变动
func (r *movementRepo) SumDeltaByProduct(ctx context.Context, productID string) (int, error) {
	query := `SELECT COALESCE(SUM(delta_qty), 0) FROM inventory_movements WHERE product_id = ?`

	var sum int
	if err := r.db.QueryRowContext(ctx, query, productID).Scan(&sum); err != nil {
		return 0, unavailable("sum movement delta", err)
	}
	return sum, nil
}

// ListByProduct 按时间倒序列出商品流水
func (r *movementRepo) ListByProduct(ctx context.Context, productID string, limit int) ([]*domain.MovementRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, product_id, delta_qty, reason, reference_type, reference_id, COALESCE(notes, ''), actor_id, created_at
		FROM inventory_movements
		WHERE product_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, productID, limit)
	if err != nil {
		return nil, unavailable("list movements", err)
	}
	defer rows.Close()

	var out []*domain.MovementRecord
	for rows.Next() {
		m := &domain.MovementRecord{}
		var refType string
		var actor sql.NullString
		if err := rows.Scan(&m.ID, &m.ProductID, &m.DeltaQty, &m.Reason, &refType, &m.ReferenceID, &m.Notes, &actor, &m.CreatedAt); err != nil {
			return nil, unavailable("scan movement", err)
		}
		m.ReferenceType = domain.ReferenceType(refType)
		if actor.Valid {
			a := actor.String
			m.ActorID = &a
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate movements", err)
	}
	return out, nil
}
