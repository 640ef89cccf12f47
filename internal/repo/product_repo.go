package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/MorseWayne/tyre_ledger/internal/domain"
)

// ProductRepository 商品目录只读访问
type ProductRepository interface {
	// GetByID 查无记录时返回 (nil, nil)
	GetByID(ctx context.Context, id string) (*domain.Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]*domain.Product, error)
}

type productRepo struct {
	db *sql.DB
}

// NewProductRepository 创建商品仓储实例
func NewProductRepository(db *sql.DB) ProductRepository {
	return &productRepo{db: db}
}

const productColumns = `id, name, sku, COALESCE(availability, ''), status`

func scanProduct(row rowScanner) (*domain.Product, error) {
	p := &domain.Product{}
	var status string
	if err := row.Scan(&p.ID, &p.Name, &p.SKU, &p.Availability, &status); err != nil {
		return nil, err
	}
	p.Status = domain.ProductStatus(status)
	return p, nil
}

// GetByID 根据ID获取商品
func (r *productRepo) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = ?`

	p, err := scanProduct(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get product by id", err)
	}
	return p, nil
}

// GetByIDs 一次查询批量获取商品
func (r *productRepo) GetByIDs(ctx context.Context, ids []string) ([]*domain.Product, error) {
	if len(ids) == 0 {
		return []*domain.Product{}, nil
	}

	in, args := placeholders(ids)
	query := fmt.Sprintf(`SELECT %s FROM products WHERE id IN (%s)`, productColumns, in)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query products by ids", err)
	}
	defer rows.Close()

	var out []*domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, unavailable("scan product", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate products", err)
	}
	return out, nil
}
