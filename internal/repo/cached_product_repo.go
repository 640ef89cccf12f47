// Package repo 提供带缓存的商品目录仓储实现
package repo

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MorseWayne/tyre_ledger/internal/cache"
	"github.com/MorseWayne/tyre_ledger/internal/domain"
)

// CachedProductRepository 带缓存的商品仓储。商品目录对台账只读，缓存无需写入失效。
type CachedProductRepository struct {
	repo   ProductRepository
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedProductRepository 创建带缓存的商品仓储
func NewCachedProductRepository(repo ProductRepository, c cache.Cache, ttl time.Duration, logger *zap.Logger) ProductRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProductRepository{
		repo:   repo,
		cache:  c,
		ttl:    ttl,
		logger: logger,
	}
}

// GetByID 根据ID获取商品（带缓存）
func (r *CachedProductRepository) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	var product domain.Product
	if err := r.cache.Get(ctx, r.productCacheKey(id), &product); err == nil {
		return &product, nil
	}

	result, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	r.store(ctx, result)
	return result, nil
}

// GetByIDs 批量获取商品（部分缓存），未命中的部分一次查询回源
func (r *CachedProductRepository) GetByIDs(ctx context.Context, ids []string) ([]*domain.Product, error) {
	var products []*domain.Product
	var missing []string

	for _, id := range ids {
		var p domain.Product
		if err := r.cache.Get(ctx, r.productCacheKey(id), &p); err == nil {
			products = append(products, &p)
		} else {
			missing = append(missing, id)
		}
	}

	if len(missing) == 0 {
		return products, nil
	}

	fromDB, err := r.repo.GetByIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, p := range fromDB {
		r.store(ctx, p)
	}

	return append(products, fromDB...), nil
}

// store 写缓存失败只记录日志，不影响读路径
func (r *CachedProductRepository) store(ctx context.Context, p *domain.Product) {
	if err := r.cache.Set(ctx, r.productCacheKey(p.ID), p, r.ttl); err != nil {
		r.logger.Warn("cache product failed", zap.String("product_id", p.ID), zap.Error(err))
	}
}

func (r *CachedProductRepository) productCacheKey(id string) string {
	return fmt.Sprintf("product:id:%s", id)
}
