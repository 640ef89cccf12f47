// Package domain 定义库存台账相关的业务领域模型和核心业务规则。
package domain

import (
	"fmt"
	"time"
)

// 可售标签
const (
	LabelInStock             = "In Stock"
	DefaultAvailabilityLabel = "Available within 24 hours"
)

// InventoryRecord 表示单个商品的库存台账记录
type InventoryRecord struct {
	ProductID        string    `json:"product_id"`
	QtyOnHand        int       `json:"qty_on_hand"`         // 仓库实物数量
	QtyReserved      int       `json:"qty_reserved"`        // 已被未履约订单预留的数量
	InitialQtyOnHand int       `json:"initial_qty_on_hand"` // 建档时的实物数量，用于流水对账
	Version          int64     `json:"version"`             // 乐观锁版本号
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Available 返回原始可售数量，可能为负（预留超过实物时）
func (r *InventoryRecord) Available() int {
	return r.QtyOnHand - r.QtyReserved
}

// ReportedAvailable 返回对外展示的可售数量，下限为 0
func (r *InventoryRecord) ReportedAvailable() int {
	if a := r.Available(); a > 0 {
		return a
	}
	return 0
}

// CheckInvariant 校验 0 <= qtyReserved <= qtyOnHand
func (r *InventoryRecord) CheckInvariant() error {
	if r.QtyOnHand < 0 || r.QtyReserved < 0 {
		return fmt.Errorf("%w: product %s has negative counts (on_hand=%d, reserved=%d)",
			ErrInvariantViolation, r.ProductID, r.QtyOnHand, r.QtyReserved)
	}
	if r.QtyReserved > r.QtyOnHand {
		return fmt.Errorf("%w: product %s reserved %d exceeds on hand %d",
			ErrInvariantViolation, r.ProductID, r.QtyReserved, r.QtyOnHand)
	}
	return nil
}

// PlanReserve 计算本次可预留数量：可售充足时全部预留，否则只预留剩余可售部分
func (r *InventoryRecord) PlanReserve(requested int) int {
	available := r.Available()
	switch {
	case available >= requested:
		return requested
	case available > 0:
		return available
	default:
		return 0
	}
}

// FulfillPlan 履约计算结果
type FulfillPlan struct {
	OnHandDecrement int // 实际扣减的实物数量
	ReservedRelease int // 总预留的释放数量，含 Overflow
	OrderRelease    int // 记入该订单预留台账的释放数量
	Overflow        int // 为保证预留不超过实物而额外释放的其他订单预留
}

// PlanFulfill 计算履约后的新库存。
// orderReserved 为该订单在预留台账中的数量，<0 表示无台账记录。
// 扣减后总预留超过剩余实物时，超出部分一并释放，保证 qtyReserved <= qtyOnHand。
func (r *InventoryRecord) PlanFulfill(quantity, orderReserved int) FulfillPlan {
	wasReserved := max(0, min(r.QtyReserved, quantity))
	if orderReserved >= 0 {
		wasReserved = max(0, min(wasReserved, orderReserved))
	}

	newOnHand := max(0, r.QtyOnHand-quantity)
	newReserved := max(0, r.QtyReserved-wasReserved)
	plan := FulfillPlan{
		OnHandDecrement: r.QtyOnHand - newOnHand,
		OrderRelease:    r.QtyReserved - newReserved,
	}
	if newReserved > newOnHand {
		plan.Overflow = newReserved - newOnHand
		newReserved = newOnHand
	}
	plan.ReservedRelease = r.QtyReserved - newReserved
	return plan
}

// CreateInventoryRequest 表示建档请求
type CreateInventoryRequest struct {
	ProductID string `json:"product_id"`
	QtyOnHand int    `json:"qty_on_hand"`
}

// Validate 校验建档请求
func (req *CreateInventoryRequest) Validate() error {
	if req.ProductID == "" {
		return ErrInvalidProductID
	}
	if req.QtyOnHand < 0 {
		return fmt.Errorf("%w: qty_on_hand cannot be negative", ErrInvalidQuantity)
	}
	return nil
}

// MissingPolicy 描述商品缺少台账记录时的处理口径
type MissingPolicy int

const (
	// ConservativeMissingPolicy 无记录视为 0 库存，批量可售检查使用
	ConservativeMissingPolicy MissingPolicy = iota
	// UnlimitedMissingPolicy 无记录视为不限量，单品标签与履约使用
	UnlimitedMissingPolicy
)

func (p MissingPolicy) String() string {
	switch p {
	case ConservativeMissingPolicy:
		return "conservative"
	case UnlimitedMissingPolicy:
		return "unlimited"
	default:
		return "unknown"
	}
}

// ResolveLabel 按 "In Stock" -> 商品自身标签 -> 默认标签 的顺序返回展示文案
func ResolveLabel(inStock bool, productLabel string) string {
	if inStock {
		return LabelInStock
	}
	if productLabel != "" {
		return productLabel
	}
	return DefaultAvailabilityLabel
}
