package domain

import "fmt"

// LineItem 请求中的商品与数量
type LineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// ValidateItems 校验请求条目，数量必须为正
func ValidateItems(items []LineItem) error {
	if len(items) == 0 {
		return ErrEmptyItems
	}
	for i, it := range items {
		if it.ProductID == "" {
			return fmt.Errorf("item %d: %w", i, ErrInvalidProductID)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("item %d (%s): %w", i, it.ProductID, ErrInvalidQuantity)
		}
	}
	return nil
}

// ProductIDs 返回去重后的商品ID列表，保持首次出现顺序
func ProductIDs(items []LineItem) []string {
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it.ProductID]; ok {
			continue
		}
		seen[it.ProductID] = struct{}{}
		ids = append(ids, it.ProductID)
	}
	return ids
}

// AvailabilityResult 单个条目的可售检查结果
type AvailabilityResult struct {
	ProductID          string `json:"product_id"`
	RequestedQty       int    `json:"requested_qty"`
	AvailableQty       int    `json:"available_qty"`
	IsAvailable        bool   `json:"is_available"`
	AvailabilityLabel  string `json:"availability_label"`
	InvariantViolation bool   `json:"invariant_violation,omitempty"` // 记录中预留超过实物，可售按 0 处理
}

// OutcomeStatus 单个条目的处理结果类型
type OutcomeStatus string

const (
	OutcomeApplied    OutcomeStatus = "applied"      // 按请求数量完成
	OutcomePartial    OutcomeStatus = "partial"      // 部分完成
	OutcomeOutOfStock OutcomeStatus = "out_of_stock" // 可售为 0，未做任何变更
	OutcomeNoRecord   OutcomeStatus = "no_record"    // 无台账记录
	OutcomeSkipped    OutcomeStatus = "skipped"      // 按规则跳过
	OutcomeFailed     OutcomeStatus = "failed"       // 存储失败或版本冲突
)

// ItemOutcome 单个条目的处理结果，失败时 Err 非空
type ItemOutcome struct {
	ProductID string        `json:"product_id"`
	Requested int           `json:"requested"`
	Applied   int           `json:"applied"`
	Status    OutcomeStatus `json:"status"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
}

// NewFailedOutcome 构造失败结果
func NewFailedOutcome(item LineItem, err error) ItemOutcome {
	return ItemOutcome{
		ProductID: item.ProductID,
		Requested: item.Quantity,
		Status:    OutcomeFailed,
		Err:       err,
		Error:     err.Error(),
	}
}

// ReservedItem 实际预留的数量
type ReservedItem struct {
	ProductID   string `json:"product_id"`
	ReservedQty int    `json:"reserved_qty"`
}

// ReservationResult 预留结果
type ReservationResult struct {
	OrderID                string         `json:"order_id"`
	Success                bool           `json:"success"`
	ReservedItems          []ReservedItem `json:"reserved_items"`
	NeedsStockConfirmation bool           `json:"needs_stock_confirmation"`
	ConfirmationPersisted  bool           `json:"confirmation_persisted"`
	Outcomes               []ItemOutcome  `json:"outcomes"`
}

// BatchResult 释放与履约的批量结果
type BatchResult struct {
	OrderID  string        `json:"order_id"`
	Success  bool          `json:"success"`
	Outcomes []ItemOutcome `json:"outcomes"`
}

// Failed 返回失败条目
func (b *BatchResult) Failed() []ItemOutcome {
	var out []ItemOutcome
	for _, o := range b.Outcomes {
		if o.Status == OutcomeFailed {
			out = append(out, o)
		}
	}
	return out
}
