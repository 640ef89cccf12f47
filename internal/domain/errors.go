package domain

import "errors"

// 台账错误。查无记录不属于错误，由 MissingPolicy 决定口径。
var (
	// ErrLedgerUnavailable 存储不可用（网络或查询失败），需与"无库存"区分
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrConcurrentModification 乐观锁版本冲突，调用方可重试
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrInvariantViolation 台账不变量被破坏（预留超过实物、数量为负等）
	ErrInvariantViolation = errors.New("ledger invariant violation")

	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrInvalidOrderID    = errors.New("order id is required")
	ErrInvalidProductID  = errors.New("product id is required")
	ErrEmptyItems        = errors.New("items cannot be empty")
	ErrInventoryNotFound = errors.New("inventory not found")
	ErrInventoryExists   = errors.New("inventory already exists for this product")
)
