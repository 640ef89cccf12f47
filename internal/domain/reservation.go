package domain

import "time"

// Reservation 单个订单对单个商品的预留台账，与库存记录在同一事务中更新
type Reservation struct {
	OrderID   string    `json:"order_id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerChange 描述一次对库存记录的条件更新（CAS）
type LedgerChange struct {
	ProductID       string
	ExpectedVersion int64
	OnHandDelta     int // 实物变动，负数为扣减
	ReservedDelta   int // 预留变动
	// OrderID 非空时同步调整该订单的预留台账
	OrderID string
	// ReservationDelta 订单预留台账的变动量
	ReservationDelta int
}
