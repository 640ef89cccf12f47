package domain

import (
	"time"

	"github.com/google/uuid"
)

// ReferenceType 流水关联的业务类型
type ReferenceType string

const (
	ReferenceOrder       ReferenceType = "order"
	ReferenceCancel      ReferenceType = "cancel"
	ReferenceFulfillment ReferenceType = "fulfillment"
)

// 流水原因
const (
	ReasonReserved        = "Reserved for order"
	ReasonPartialReserved = "Partially reserved for order"
	ReasonReleased        = "Reservation released"
	ReasonFulfilled       = "Order fulfilled"
)

// MovementRecord 表示一条不可变的库存变动流水
type MovementRecord struct {
	ID            string        `json:"id"`
	ProductID     string        `json:"product_id"`
	DeltaQty      int           `json:"delta_qty"` // 实物变动，仅预留类事件为 0
	Reason        string        `json:"reason"`
	ReferenceType ReferenceType `json:"reference_type"`
	ReferenceID   string        `json:"reference_id"` // 订单号
	Notes         string        `json:"notes"`
	ActorID       *string       `json:"actor_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// NewMovement 创建带 UUID 的流水，ID 用于补偿重放时去重
func NewMovement(productID string, delta int, reason string, ref ReferenceType, orderID, notes string, actorID *string) *MovementRecord {
	return &MovementRecord{
		ID:            uuid.NewString(),
		ProductID:     productID,
		DeltaQty:      delta,
		Reason:        reason,
		ReferenceType: ref,
		ReferenceID:   orderID,
		Notes:         notes,
		ActorID:       actorID,
		CreatedAt:     time.Now().UTC(),
	}
}

// AuditReport 流水对账结果：initial + Σdelta 应等于当前实物数量
type AuditReport struct {
	ProductID        string `json:"product_id"`
	InitialQtyOnHand int    `json:"initial_qty_on_hand"`
	MovementDelta    int    `json:"movement_delta"`
	ExpectedOnHand   int    `json:"expected_on_hand"`
	ActualOnHand     int    `json:"actual_on_hand"`
	QtyReserved      int    `json:"qty_reserved"`
	Consistent       bool   `json:"consistent"`
	InvariantHolds   bool   `json:"invariant_holds"`
}
