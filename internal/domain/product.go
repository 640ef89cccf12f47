package domain

// ProductStatus 定义商品状态类型
type ProductStatus string

const (
	ProductStatusActive   ProductStatus = "active"
	ProductStatusInactive ProductStatus = "inactive"
)

// Product 目录中的商品（只读，由商品目录维护）
type Product struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	SKU          string        `json:"sku"`
	Availability string        `json:"availability"` // 无库存时展示的兜底文案
	Status       ProductStatus `json:"status"`
}

// Order 只包含台账关心的订单字段
type Order struct {
	ID                     string `json:"id"`
	NeedsStockConfirmation bool   `json:"needs_stock_confirmation"`
}
