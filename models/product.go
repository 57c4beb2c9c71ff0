package models

import "time"

type ProductStatus string

const (
	ProductStatusActive   ProductStatus = "active"
	ProductStatusInactive ProductStatus = "inactive"
)

type Product struct {
	ID                int           `json:"id"`
	SKU               string        `json:"sku"`
	Title             string        `json:"title"`
	Image             string        `json:"image,omitempty"`
	Price             float64       `json:"price"`
	DiscountPrice     *float64      `json:"discount_price,omitempty"`
	Stock             int           `json:"stock"`
	MinimumOrder      int           `json:"minimum_order"`
	LowStockThreshold int           `json:"low_stock_threshold"`
	Status            ProductStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// UnitPrice is the price an order line is charged at: the discount
// price when one is set, the list price otherwise.
func (p *Product) UnitPrice() float64 {
	if p.DiscountPrice != nil {
		return *p.DiscountPrice
	}
	return p.Price
}

type CreateProductRequest struct {
	SKU               string        `json:"sku" binding:"required"`
	Title             string        `json:"title" binding:"required"`
	Image             string        `json:"image"`
	Price             float64       `json:"price" binding:"required,gte=0"`
	DiscountPrice     *float64      `json:"discount_price"`
	Stock             int           `json:"stock" binding:"gte=0"`
	MinimumOrder      int           `json:"minimum_order"`
	LowStockThreshold int           `json:"low_stock_threshold"`
	Status            ProductStatus `json:"status"`
}

type UpdateProductRequest struct {
	Title             string        `json:"title"`
	Image             string        `json:"image"`
	Price             *float64      `json:"price"`
	DiscountPrice     *float64      `json:"discount_price"`
	Stock             *int          `json:"stock"`
	MinimumOrder      *int          `json:"minimum_order"`
	LowStockThreshold *int          `json:"low_stock_threshold"`
	Status            ProductStatus `json:"status"`
}
