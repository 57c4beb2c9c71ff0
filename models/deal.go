package models

import (
	"time"

	"github.com/lib/pq"
)

type DealType string

const (
	DealTypePercentage   DealType = "percentage"
	DealTypeFixed        DealType = "fixed"
	DealTypeBuyOneGetOne DealType = "buy_one_get_one"
	DealTypeFreeShipping DealType = "free_shipping"
	DealTypeFlashSale    DealType = "flash_sale"
)

func ValidDealType(t DealType) bool {
	switch t {
	case DealTypePercentage, DealTypeFixed, DealTypeBuyOneGetOne, DealTypeFreeShipping, DealTypeFlashSale:
		return true
	}
	return false
}

type Deal struct {
	ID                   int            `json:"id"`
	Title                string         `json:"title"`
	DealType             DealType       `json:"deal_type"`
	DiscountValue        float64        `json:"discount_value"`
	OriginalPrice        float64        `json:"original_price"`
	DealPrice            float64        `json:"deal_price"`
	CategoryID           int            `json:"category_id"`
	StartDate            time.Time      `json:"start_date"`
	EndDate              time.Time      `json:"end_date"`
	IsActive             bool           `json:"is_active"`
	IsFeatured           bool           `json:"is_featured"`
	MaxUses              int            `json:"max_uses"` // -1 means unlimited
	MinOrderValue        float64        `json:"min_order_value"`
	ApplicableProducts   pq.StringArray `json:"applicable_products"`
	ApplicableCategories pq.StringArray `json:"applicable_categories"`
	Tags                 pq.StringArray `json:"tags"`
	Images               pq.StringArray `json:"images"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

type BulkDealUpdateRequest struct {
	DealIDs    []int `json:"deal_ids"`
	IsActive   *bool `json:"is_active,omitempty"`
	IsFeatured *bool `json:"is_featured,omitempty"`
}
