package models

import (
	"encoding/json"
	"time"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusReturned   OrderStatus = "returned"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

type PaymentMethod string

const (
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
	PaymentMethodCreditCard     PaymentMethod = "credit_card"
	PaymentMethodPaypal         PaymentMethod = "paypal"
	PaymentMethodStripe         PaymentMethod = "stripe"
)

// orderTransitions is the enforced lifecycle: the happy path runs
// pending -> confirmed -> processing -> shipped -> delivered, while
// cancelled and returned are side exits from any non-terminal state.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled, OrderStatusReturned},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled, OrderStatusReturned},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled, OrderStatusReturned},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusCancelled, OrderStatusReturned},
	OrderStatusDelivered:  {},
	OrderStatusCancelled:  {},
	OrderStatusReturned:   {},
}

// CanTransition reports whether an order may move from one status to
// another. Writing the current status back is always allowed.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func ValidOrderStatus(s OrderStatus) bool {
	_, ok := orderTransitions[s]
	return ok
}

func ValidPaymentStatus(s PaymentStatus) bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

func ValidPaymentMethod(m PaymentMethod) bool {
	switch m {
	case PaymentMethodCashOnDelivery, PaymentMethodCreditCard, PaymentMethodPaypal, PaymentMethodStripe:
		return true
	}
	return false
}

// Address is stored on the order as a JSON snapshot, not a reference.
type Address struct {
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country"`
}

func (a *Address) Empty() bool {
	return a == nil || (a.Name == "" && a.Line1 == "" && a.City == "")
}

func MarshalAddress(a *Address) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

type OrderItem struct {
	ID        int     `json:"id"`
	OrderID   int     `json:"order_id"`
	ProductID int     `json:"product_id"`
	Title     string  `json:"title"`
	Image     string  `json:"image,omitempty"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
	Total     float64 `json:"total"`
}

type Order struct {
	ID             int           `json:"id"`
	OrderNumber    string        `json:"order_number"`
	UserID         int           `json:"user_id"`
	Items          []OrderItem   `json:"items,omitempty"`
	ShippingAddr   *Address      `json:"shipping_address,omitempty"`
	BillingAddr    *Address      `json:"billing_address,omitempty"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	PaymentStatus  PaymentStatus `json:"payment_status"`
	OrderStatus    OrderStatus   `json:"order_status"`
	Subtotal       float64       `json:"subtotal"`
	Tax            float64       `json:"tax"`
	Discount       float64       `json:"discount"`
	ShippingCost   float64       `json:"shipping_cost"`
	Total          float64       `json:"total"`
	StockRestored  bool          `json:"-"`
	CancelledAt    *time.Time    `json:"cancelled_at,omitempty"`
	CancelledBy    string        `json:"cancelled_by,omitempty"`
	CancelReason   string        `json:"cancel_reason,omitempty"`
	DeliveredAt    *time.Time    `json:"delivered_at,omitempty"`
	TrackingNumber string        `json:"tracking_number,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type CreateOrderItemRequest struct {
	ProductID int `json:"product_id" binding:"required"`
	Quantity  int `json:"quantity" binding:"required,gt=0"`
}

type CreateOrderRequest struct {
	UserID        int                      `json:"user_id" binding:"required"`
	Items         []CreateOrderItemRequest `json:"items" binding:"required"`
	ShippingAddr  *Address                 `json:"shipping_address" binding:"required"`
	BillingAddr   *Address                 `json:"billing_address,omitempty"`
	PaymentMethod PaymentMethod            `json:"payment_method"`
	Tax           float64                  `json:"tax"`
	Discount      float64                  `json:"discount"`
	ShippingCost  float64                  `json:"shipping_cost"`
	Total         float64                  `json:"total" binding:"required"`
}

type UpdateOrderRequest struct {
	Items         []CreateOrderItemRequest `json:"items,omitempty"`
	ShippingAddr  *Address                 `json:"shipping_address,omitempty"`
	BillingAddr   *Address                 `json:"billing_address,omitempty"`
	Tax           *float64                 `json:"tax,omitempty"`
	Discount      *float64                 `json:"discount,omitempty"`
	ShippingCost  *float64                 `json:"shipping_cost,omitempty"`
	Total         *float64                 `json:"total,omitempty"`
	OrderStatus   OrderStatus              `json:"order_status,omitempty"`
	PaymentStatus PaymentStatus            `json:"payment_status,omitempty"`
	CancelledBy   string                   `json:"cancelled_by,omitempty"`
	CancelReason  string                   `json:"cancel_reason,omitempty"`
}

type UpdateOrderStatusRequest struct {
	OrderStatus    OrderStatus   `json:"order_status,omitempty"`
	PaymentStatus  PaymentStatus `json:"payment_status,omitempty"`
	CancelledBy    string        `json:"cancelled_by,omitempty"`
	CancelReason   string        `json:"cancel_reason,omitempty"`
	TrackingNumber string        `json:"tracking_number,omitempty"`
}

type BulkOrderStatusRequest struct {
	OrderIDs      []int         `json:"order_ids"`
	OrderStatus   OrderStatus   `json:"order_status,omitempty"`
	PaymentStatus PaymentStatus `json:"payment_status,omitempty"`
}

type OrderEvent struct {
	OrderID       int           `json:"order_id"`
	OrderNumber   string        `json:"order_number"`
	UserID        int           `json:"user_id"`
	OrderStatus   OrderStatus   `json:"order_status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Total         float64       `json:"total"`
	EventType     string        `json:"event_type"` // order_created, order_updated, order_status_changed, order_deleted
}

type LowStockEvent struct {
	ProductID int    `json:"product_id"`
	Title     string `json:"title"`
	Stock     int    `json:"stock"`
	Threshold int    `json:"threshold"`
	EventType string `json:"event_type"` // low_stock
}

type PaymentEvent struct {
	OrderID   int    `json:"order_id"`
	EventType string `json:"event_type"` // payment_succeeded, payment_failed
}
