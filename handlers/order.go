package handlers

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"commerce-svc/cache"
	"commerce-svc/kafka"
	"commerce-svc/middleware"
	"commerce-svc/models"
	"commerce-svc/ordernum"
	"commerce-svc/stock"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// createAttempts bounds the retry loop around order-number conflicts.
const createAttempts = 3

var (
	errOrderNotFound = errors.New("order not found")
	errUserNotFound  = errors.New("user not found")
	errItemsLocked   = errors.New("cannot modify items of a cancelled or returned order")
)

type OrderHandler struct {
	db        *sql.DB
	publisher kafka.Publisher
	redis     *redis.Client
	ledger    *stock.Ledger
	logger    *zap.Logger
	now       func() time.Time
}

func NewOrderHandler(db *sql.DB, publisher kafka.Publisher, redisClient *redis.Client, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		db:        db,
		publisher: publisher,
		redis:     redisClient,
		ledger:    stock.NewLedger(logger),
		logger:    logger,
		now:       time.Now,
	}
}

const orderColumns = `id, order_number, user_id, shipping_address, billing_address,
	payment_method, payment_status, order_status,
	subtotal, tax, discount, shipping_cost, total,
	stock_restored, cancelled_at, cancelled_by, cancel_reason,
	delivered_at, tracking_number, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		o            models.Order
		shippingJSON []byte
		billingJSON  []byte
		cancelledAt  sql.NullTime
		deliveredAt  sql.NullTime
	)
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &shippingJSON, &billingJSON,
		&o.PaymentMethod, &o.PaymentStatus, &o.OrderStatus,
		&o.Subtotal, &o.Tax, &o.Discount, &o.ShippingCost, &o.Total,
		&o.StockRestored, &cancelledAt, &o.CancelledBy, &o.CancelReason,
		&deliveredAt, &o.TrackingNumber, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(shippingJSON) > 0 {
		o.ShippingAddr = &models.Address{}
		if err := json.Unmarshal(shippingJSON, o.ShippingAddr); err != nil {
			return nil, fmt.Errorf("decode shipping address: %w", err)
		}
	}
	if len(billingJSON) > 0 {
		o.BillingAddr = &models.Address{}
		if err := json.Unmarshal(billingJSON, o.BillingAddr); err != nil {
			return nil, fmt.Errorf("decode billing address: %w", err)
		}
	}
	if cancelledAt.Valid {
		o.CancelledAt = &cancelledAt.Time
	}
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}
	return &o, nil
}

func loadOrderItems(ctx context.Context, q stock.Querier, orderID int) ([]models.OrderItem, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, order_id, product_id, title, image, price, quantity, total FROM order_items WHERE order_id = $1 ORDER BY id",
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Title, &item.Image, &item.Price, &item.Quantity, &item.Total); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// snapshotItems resolves each requested line against the product
// catalog, denormalizing title/image/price onto the line item.
func snapshotItems(ctx context.Context, q stock.Querier, reqs []models.CreateOrderItemRequest) ([]models.OrderItem, float64, error) {
	items := make([]models.OrderItem, 0, len(reqs))
	var subtotal float64
	for _, req := range reqs {
		var p models.Product
		err := q.QueryRowContext(ctx,
			"SELECT id, title, image, price, discount_price FROM products WHERE id = $1",
			req.ProductID,
		).Scan(&p.ID, &p.Title, &p.Image, &p.Price, &p.DiscountPrice)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, fmt.Errorf("%w: product %d", stock.ErrProductNotFound, req.ProductID)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("load product %d: %w", req.ProductID, err)
		}

		unit := p.UnitPrice()
		lineTotal := unit * float64(req.Quantity)
		items = append(items, models.OrderItem{
			ProductID: p.ID,
			Title:     p.Title,
			Image:     p.Image,
			Price:     unit,
			Quantity:  req.Quantity,
			Total:     lineTotal,
		})
		subtotal += lineTotal
	}
	return items, subtotal, nil
}

// respondOrderError maps domain failures onto the order route
// family's envelope. Validation, not-found and conflict conditions
// all answer 400 per the repository convention; everything else is a
// logged 500.
func (h *OrderHandler) respondOrderError(c *gin.Context, err error, op string) {
	var insufficient *stock.InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		middleware.CountStockRejection()
		respondMetaError(c, http.StatusBadRequest, insufficient.Error())
	case errors.Is(err, stock.ErrProductNotFound):
		respondMetaError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, errUserNotFound):
		respondMetaError(c, http.StatusBadRequest, "user not found")
	case errors.Is(err, errOrderNotFound):
		respondMetaError(c, http.StatusBadRequest, "order not found")
	case errors.Is(err, errItemsLocked):
		respondMetaError(c, http.StatusBadRequest, errItemsLocked.Error())
	case ordernum.IsConflict(err):
		// Numbering retries exhausted: every attempt lost the same-day
		// race on the unique index.
		respondMetaError(c, http.StatusBadRequest, "order number conflict, please retry")
	default:
		h.logger.Error("Order operation failed", zap.String("op", op), zap.Error(err))
		respondMetaError(c, http.StatusInternalServerError, "internal server error")
	}
}

func (h *OrderHandler) invalidateProducts(ctx context.Context, items []models.OrderItem) {
	if h.redis == nil {
		return
	}
	for _, item := range items {
		if err := cache.DeleteProduct(ctx, h.redis, strconv.Itoa(item.ProductID)); err != nil {
			h.logger.Warn("Failed to invalidate product cache", zap.Int("product_id", item.ProductID), zap.Error(err))
		}
	}
}

func (h *OrderHandler) publishOrderEvent(ctx context.Context, o *models.Order, eventType string) {
	if h.publisher == nil {
		return
	}
	event := models.OrderEvent{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		UserID:        o.UserID,
		OrderStatus:   o.OrderStatus,
		PaymentStatus: o.PaymentStatus,
		Total:         o.Total,
		EventType:     eventType,
	}
	if err := h.publisher.Publish(ctx, kafka.TopicOrderEvents, event); err != nil {
		h.logger.Error("Failed to publish order event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (h *OrderHandler) publishLowStockAlerts(ctx context.Context, alerts []stock.LowStockAlert) {
	if h.publisher == nil {
		return
	}
	for _, alert := range alerts {
		middleware.CountLowStockAlert()
		event := models.LowStockEvent{
			ProductID: alert.ProductID,
			Title:     alert.Title,
			Stock:     alert.Stock,
			Threshold: alert.Threshold,
			EventType: "low_stock",
		}
		if err := h.publisher.Publish(ctx, kafka.TopicStockAlerts, event); err != nil {
			h.logger.Error("Failed to publish low stock alert", zap.Int("product_id", alert.ProductID), zap.Error(err))
		}
	}
}

// CreateOrder reserves stock, assigns the order number and persists
// the order in one transaction. A duplicate order number from a
// same-day race aborts the transaction and the whole attempt is
// replayed; the unique index stays the final arbiter.
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "CreateOrder")
	defer span.End()

	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondMetaError(c, http.StatusBadRequest, "missing required fields: user_id, items, shipping_address and total are required")
		return
	}
	if len(req.Items) == 0 {
		respondMetaError(c, http.StatusBadRequest, "missing required fields: items must not be empty")
		return
	}
	for _, item := range req.Items {
		if item.Quantity < 1 {
			respondMetaError(c, http.StatusBadRequest, "item quantity must be at least 1")
			return
		}
	}
	if req.ShippingAddr.Empty() {
		respondMetaError(c, http.StatusBadRequest, "missing required fields: shipping_address is required")
		return
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = models.PaymentMethodCashOnDelivery
	}
	if !models.ValidPaymentMethod(req.PaymentMethod) {
		respondMetaError(c, http.StatusBadRequest, "invalid payment method")
		return
	}

	span.SetAttributes(
		attribute.Int("user_id", req.UserID),
		attribute.Int("items.count", len(req.Items)),
	)

	var (
		order  *models.Order
		alerts []stock.LowStockAlert
	)
	for attempt := 1; ; attempt++ {
		var err error
		order, alerts, err = h.createOrderTx(ctx, &req)
		if err == nil {
			break
		}
		if ordernum.IsConflict(err) && attempt < createAttempts {
			middleware.CountOrderNumberRetry()
			h.logger.Warn("Order number conflict, retrying", zap.Int("attempt", attempt))
			continue
		}
		span.RecordError(err)
		h.respondOrderError(c, err, "create")
		return
	}

	span.SetAttributes(attribute.Int("order.id", order.ID), attribute.String("order.number", order.OrderNumber))
	middleware.CountOrderCreated()

	h.publishOrderEvent(ctx, order, "order_created")
	h.publishLowStockAlerts(ctx, alerts)
	h.invalidateProducts(ctx, order.Items)

	h.logger.Info("Order created", zap.Int("order_id", order.ID), zap.String("order_number", order.OrderNumber))
	respondMeta(c, http.StatusCreated, "order created", order)
}

func (h *OrderHandler) createOrderTx(ctx context.Context, req *models.CreateOrderRequest) (*models.Order, []stock.LowStockAlert, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var userID int
	err = tx.QueryRowContext(ctx, "SELECT id FROM users WHERE id = $1", req.UserID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, errUserNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load user %d: %w", req.UserID, err)
	}

	items, subtotal, err := snapshotItems(ctx, tx, req.Items)
	if err != nil {
		return nil, nil, err
	}

	alerts, err := h.ledger.Reserve(ctx, tx, items)
	if err != nil {
		return nil, nil, err
	}

	now := h.now()
	number, err := ordernum.Next(ctx, tx, now)
	if err != nil {
		return nil, nil, err
	}

	shippingJSON, err := models.MarshalAddress(req.ShippingAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("encode shipping address: %w", err)
	}
	billingJSON, err := models.MarshalAddress(req.BillingAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("encode billing address: %w", err)
	}

	order := &models.Order{
		OrderNumber:   number,
		UserID:        req.UserID,
		Items:         items,
		ShippingAddr:  req.ShippingAddr,
		BillingAddr:   req.BillingAddr,
		PaymentMethod: req.PaymentMethod,
		PaymentStatus: models.PaymentStatusPending,
		OrderStatus:   models.OrderStatusPending,
		Subtotal:      subtotal,
		Tax:           req.Tax,
		Discount:      req.Discount,
		ShippingCost:  req.ShippingCost,
		Total:         req.Total,
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO orders (order_number, user_id, shipping_address, billing_address,
			payment_method, payment_status, order_status,
			subtotal, tax, discount, shipping_cost, total)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, created_at, updated_at`,
		order.OrderNumber, order.UserID, shippingJSON, billingJSON,
		order.PaymentMethod, order.PaymentStatus, order.OrderStatus,
		order.Subtotal, order.Tax, order.Discount, order.ShippingCost, order.Total,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert order: %w", err)
	}

	if err := insertOrderItems(ctx, tx, order.ID, order.Items); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}
	return order, alerts, nil
}

func insertOrderItems(ctx context.Context, q stock.Querier, orderID int, items []models.OrderItem) error {
	for i := range items {
		item := &items[i]
		item.OrderID = orderID
		err := q.QueryRowContext(ctx,
			`INSERT INTO order_items (order_id, product_id, title, image, price, quantity, total)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			orderID, item.ProductID, item.Title, item.Image, item.Price, item.Quantity, item.Total,
		).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("insert order item for product %d: %w", item.ProductID, err)
		}
	}
	return nil
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "GetOrder")
	defer span.End()

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondMetaError(c, http.StatusBadRequest, "invalid order ID")
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	order, err := scanOrder(h.db.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID))
	if errors.Is(err, sql.ErrNoRows) {
		respondMetaError(c, http.StatusBadRequest, "order not found")
		return
	}
	if err != nil {
		span.RecordError(err)
		h.respondOrderError(c, err, "get")
		return
	}

	order.Items, err = loadOrderItems(ctx, h.db, order.ID)
	if err != nil {
		span.RecordError(err)
		h.respondOrderError(c, err, "get")
		return
	}

	respondMeta(c, http.StatusOK, "order fetched", order)
}

var orderSortColumns = map[string]string{
	"created_at":   "created_at",
	"updated_at":   "updated_at",
	"total":        "total",
	"order_number": "order_number",
}

type orderFilters struct {
	where []string
	args  []any
}

func (f *orderFilters) add(condition string, value any) {
	f.args = append(f.args, value)
	f.where = append(f.where, fmt.Sprintf(condition, len(f.args)))
}

func (f *orderFilters) clause() string {
	if len(f.where) == 0 {
		return ""
	}
	out := " WHERE " + f.where[0]
	for _, w := range f.where[1:] {
		out += " AND " + w
	}
	return out
}

func parseDateParam(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func buildOrderFilters(c *gin.Context) (*orderFilters, error) {
	f := &orderFilters{}
	if status := c.Query("status"); status != "" {
		if !models.ValidOrderStatus(models.OrderStatus(status)) {
			return nil, fmt.Errorf("invalid status filter")
		}
		f.add("order_status = $%d", status)
	}
	if ps := c.Query("paymentStatus"); ps != "" {
		if !models.ValidPaymentStatus(models.PaymentStatus(ps)) {
			return nil, fmt.Errorf("invalid payment status filter")
		}
		f.add("payment_status = $%d", ps)
	}
	if search := c.Query("search"); search != "" {
		f.add("order_number ILIKE $%d", "%"+search+"%")
	}
	if start := c.Query("startDate"); start != "" {
		t, err := parseDateParam(start)
		if err != nil {
			return nil, fmt.Errorf("invalid startDate")
		}
		f.add("created_at >= $%d", t)
	}
	if end := c.Query("endDate"); end != "" {
		t, err := parseDateParam(end)
		if err != nil {
			return nil, fmt.Errorf("invalid endDate")
		}
		f.add("created_at < $%d", t.AddDate(0, 0, 1))
	}
	return f, nil
}

func pageParams(c *gin.Context) (page, limit int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}

func (h *OrderHandler) ListOrders(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "ListOrders")
	defer span.End()

	filters, err := buildOrderFilters(c)
	if err != nil {
		respondMetaError(c, http.StatusBadRequest, err.Error())
		return
	}

	sortBy, ok := orderSortColumns[c.DefaultQuery("sortBy", "created_at")]
	if !ok {
		respondMetaError(c, http.StatusBadRequest, "invalid sortBy")
		return
	}
	sortOrder := "DESC"
	if c.DefaultQuery("sortOrder", "desc") == "asc" {
		sortOrder = "ASC"
	}
	page, limit := pageParams(c)

	var total int
	err = h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders"+filters.clause(), filters.args...).Scan(&total)
	if err != nil {
		span.RecordError(err)
		h.respondOrderError(c, err, "list")
		return
	}

	query := fmt.Sprintf("SELECT %s FROM orders%s ORDER BY %s %s LIMIT $%d OFFSET $%d",
		orderColumns, filters.clause(), sortBy, sortOrder, len(filters.args)+1, len(filters.args)+2)
	args := append(filters.args, limit, (page-1)*limit)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		h.respondOrderError(c, err, "list")
		return
	}
	defer rows.Close()

	orders := []*models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			span.RecordError(err)
			h.respondOrderError(c, err, "list")
			return
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		h.respondOrderError(c, err, "list")
		return
	}

	span.SetAttributes(attribute.Int("orders.count", len(orders)))
	respondMetaList(c, http.StatusOK, "orders fetched", orders, page, limit, total)
}

// UpdateOrder is the full-update endpoint. When items change, the
// stock ledger folds the old and new reservations into net per-product
// adjustments inside the same transaction, so a failure leaves stock
// untouched.
func (h *OrderHandler) UpdateOrder(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "UpdateOrder")
	defer span.End()

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondMetaError(c, http.StatusBadRequest, "invalid order ID")
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	var req models.UpdateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondMetaError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrderStatus != "" && !models.ValidOrderStatus(req.OrderStatus) {
		respondMetaError(c, http.StatusBadRequest, "invalid order status")
		return
	}
	if req.PaymentStatus != "" && !models.ValidPaymentStatus(req.PaymentStatus) {
		respondMetaError(c, http.StatusBadRequest, "invalid payment status")
		return
	}
	for _, item := range req.Items {
		if item.Quantity < 1 {
			respondMetaError(c, http.StatusBadRequest, "item quantity must be at least 1")
			return
		}
	}

	order, alerts, err := h.updateOrderTx(ctx, orderID, &req)
	if err != nil {
		var rule *transitionError
		if errors.As(err, &rule) {
			respondMetaError(c, http.StatusBadRequest, rule.Error())
			return
		}
		span.RecordError(err)
		h.respondOrderError(c, err, "update")
		return
	}

	h.publishOrderEvent(ctx, order, "order_updated")
	h.publishLowStockAlerts(ctx, alerts)
	h.invalidateProducts(ctx, order.Items)

	h.logger.Info("Order updated", zap.Int("order_id", order.ID))
	respondMeta(c, http.StatusOK, "order updated", order)
}

type transitionError struct {
	from, to models.OrderStatus
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.from, e.to)
}

func (h *OrderHandler) updateOrderTx(ctx context.Context, orderID int, req *models.UpdateOrderRequest) (*models.Order, []stock.LowStockAlert, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	order, err := scanOrder(tx.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, errOrderNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load order %d: %w", orderID, err)
	}

	oldItems, err := loadOrderItems(ctx, tx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("load order items: %w", err)
	}
	order.Items = oldItems

	if req.OrderStatus != "" && !models.CanTransition(order.OrderStatus, req.OrderStatus) {
		return nil, nil, &transitionError{from: order.OrderStatus, to: req.OrderStatus}
	}

	var alerts []stock.LowStockAlert
	if req.Items != nil {
		if order.StockRestored {
			return nil, nil, errItemsLocked
		}
		newItems, subtotal, err := snapshotItems(ctx, tx, req.Items)
		if err != nil {
			return nil, nil, err
		}
		alerts, err = h.ledger.Replace(ctx, tx, oldItems, newItems)
		if err != nil {
			return nil, nil, err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM order_items WHERE order_id = $1", orderID); err != nil {
			return nil, nil, fmt.Errorf("delete order items: %w", err)
		}
		if err := insertOrderItems(ctx, tx, orderID, newItems); err != nil {
			return nil, nil, err
		}
		order.Items = newItems
		order.Subtotal = subtotal
	}

	if req.ShippingAddr != nil {
		order.ShippingAddr = req.ShippingAddr
	}
	if req.BillingAddr != nil {
		order.BillingAddr = req.BillingAddr
	}
	if req.Tax != nil {
		order.Tax = *req.Tax
	}
	if req.Discount != nil {
		order.Discount = *req.Discount
	}
	if req.ShippingCost != nil {
		order.ShippingCost = *req.ShippingCost
	}
	if req.Total != nil {
		order.Total = *req.Total
	}
	if req.PaymentStatus != "" {
		order.PaymentStatus = req.PaymentStatus
	}
	if req.OrderStatus != "" && req.OrderStatus != order.OrderStatus {
		if err := h.applyStatusChange(ctx, tx, order, req.OrderStatus, req.CancelledBy, req.CancelReason); err != nil {
			return nil, nil, err
		}
	}

	shippingJSON, err := models.MarshalAddress(order.ShippingAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("encode shipping address: %w", err)
	}
	billingJSON, err := models.MarshalAddress(order.BillingAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("encode billing address: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`UPDATE orders SET shipping_address = $1, billing_address = $2,
			payment_status = $3, order_status = $4,
			subtotal = $5, tax = $6, discount = $7, shipping_cost = $8, total = $9,
			stock_restored = $10, cancelled_at = $11, cancelled_by = $12, cancel_reason = $13,
			delivered_at = $14, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $15
		 RETURNING updated_at`,
		shippingJSON, billingJSON,
		order.PaymentStatus, order.OrderStatus,
		order.Subtotal, order.Tax, order.Discount, order.ShippingCost, order.Total,
		order.StockRestored, order.CancelledAt, order.CancelledBy, order.CancelReason,
		order.DeliveredAt, orderID,
	).Scan(&order.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("update order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}
	return order, alerts, nil
}

// applyStatusChange mutates the in-memory order for a status
// transition and performs the stock side effect of cancellation.
// Stock is released exactly once; stock_restored guards a later
// delete from releasing again.
func (h *OrderHandler) applyStatusChange(ctx context.Context, tx *sql.Tx, order *models.Order, to models.OrderStatus, actor, reason string) error {
	now := h.now()
	switch to {
	case models.OrderStatusCancelled, models.OrderStatusReturned:
		if !order.StockRestored {
			if err := h.ledger.Release(ctx, tx, order.Items); err != nil {
				return err
			}
			order.StockRestored = true
		}
		if to == models.OrderStatusCancelled {
			order.CancelledAt = &now
			order.CancelledBy = actor
			order.CancelReason = reason
		}
	case models.OrderStatusDelivered:
		order.DeliveredAt = &now
	}
	order.OrderStatus = to
	return nil
}

// UpdateOrderStatus is the status-only PATCH endpoint.
func (h *OrderHandler) UpdateOrderStatus(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "UpdateOrderStatus")
	defer span.End()

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondMetaError(c, http.StatusBadRequest, "invalid order ID")
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	var req models.UpdateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondMetaError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrderStatus == "" && req.PaymentStatus == "" {
		respondMetaError(c, http.StatusBadRequest, "order_status or payment_status is required")
		return
	}
	if req.OrderStatus != "" && !models.ValidOrderStatus(req.OrderStatus) {
		respondMetaError(c, http.StatusBadRequest, "invalid order status")
		return
	}
	if req.PaymentStatus != "" && !models.ValidPaymentStatus(req.PaymentStatus) {
		respondMetaError(c, http.StatusBadRequest, "invalid payment status")
		return
	}

	order, err := h.updateStatusTx(ctx, orderID, &req)
	if err != nil {
		var rule *transitionError
		if errors.As(err, &rule) {
			respondMetaError(c, http.StatusBadRequest, rule.Error())
			return
		}
		span.RecordError(err)
		h.respondOrderError(c, err, "update_status")
		return
	}

	h.publishOrderEvent(ctx, order, "order_status_changed")
	if order.StockRestored {
		h.invalidateProducts(ctx, order.Items)
	}

	h.logger.Info("Order status updated",
		zap.Int("order_id", order.ID),
		zap.String("order_status", string(order.OrderStatus)),
		zap.String("payment_status", string(order.PaymentStatus)),
	)
	respondMeta(c, http.StatusOK, "order status updated", order)
}

func (h *OrderHandler) updateStatusTx(ctx context.Context, orderID int, req *models.UpdateOrderStatusRequest) (*models.Order, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	order, err := scanOrder(tx.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load order %d: %w", orderID, err)
	}

	order.Items, err = loadOrderItems(ctx, tx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}

	if req.OrderStatus != "" {
		if !models.CanTransition(order.OrderStatus, req.OrderStatus) {
			return nil, &transitionError{from: order.OrderStatus, to: req.OrderStatus}
		}
		if req.OrderStatus != order.OrderStatus {
			if err := h.applyStatusChange(ctx, tx, order, req.OrderStatus, req.CancelledBy, req.CancelReason); err != nil {
				return nil, err
			}
		}
	}
	if req.PaymentStatus != "" {
		order.PaymentStatus = req.PaymentStatus
	}
	if req.TrackingNumber != "" {
		order.TrackingNumber = req.TrackingNumber
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE orders SET order_status = $1, payment_status = $2,
			stock_restored = $3, cancelled_at = $4, cancelled_by = $5, cancel_reason = $6,
			delivered_at = $7, tracking_number = $8, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $9`,
		order.OrderStatus, order.PaymentStatus,
		order.StockRestored, order.CancelledAt, order.CancelledBy, order.CancelReason,
		order.DeliveredAt, order.TrackingNumber, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return order, nil
}

// DeleteOrder removes an order after giving its reservations back.
func (h *OrderHandler) DeleteOrder(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "DeleteOrder")
	defer span.End()

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondMetaError(c, http.StatusBadRequest, "invalid order ID")
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	order, err := h.deleteOrderTx(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		h.respondOrderError(c, err, "delete")
		return
	}

	h.publishOrderEvent(ctx, order, "order_deleted")
	h.invalidateProducts(ctx, order.Items)

	h.logger.Info("Order deleted", zap.Int("order_id", orderID))
	respondMeta(c, http.StatusOK, "order deleted", gin.H{"id": orderID})
}

func (h *OrderHandler) deleteOrderTx(ctx context.Context, orderID int) (*models.Order, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	order, err := scanOrder(tx.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load order %d: %w", orderID, err)
	}

	order.Items, err = loadOrderItems(ctx, tx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}

	if !order.StockRestored {
		if err := h.ledger.Release(ctx, tx, order.Items); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM orders WHERE id = $1", orderID); err != nil {
		return nil, fmt.Errorf("delete order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return order, nil
}

// BulkUpdateStatus applies the same status fields to a set of
// orders in one write. It validates shape and enum values only; it
// does not consult the transition table because one value is applied
// across heterogeneous current states.
func (h *OrderHandler) BulkUpdateStatus(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "BulkUpdateStatus")
	defer span.End()

	var req models.BulkOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondMetaError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.OrderIDs) == 0 {
		respondMetaError(c, http.StatusBadRequest, "order_ids must be a non-empty array")
		return
	}
	if req.OrderStatus == "" && req.PaymentStatus == "" {
		respondMetaError(c, http.StatusBadRequest, "order_status or payment_status is required")
		return
	}
	if req.OrderStatus != "" && !models.ValidOrderStatus(req.OrderStatus) {
		respondMetaError(c, http.StatusBadRequest, "invalid order status")
		return
	}
	if req.PaymentStatus != "" && !models.ValidPaymentStatus(req.PaymentStatus) {
		respondMetaError(c, http.StatusBadRequest, "invalid payment status")
		return
	}

	set := "updated_at = CURRENT_TIMESTAMP"
	args := []any{}
	if req.OrderStatus != "" {
		args = append(args, req.OrderStatus)
		set += fmt.Sprintf(", order_status = $%d", len(args))
	}
	if req.PaymentStatus != "" {
		args = append(args, req.PaymentStatus)
		set += fmt.Sprintf(", payment_status = $%d", len(args))
	}
	args = append(args, pq.Array(req.OrderIDs))

	result, err := h.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE orders SET %s WHERE id = ANY($%d)", set, len(args)), args...)
	if err != nil {
		span.RecordError(err)
		h.respondOrderError(c, err, "bulk_status")
		return
	}
	modified, _ := result.RowsAffected()

	span.SetAttributes(attribute.Int64("orders.modified", modified))
	h.logger.Info("Bulk order status update", zap.Int64("modified", modified))
	respondMeta(c, http.StatusOK, "orders updated", gin.H{"modified": modified})
}

// OrderAnalytics serves the read-only overview: counts per status,
// paid revenue, and today's volume.
func (h *OrderHandler) OrderAnalytics(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "OrderAnalytics")
	defer span.End()

	byStatus := map[string]int{}
	rows, err := h.db.QueryContext(ctx, "SELECT order_status, COUNT(*) FROM orders GROUP BY order_status")
	if err != nil {
		span.RecordError(err)
		h.respondOrderError(c, err, "analytics")
		return
	}
	defer rows.Close()
	total := 0
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			span.RecordError(err)
			h.respondOrderError(c, err, "analytics")
			return
		}
		byStatus[status] = count
		total += count
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		h.respondOrderError(c, err, "analytics")
		return
	}

	var revenue float64
	err = h.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(total), 0) FROM orders WHERE payment_status = $1",
		models.PaymentStatusPaid,
	).Scan(&revenue)
	if err != nil {
		span.RecordError(err)
		h.respondOrderError(c, err, "analytics")
		return
	}

	from, to := ordernum.DayBounds(h.now())
	var today int
	err = h.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM orders WHERE created_at >= $1 AND created_at < $2",
		from, to,
	).Scan(&today)
	if err != nil {
		span.RecordError(err)
		h.respondOrderError(c, err, "analytics")
		return
	}

	respondMeta(c, http.StatusOK, "analytics fetched", gin.H{
		"total_orders": total,
		"by_status":    byStatus,
		"revenue":      revenue,
		"orders_today": today,
	})
}

// ExportCSV streams the filtered order list as CSV.
func (h *OrderHandler) ExportCSV(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "ExportCSV")
	defer span.End()

	filters, err := buildOrderFilters(c)
	if err != nil {
		respondMetaError(c, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := h.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders"+filters.clause()+" ORDER BY created_at DESC", filters.args...)
	if err != nil {
		span.RecordError(err)
		h.respondOrderError(c, err, "export")
		return
	}
	defer rows.Close()

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="orders.csv"`)

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"order_number", "user_id", "order_status", "payment_status", "payment_method", "subtotal", "tax", "discount", "shipping_cost", "total", "created_at"})
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan order for export", zap.Error(err))
			return
		}
		_ = w.Write([]string{
			order.OrderNumber,
			strconv.Itoa(order.UserID),
			string(order.OrderStatus),
			string(order.PaymentStatus),
			string(order.PaymentMethod),
			strconv.FormatFloat(order.Subtotal, 'f', 2, 64),
			strconv.FormatFloat(order.Tax, 'f', 2, 64),
			strconv.FormatFloat(order.Discount, 'f', 2, 64),
			strconv.FormatFloat(order.ShippingCost, 'f', 2, 64),
			strconv.FormatFloat(order.Total, 'f', 2, 64),
			order.CreatedAt.Format(time.RFC3339),
		})
	}
	w.Flush()
}
