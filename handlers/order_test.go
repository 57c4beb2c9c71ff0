package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"commerce-svc/models"
	"commerce-svc/ordernum"
	"commerce-svc/stock"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var testNow = time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

func setupOrderTest(t *testing.T) (*OrderHandler, sqlmock.Sqlmock, *gin.Engine) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	handler := &OrderHandler{
		db:     db,
		ledger: stock.NewLedger(logger),
		logger: logger,
		now:    func() time.Time { return testNow },
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/admin/orders", handler.CreateOrder)
	router.GET("/admin/orders/:id", handler.GetOrder)
	router.PUT("/admin/orders/:id", handler.UpdateOrder)
	router.PATCH("/admin/orders/:id/status", handler.UpdateOrderStatus)
	router.DELETE("/admin/orders/:id", handler.DeleteOrder)
	router.PATCH("/admin/orders/bulk/status", handler.BulkUpdateStatus)

	return handler, mock, router
}

type metaEnvelope struct {
	Data json.RawMessage `json:"data"`
	Meta struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"meta"`
}

func decodeMeta(t *testing.T, w *httptest.ResponseRecorder) metaEnvelope {
	t.Helper()
	var env metaEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return env
}

const orderColumnsPattern = `(?s)SELECT id, order_number, user_id,.*FROM orders WHERE id = \$1`

func orderRowColumns() []string {
	return []string{
		"id", "order_number", "user_id", "shipping_address", "billing_address",
		"payment_method", "payment_status", "order_status",
		"subtotal", "tax", "discount", "shipping_cost", "total",
		"stock_restored", "cancelled_at", "cancelled_by", "cancel_reason",
		"delivered_at", "tracking_number", "created_at", "updated_at",
	}
}

func pendingOrderRow(stockRestored bool) *sqlmock.Rows {
	return sqlmock.NewRows(orderRowColumns()).AddRow(
		1, "ORD2603090001", 1,
		[]byte(`{"name":"Rahim","line1":"12 Lake Road","city":"Dhaka","country":"BD"}`), nil,
		models.PaymentMethodCashOnDelivery, models.PaymentStatusPending, models.OrderStatusPending,
		100.0, 0.0, 0.0, 0.0, 100.0,
		stockRestored, nil, "", "", nil, "",
		testNow, testNow,
	)
}

func expectOrderItems(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT id, order_id, product_id, title, image, price, quantity, total FROM order_items WHERE order_id = \$1 ORDER BY id`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "product_id", "title", "image", "price", "quantity", "total"}).
			AddRow(11, 1, 7, "Widget", "", 50.0, 2, 100.0))
}

func TestOrderHandler_GetOrder_Success(t *testing.T) {
	handler, mock, router := setupOrderTest(t)
	defer handler.db.Close()

	mock.ExpectQuery(orderColumnsPattern).
		WithArgs(1).
		WillReturnRows(pendingOrderRow(false))
	expectOrderItems(mock)

	req := httptest.NewRequest(http.MethodGet, "/admin/orders/1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	env := decodeMeta(t, w)
	var order models.Order
	if err := json.Unmarshal(env.Data, &order); err != nil {
		t.Fatalf("Failed to decode order: %v", err)
	}
	if order.OrderNumber != "ORD2603090001" {
		t.Errorf("order_number = %q, want ORD2603090001", order.OrderNumber)
	}
	if len(order.Items) != 1 || order.Items[0].ProductID != 7 {
		t.Errorf("Unexpected items: %+v", order.Items)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_GetOrder_NotFound(t *testing.T) {
	handler, mock, router := setupOrderTest(t)
	defer handler.db.Close()

	mock.ExpectQuery(orderColumnsPattern).
		WithArgs(999).
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/admin/orders/999", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if env := decodeMeta(t, w); env.Meta.Message != "order not found" {
		t.Errorf("message = %q, want %q", env.Meta.Message, "order not found")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func createOrderBody() *bytes.Buffer {
	body, _ := json.Marshal(models.CreateOrderRequest{
		UserID: 1,
		Items: []models.CreateOrderItemRequest{
			{ProductID: 7, Quantity: 2},
		},
		ShippingAddr: &models.Address{Name: "Rahim", Line1: "12 Lake Road", City: "Dhaka", Country: "BD"},
		Total:        100,
	})
	return bytes.NewBuffer(body)
}

func TestOrderHandler_CreateOrder_Success(t *testing.T) {
	handler, mock, router := setupOrderTest(t)
	defer handler.db.Close()

	from, to := ordernum.DayBounds(testNow)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`SELECT id, title, image, price, discount_price FROM products WHERE id = \$1`).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "image", "price", "discount_price"}).
			AddRow(7, "Widget", "", 50.0, nil))
	mock.ExpectQuery(`(?s)UPDATE products\s+SET stock = stock - \$1.*RETURNING title, stock, low_stock_threshold`).
		WithArgs(2, 7).
		WillReturnRows(sqlmock.NewRows([]string{"title", "stock", "low_stock_threshold"}).
			AddRow("Widget", 48, 5))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM orders WHERE created_at >= \$1 AND created_at < \$2`).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`(?s)INSERT INTO orders.*RETURNING id, created_at, updated_at`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(1, testNow, testNow))
	mock.ExpectQuery(`(?s)INSERT INTO order_items.*RETURNING id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodPost, "/admin/orders", createOrderBody())
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}

	env := decodeMeta(t, w)
	var order models.Order
	if err := json.Unmarshal(env.Data, &order); err != nil {
		t.Fatalf("Failed to decode order: %v", err)
	}
	if order.OrderNumber != "ORD2603090001" {
		t.Errorf("order_number = %q, want ORD2603090001", order.OrderNumber)
	}
	if order.Subtotal != 100 {
		t.Errorf("subtotal = %v, want 100", order.Subtotal)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_CreateOrder_InsufficientStock(t *testing.T) {
	handler, mock, router := setupOrderTest(t)
	defer handler.db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`SELECT id, title, image, price, discount_price FROM products WHERE id = \$1`).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "image", "price", "discount_price"}).
			AddRow(7, "Widget", "", 50.0, nil))
	mock.ExpectQuery(`(?s)UPDATE products\s+SET stock = stock - \$1.*RETURNING title, stock, low_stock_threshold`).
		WithArgs(2, 7).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT title, stock FROM products WHERE id = \$1`).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"title", "stock"}).AddRow("Widget", 1))
	mock.ExpectRollback()

	req := httptest.NewRequest(http.MethodPost, "/admin/orders", createOrderBody())
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusBadRequest, w.Code, w.Body.String())
	}
	want := "insufficient stock for Widget: requested 2, available 1"
	if env := decodeMeta(t, w); env.Meta.Message != want {
		t.Errorf("message = %q, want %q", env.Meta.Message, want)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

// Every retry losing the same-day numbering race ends as a conflict
// answer, not a server error.
func TestOrderHandler_CreateOrder_NumberConflictExhausted(t *testing.T) {
	handler, mock, router := setupOrderTest(t)
	defer handler.db.Close()

	from, to := ordernum.DayBounds(testNow)

	for attempt := 0; attempt < 3; attempt++ {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1`).
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectQuery(`SELECT id, title, image, price, discount_price FROM products WHERE id = \$1`).
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"id", "title", "image", "price", "discount_price"}).
				AddRow(7, "Widget", "", 50.0, nil))
		mock.ExpectQuery(`(?s)UPDATE products\s+SET stock = stock - \$1.*RETURNING title, stock, low_stock_threshold`).
			WithArgs(2, 7).
			WillReturnRows(sqlmock.NewRows([]string{"title", "stock", "low_stock_threshold"}).
				AddRow("Widget", 48, 5))
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM orders WHERE created_at >= \$1 AND created_at < \$2`).
			WithArgs(from, to).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery(`(?s)INSERT INTO orders.*RETURNING id, created_at, updated_at`).
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/orders", createOrderBody())
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusBadRequest, w.Code, w.Body.String())
	}
	want := "order number conflict, please retry"
	if env := decodeMeta(t, w); env.Meta.Message != want {
		t.Errorf("message = %q, want %q", env.Meta.Message, want)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_CreateOrder_MissingItems(t *testing.T) {
	handler, _, router := setupOrderTest(t)
	defer handler.db.Close()

	body, _ := json.Marshal(map[string]any{
		"user_id":          1,
		"items":            []any{},
		"shipping_address": map[string]string{"name": "Rahim", "line1": "12 Lake Road", "city": "Dhaka"},
		"total":            100,
	})
	req := httptest.NewRequest(http.MethodPost, "/admin/orders", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestOrderHandler_UpdateOrderStatus_InvalidTransition(t *testing.T) {
	handler, mock, router := setupOrderTest(t)
	defer handler.db.Close()

	delivered := sqlmock.NewRows(orderRowColumns()).AddRow(
		1, "ORD2603090001", 1, nil, nil,
		models.PaymentMethodCashOnDelivery, models.PaymentStatusPaid, models.OrderStatusDelivered,
		100.0, 0.0, 0.0, 0.0, 100.0,
		false, nil, "", "", testNow, "",
		testNow, testNow,
	)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT id, order_number, user_id,.*FROM orders WHERE id = \$1 FOR UPDATE`).
		WithArgs(1).
		WillReturnRows(delivered)
	expectOrderItems(mock)
	mock.ExpectRollback()

	body, _ := json.Marshal(models.UpdateOrderStatusRequest{OrderStatus: models.OrderStatusPending})
	req := httptest.NewRequest(http.MethodPatch, "/admin/orders/1/status", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusBadRequest, w.Code, w.Body.String())
	}
	want := "invalid status transition from delivered to pending"
	if env := decodeMeta(t, w); env.Meta.Message != want {
		t.Errorf("message = %q, want %q", env.Meta.Message, want)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_UpdateOrderStatus_CancelReleasesStock(t *testing.T) {
	handler, mock, router := setupOrderTest(t)
	defer handler.db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT id, order_number, user_id,.*FROM orders WHERE id = \$1 FOR UPDATE`).
		WithArgs(1).
		WillReturnRows(pendingOrderRow(false))
	expectOrderItems(mock)
	mock.ExpectExec(`(?s)UPDATE products\s+SET stock = stock \+ \$1`).
		WithArgs(2, 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)UPDATE orders SET order_status = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	body, _ := json.Marshal(models.UpdateOrderStatusRequest{
		OrderStatus:  models.OrderStatusCancelled,
		CancelledBy:  "admin",
		CancelReason: "customer request",
	})
	req := httptest.NewRequest(http.MethodPatch, "/admin/orders/1/status", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

// Cancelling through the full-update endpoint carries the same
// cancellation metadata as the status-only endpoint.
func TestOrderHandler_UpdateOrder_CancelRecordsMetadata(t *testing.T) {
	handler, mock, router := setupOrderTest(t)
	defer handler.db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT id, order_number, user_id,.*FROM orders WHERE id = \$1 FOR UPDATE`).
		WithArgs(1).
		WillReturnRows(pendingOrderRow(false))
	expectOrderItems(mock)
	mock.ExpectExec(`(?s)UPDATE products\s+SET stock = stock \+ \$1`).
		WithArgs(2, 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`(?s)UPDATE orders SET shipping_address = \$1.*RETURNING updated_at`).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(testNow))
	mock.ExpectCommit()

	body, _ := json.Marshal(models.UpdateOrderRequest{
		OrderStatus:  models.OrderStatusCancelled,
		CancelledBy:  "admin",
		CancelReason: "customer request",
	})
	req := httptest.NewRequest(http.MethodPut, "/admin/orders/1", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	env := decodeMeta(t, w)
	var order models.Order
	if err := json.Unmarshal(env.Data, &order); err != nil {
		t.Fatalf("Failed to decode order: %v", err)
	}
	if order.OrderStatus != models.OrderStatusCancelled {
		t.Errorf("order_status = %s, want cancelled", order.OrderStatus)
	}
	if order.CancelledBy != "admin" || order.CancelReason != "customer request" {
		t.Errorf("Cancellation metadata not recorded: by=%q reason=%q", order.CancelledBy, order.CancelReason)
	}
	if order.CancelledAt == nil {
		t.Error("cancelled_at not stamped")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_DeleteOrder_ReleasesStock(t *testing.T) {
	handler, mock, router := setupOrderTest(t)
	defer handler.db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT id, order_number, user_id,.*FROM orders WHERE id = \$1 FOR UPDATE`).
		WithArgs(1).
		WillReturnRows(pendingOrderRow(false))
	expectOrderItems(mock)
	mock.ExpectExec(`(?s)UPDATE products\s+SET stock = stock \+ \$1`).
		WithArgs(2, 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM orders WHERE id = \$1`).
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodDelete, "/admin/orders/1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

// An order whose stock already went back on cancellation must not
// release again when deleted.
func TestOrderHandler_DeleteOrder_SkipsRestoredStock(t *testing.T) {
	handler, mock, router := setupOrderTest(t)
	defer handler.db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT id, order_number, user_id,.*FROM orders WHERE id = \$1 FOR UPDATE`).
		WithArgs(1).
		WillReturnRows(pendingOrderRow(true))
	expectOrderItems(mock)
	mock.ExpectExec(`DELETE FROM orders WHERE id = \$1`).
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodDelete, "/admin/orders/1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_BulkUpdateStatus_EmptyIDs(t *testing.T) {
	handler, _, router := setupOrderTest(t)
	defer handler.db.Close()

	body, _ := json.Marshal(models.BulkOrderStatusRequest{
		OrderIDs:    []int{},
		OrderStatus: models.OrderStatusConfirmed,
	})
	req := httptest.NewRequest(http.MethodPatch, "/admin/orders/bulk/status", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if env := decodeMeta(t, w); env.Meta.Message != "order_ids must be a non-empty array" {
		t.Errorf("Unexpected message: %q", env.Meta.Message)
	}
}

func TestOrderHandler_BulkUpdateStatus_Success(t *testing.T) {
	handler, mock, router := setupOrderTest(t)
	defer handler.db.Close()

	mock.ExpectExec(`UPDATE orders SET updated_at = CURRENT_TIMESTAMP, order_status = \$1 WHERE id = ANY\(\$2\)`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	body, _ := json.Marshal(models.BulkOrderStatusRequest{
		OrderIDs:    []int{1, 2, 3},
		OrderStatus: models.OrderStatusConfirmed,
	})
	req := httptest.NewRequest(http.MethodPatch, "/admin/orders/bulk/status", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var env metaEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	var data struct {
		Modified int64 `json:"modified"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("Failed to decode data: %v", err)
	}
	if data.Modified != 3 {
		t.Errorf("modified = %d, want 3", data.Modified)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}
