package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"commerce-svc/cache"
	"commerce-svc/circuitbreaker"
	"commerce-svc/models"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type ProductHandler struct {
	db             *sql.DB
	redis          *redis.Client
	logger         *zap.Logger
	circuitBreaker *circuitbreaker.CircuitBreaker
}

func NewProductHandler(db *sql.DB, redisClient *redis.Client, logger *zap.Logger) *ProductHandler {
	return &ProductHandler{
		db:             db,
		redis:          redisClient,
		logger:         logger,
		circuitBreaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
	}
}

const productColumns = "id, sku, title, image, price, discount_price, stock, minimum_order, low_stock_threshold, status, created_at, updated_at"

func scanProduct(row rowScanner) (*models.Product, error) {
	var p models.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Title, &p.Image, &p.Price, &p.DiscountPrice,
		&p.Stock, &p.MinimumOrder, &p.LowStockThreshold, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// validateProduct enforces the catalog invariants at write time.
// minimumOrder <= stock is a purchase-time rule checked here only;
// later stock movements from orders do not re-validate it.
func validateProduct(p *models.Product) string {
	if p.Price < 0 {
		return "price must not be negative"
	}
	if p.DiscountPrice != nil && *p.DiscountPrice >= p.Price {
		return "discount price must be less than price"
	}
	if p.Stock < 0 {
		return "stock must not be negative"
	}
	if p.MinimumOrder < 1 {
		return "minimum order must be at least 1"
	}
	if p.MinimumOrder > p.Stock {
		return "minimum order must not exceed stock"
	}
	if p.Status != models.ProductStatusActive && p.Status != models.ProductStatusInactive {
		return "status must be active or inactive"
	}
	return ""
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (h *ProductHandler) ListProducts(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "ListProducts")
	defer span.End()

	page, limit := pageParams(c)
	where := ""
	args := []any{}
	if status := c.Query("status"); status != "" {
		args = append(args, status)
		where = " WHERE status = $1"
	}

	var total int
	if err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM products"+where, args...).Scan(&total); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to count products", zap.Error(err))
		respondFailure(c, http.StatusInternalServerError, "internal server error")
		return
	}

	query := "SELECT " + productColumns + " FROM products" + where +
		" ORDER BY id LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, limit, (page-1)*limit)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch products", zap.Error(err))
		respondFailure(c, http.StatusInternalServerError, "internal server error")
		return
	}
	defer rows.Close()

	products := []*models.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan product", zap.Error(err))
			continue
		}
		products = append(products, p)
	}

	span.SetAttributes(attribute.Int("products.count", len(products)))
	respondSuccessList(c, http.StatusOK, "products fetched", products, page, limit, total)
}

func (h *ProductHandler) GetProduct(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "GetProduct")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("product.id", id))

	// Try to get from cache first
	if h.redis != nil {
		cachedData, err := cache.GetProduct(ctx, h.redis, id)
		if err == nil {
			var product models.Product
			if err := json.Unmarshal(cachedData, &product); err == nil {
				span.SetAttributes(attribute.Bool("cache.hit", true))
				respondSuccess(c, http.StatusOK, "product fetched", product)
				return
			}
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	// Get from database with circuit breaker
	var product *models.Product
	dbErr := h.circuitBreaker.Execute(ctx, func() error {
		var err error
		product, err = scanProduct(h.db.QueryRowContext(ctx,
			"SELECT "+productColumns+" FROM products WHERE id = $1", id))
		return err
	})

	if dbErr != nil {
		if errors.Is(dbErr, circuitbreaker.ErrCircuitOpen) {
			span.SetAttributes(attribute.String("circuit.state", "open"))
			respondFailure(c, http.StatusServiceUnavailable, "service temporarily unavailable")
			return
		}
		if errors.Is(dbErr, sql.ErrNoRows) {
			respondFailure(c, http.StatusBadRequest, "product not found")
			return
		}
		span.RecordError(dbErr)
		h.logger.Error("Failed to fetch product", zap.Error(dbErr))
		respondFailure(c, http.StatusInternalServerError, "internal server error")
		return
	}

	if h.redis != nil {
		cache.SetProduct(ctx, h.redis, id, product, cache.DefaultTTL)
	}

	respondSuccess(c, http.StatusOK, "product fetched", product)
}

func (h *ProductHandler) CreateProduct(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "CreateProduct")
	defer span.End()

	var req models.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFailure(c, http.StatusBadRequest, "sku, title and price are required")
		return
	}
	if req.MinimumOrder == 0 {
		req.MinimumOrder = 1
	}
	if req.LowStockThreshold == 0 {
		req.LowStockThreshold = 5
	}
	if req.Status == "" {
		req.Status = models.ProductStatusActive
	}

	product := &models.Product{
		SKU:               req.SKU,
		Title:             req.Title,
		Image:             req.Image,
		Price:             req.Price,
		DiscountPrice:     req.DiscountPrice,
		Stock:             req.Stock,
		MinimumOrder:      req.MinimumOrder,
		LowStockThreshold: req.LowStockThreshold,
		Status:            req.Status,
	}
	if msg := validateProduct(product); msg != "" {
		respondFailure(c, http.StatusBadRequest, msg)
		return
	}

	err := h.db.QueryRowContext(ctx,
		`INSERT INTO products (sku, title, image, price, discount_price, stock, minimum_order, low_stock_threshold, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at, updated_at`,
		product.SKU, product.Title, product.Image, product.Price, product.DiscountPrice,
		product.Stock, product.MinimumOrder, product.LowStockThreshold, product.Status,
	).Scan(&product.ID, &product.CreatedAt, &product.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			respondFailure(c, http.StatusBadRequest, "a product with this SKU already exists")
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to create product", zap.Error(err))
		respondFailure(c, http.StatusInternalServerError, "internal server error")
		return
	}

	span.SetAttributes(attribute.Int("product.id", product.ID))
	h.logger.Info("Product created", zap.Int("product_id", product.ID), zap.String("sku", product.SKU))
	respondSuccess(c, http.StatusCreated, "product created", product)
}

func (h *ProductHandler) UpdateProduct(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "UpdateProduct")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("product.id", id))

	var req models.UpdateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFailure(c, http.StatusBadRequest, "invalid request body")
		return
	}

	product, err := scanProduct(h.db.QueryRowContext(ctx,
		"SELECT "+productColumns+" FROM products WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		respondFailure(c, http.StatusBadRequest, "product not found")
		return
	}
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to load product", zap.Error(err))
		respondFailure(c, http.StatusInternalServerError, "internal server error")
		return
	}

	if req.Title != "" {
		product.Title = req.Title
	}
	if req.Image != "" {
		product.Image = req.Image
	}
	if req.Price != nil {
		product.Price = *req.Price
	}
	if req.DiscountPrice != nil {
		product.DiscountPrice = req.DiscountPrice
	}
	if req.Stock != nil {
		product.Stock = *req.Stock
	}
	if req.MinimumOrder != nil {
		product.MinimumOrder = *req.MinimumOrder
	}
	if req.LowStockThreshold != nil {
		product.LowStockThreshold = *req.LowStockThreshold
	}
	if req.Status != "" {
		product.Status = req.Status
	}
	if msg := validateProduct(product); msg != "" {
		respondFailure(c, http.StatusBadRequest, msg)
		return
	}

	err = h.db.QueryRowContext(ctx,
		`UPDATE products SET title = $1, image = $2, price = $3, discount_price = $4,
			stock = $5, minimum_order = $6, low_stock_threshold = $7, status = $8,
			updated_at = CURRENT_TIMESTAMP
		 WHERE id = $9 RETURNING updated_at`,
		product.Title, product.Image, product.Price, product.DiscountPrice,
		product.Stock, product.MinimumOrder, product.LowStockThreshold, product.Status, id,
	).Scan(&product.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to update product", zap.Error(err))
		respondFailure(c, http.StatusInternalServerError, "internal server error")
		return
	}

	// Invalidate cache
	if h.redis != nil {
		cache.DeleteProduct(ctx, h.redis, id)
	}

	h.logger.Info("Product updated", zap.String("product_id", id))
	respondSuccess(c, http.StatusOK, "product updated", product)
}

func (h *ProductHandler) DeleteProduct(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "DeleteProduct")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("product.id", id))

	result, err := h.db.ExecContext(ctx, "DELETE FROM products WHERE id = $1", id)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to delete product", zap.Error(err))
		respondFailure(c, http.StatusInternalServerError, "internal server error")
		return
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		respondFailure(c, http.StatusBadRequest, "product not found")
		return
	}

	// Invalidate cache
	if h.redis != nil {
		cache.DeleteProduct(ctx, h.redis, id)
	}

	h.logger.Info("Product deleted", zap.String("product_id", id))
	respondSuccess(c, http.StatusOK, "product deleted", gin.H{"id": id})
}
