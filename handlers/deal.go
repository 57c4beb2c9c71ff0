package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"commerce-svc/cache"
	"commerce-svc/circuitbreaker"
	"commerce-svc/deals"
	"commerce-svc/models"
	"commerce-svc/storage"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type DealHandler struct {
	db             *sql.DB
	redis          *redis.Client
	uploader       storage.Uploader
	logger         *zap.Logger
	circuitBreaker *circuitbreaker.CircuitBreaker
	now            func() time.Time
}

func NewDealHandler(db *sql.DB, redisClient *redis.Client, uploader storage.Uploader, logger *zap.Logger) *DealHandler {
	return &DealHandler{
		db:             db,
		redis:          redisClient,
		uploader:       uploader,
		logger:         logger,
		circuitBreaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
		now:            time.Now,
	}
}

const dealColumns = `id, title, deal_type, discount_value, original_price, deal_price,
	category_id, start_date, end_date, is_active, is_featured, max_uses, min_order_value,
	applicable_products, applicable_categories, tags, images, created_at, updated_at`

func scanDeal(row rowScanner) (*models.Deal, error) {
	var d models.Deal
	err := row.Scan(
		&d.ID, &d.Title, &d.DealType, &d.DiscountValue, &d.OriginalPrice, &d.DealPrice,
		&d.CategoryID, &d.StartDate, &d.EndDate, &d.IsActive, &d.IsFeatured, &d.MaxUses, &d.MinOrderValue,
		&d.ApplicableProducts, &d.ApplicableCategories, &d.Tags, &d.Images, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// applyDealForm folds multipart form fields onto the deal. Only
// fields present in the form are touched, which makes the same
// parser serve both create (onto a zero deal with defaults) and
// update (onto the stored deal).
func applyDealForm(c *gin.Context, d *models.Deal) error {
	if v, ok := c.GetPostForm("title"); ok {
		d.Title = v
	}
	if v, ok := c.GetPostForm("deal_type"); ok {
		d.DealType = models.DealType(v)
	}
	if v, ok := c.GetPostForm("discount_value"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid discount_value")
		}
		d.DiscountValue = f
	}
	if v, ok := c.GetPostForm("original_price"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid original_price")
		}
		d.OriginalPrice = f
	}
	if v, ok := c.GetPostForm("deal_price"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid deal_price")
		}
		d.DealPrice = f
	}
	if v, ok := c.GetPostForm("category_id"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid category_id")
		}
		d.CategoryID = n
	}
	if v, ok := c.GetPostForm("start_date"); ok {
		t, err := parseDateParam(v)
		if err != nil {
			return fmt.Errorf("invalid start_date")
		}
		d.StartDate = t
	}
	if v, ok := c.GetPostForm("end_date"); ok {
		t, err := parseDateParam(v)
		if err != nil {
			return fmt.Errorf("invalid end_date")
		}
		d.EndDate = t
	}
	if v, ok := c.GetPostForm("is_active"); ok {
		d.IsActive = v == "true" || v == "1"
	}
	if v, ok := c.GetPostForm("is_featured"); ok {
		d.IsFeatured = v == "true" || v == "1"
	}
	if v, ok := c.GetPostForm("max_uses"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid max_uses")
		}
		d.MaxUses = n
	}
	if v, ok := c.GetPostForm("min_order_value"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid min_order_value")
		}
		d.MinOrderValue = f
	}
	// List-valued fields arrive as comma-separated strings.
	if v, ok := c.GetPostForm("tags"); ok {
		d.Tags = deals.SplitList(v)
	}
	if v, ok := c.GetPostForm("applicable_products"); ok {
		d.ApplicableProducts = deals.SplitList(v)
	}
	if v, ok := c.GetPostForm("applicable_categories"); ok {
		d.ApplicableCategories = deals.SplitList(v)
	}
	return nil
}

func dealInput(d *models.Deal) *deals.Input {
	return &deals.Input{
		Title:         d.Title,
		DealType:      d.DealType,
		DiscountValue: d.DiscountValue,
		OriginalPrice: d.OriginalPrice,
		DealPrice:     d.DealPrice,
		CategoryID:    d.CategoryID,
		StartDate:     d.StartDate,
		EndDate:       d.EndDate,
		MaxUses:       d.MaxUses,
		MinOrderValue: d.MinOrderValue,
	}
}

// uploadImages pushes each form file through the storage
// collaborator and returns the stored URLs. Any failure aborts the
// whole request.
func (h *DealHandler) uploadImages(c *gin.Context, files []*multipart.FileHeader) ([]string, error) {
	urls := make([]string, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open image %s: %w", fh.Filename, err)
		}
		url, err := h.uploader.Upload(c.Request.Context(), fh.Filename, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("upload image %s: %w", fh.Filename, err)
		}
		urls = append(urls, url)
	}
	return urls, nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

func (h *DealHandler) AddDeal(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "AddDeal")
	defer span.End()

	deal := &models.Deal{
		DealType: models.DealTypePercentage,
		IsActive: true,
		MaxUses:  -1,
	}
	if err := applyDealForm(c, deal); err != nil {
		respondFailure(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := deals.ValidateCreate(dealInput(deal), h.now()); err != nil {
		respondFailure(c, http.StatusBadRequest, err.Error())
		return
	}

	if form, err := c.MultipartForm(); err == nil && form != nil {
		urls, err := h.uploadImages(c, form.File["images"])
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to upload deal images", zap.Error(err))
			respondFailure(c, http.StatusInternalServerError, "failed to upload images")
			return
		}
		deal.Images = append(deal.Images, urls...)
	}

	err := h.db.QueryRowContext(ctx,
		`INSERT INTO deals (title, deal_type, discount_value, original_price, deal_price,
			category_id, start_date, end_date, is_active, is_featured, max_uses, min_order_value,
			applicable_products, applicable_categories, tags, images)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 RETURNING id, created_at, updated_at`,
		deal.Title, deal.DealType, deal.DiscountValue, deal.OriginalPrice, deal.DealPrice,
		deal.CategoryID, deal.StartDate, deal.EndDate, deal.IsActive, deal.IsFeatured,
		deal.MaxUses, deal.MinOrderValue,
		pq.Array(deal.ApplicableProducts), pq.Array(deal.ApplicableCategories),
		pq.Array(deal.Tags), pq.Array(deal.Images),
	).Scan(&deal.ID, &deal.CreatedAt, &deal.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			respondFailure(c, http.StatusBadRequest, "category not found")
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to create deal", zap.Error(err))
		respondFailure(c, http.StatusInternalServerError, "internal server error")
		return
	}

	span.SetAttributes(attribute.Int("deal.id", deal.ID))
	h.logger.Info("Deal created", zap.Int("deal_id", deal.ID), zap.String("title", deal.Title))
	respondSuccess(c, http.StatusCreated, "deal created", deal)
}

func (h *DealHandler) ListDeals(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "ListDeals")
	defer span.End()

	f := &orderFilters{}
	if v := c.Query("isActive"); v != "" {
		f.add("is_active = $%d", v == "true")
	}
	if v := c.Query("featured"); v != "" {
		f.add("is_featured = $%d", v == "true")
	}
	if v := c.Query("dealType"); v != "" {
		if !models.ValidDealType(models.DealType(v)) {
			respondFailure(c, http.StatusBadRequest, "invalid deal type filter")
			return
		}
		f.add("deal_type = $%d", v)
	}
	if v := c.Query("category"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondFailure(c, http.StatusBadRequest, "invalid category filter")
			return
		}
		f.add("category_id = $%d", n)
	}
	if v := c.Query("search"); v != "" {
		f.add("title ILIKE $%d", "%"+v+"%")
	}
	// Deals past their window keep is_active until toggled; the
	// current filter narrows to the live date range at query time.
	if c.Query("current") == "true" {
		now := h.now()
		f.add("start_date <= $%d", now)
		f.add("end_date > $%d", now)
	}

	page, limit := pageParams(c)

	var total int
	if err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM deals"+f.clause(), f.args...).Scan(&total); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to count deals", zap.Error(err))
		respondFailure(c, http.StatusInternalServerError, "internal server error")
		return
	}

	query := fmt.Sprintf("SELECT %s FROM deals%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		dealColumns, f.clause(), len(f.args)+1, len(f.args)+2)
	args := append(f.args, limit, (page-1)*limit)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch deals", zap.Error(err))
		respondFailure(c, http.StatusInternalServerError, "internal server error")
		return
	}
	defer rows.Close()

	dealsList := []*models.Deal{}
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan deal", zap.Error(err))
			continue
		}
		dealsList = append(dealsList, d)
	}

	span.SetAttributes(attribute.Int("deals.count", len(dealsList)))
	respondSuccessList(c, http.StatusOK, "deals fetched", dealsList, page, limit, total)
}

func (h *DealHandler) GetDeal(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "GetDeal")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("deal.id", id))

	if h.redis != nil {
		cachedData, err := cache.GetDeal(ctx, h.redis, id)
		if err == nil {
			var deal models.Deal
			if err := json.Unmarshal(cachedData, &deal); err == nil {
				span.SetAttributes(attribute.Bool("cache.hit", true))
				respondSuccess(c, http.StatusOK, "deal fetched", deal)
				return
			}
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	// Get from database with circuit breaker
	var deal *models.Deal
	dbErr := h.circuitBreaker.Execute(ctx, func() error {
		var err error
		deal, err = scanDeal(h.db.QueryRowContext(ctx,
			"SELECT "+dealColumns+" FROM deals WHERE id = $1", id))
		return err
	})

	if dbErr != nil {
		if errors.Is(dbErr, circuitbreaker.ErrCircuitOpen) {
			span.SetAttributes(attribute.String("circuit.state", "open"))
			respondFailure(c, http.StatusServiceUnavailable, "service temporarily unavailable")
			return
		}
		if errors.Is(dbErr, sql.ErrNoRows) {
			respondFailure(c, http.StatusBadRequest, "deal not found")
			return
		}
		span.RecordError(dbErr)
		h.logger.Error("Failed to fetch deal", zap.Error(dbErr))
		respondFailure(c, http.StatusInternalServerError, "internal server error")
		return
	}

	if h.redis != nil {
		cache.SetDeal(ctx, h.redis, id, deal, cache.DefaultTTL)
	}

	respondSuccess(c, http.StatusOK, "deal fetched", deal)
}

func (h *DealHandler) UpdateDeal(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "UpdateDeal")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("deal.id", id))

	deal, err := scanDeal(h.db.QueryRowContext(ctx,
		"SELECT "+dealColumns+" FROM deals WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		respondFailure(c, http.StatusBadRequest, "deal not found")
		return
	}
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to load deal", zap.Error(err))
		respondFailure(c, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := applyDealForm(c, deal); err != nil {
		respondFailure(c, http.StatusBadRequest, err.Error())
		return
	}
	// Updates do not re-check the past-start-date rule: the deal may
	// already be running.
	if err := deals.ValidateUpdate(dealInput(deal), h.now()); err != nil {
		respondFailure(c, http.StatusBadRequest, err.Error())
		return
	}

	if form, err := c.MultipartForm(); err == nil && form != nil {
		urls, err := h.uploadImages(c, form.File["images"])
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to upload deal images", zap.Error(err))
			respondFailure(c, http.StatusInternalServerError, "failed to upload images")
			return
		}
		deal.Images = append(deal.Images, urls...)
	}

	err = h.db.QueryRowContext(ctx,
		`UPDATE deals SET title = $1, deal_type = $2, discount_value = $3,
			original_price = $4, deal_price = $5, category_id = $6,
			start_date = $7, end_date = $8, is_active = $9, is_featured = $10,
			max_uses = $11, min_order_value = $12,
			applicable_products = $13, applicable_categories = $14, tags = $15, images = $16,
			updated_at = CURRENT_TIMESTAMP
		 WHERE id = $17 RETURNING updated_at`,
		deal.Title, deal.DealType, deal.DiscountValue,
		deal.OriginalPrice, deal.DealPrice, deal.CategoryID,
		deal.StartDate, deal.EndDate, deal.IsActive, deal.IsFeatured,
		deal.MaxUses, deal.MinOrderValue,
		pq.Array(deal.ApplicableProducts), pq.Array(deal.ApplicableCategories),
		pq.Array(deal.Tags), pq.Array(deal.Images), id,
	).Scan(&deal.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			respondFailure(c, http.StatusBadRequest, "category not found")
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to update deal", zap.Error(err))
		respondFailure(c, http.StatusInternalServerError, "internal server error")
		return
	}

	if h.redis != nil {
		cache.DeleteDeal(ctx, h.redis, id)
	}

	h.logger.Info("Deal updated", zap.String("deal_id", id))
	respondSuccess(c, http.StatusOK, "deal updated", deal)
}

func (h *DealHandler) DeleteDeal(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "DeleteDeal")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("deal.id", id))

	result, err := h.db.ExecContext(ctx, "DELETE FROM deals WHERE id = $1", id)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to delete deal", zap.Error(err))
		respondFailure(c, http.StatusInternalServerError, "internal server error")
		return
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		respondFailure(c, http.StatusBadRequest, "deal not found")
		return
	}

	if h.redis != nil {
		cache.DeleteDeal(ctx, h.redis, id)
	}

	h.logger.Info("Deal deleted", zap.String("deal_id", id))
	respondSuccess(c, http.StatusOK, "deal deleted", gin.H{"id": id})
}

// BulkUpdateDeals patches the active/featured flags across a set of
// deals in one write.
func (h *DealHandler) BulkUpdateDeals(c *gin.Context) {
	ctx, span := otel.Tracer("commerce-svc").Start(c.Request.Context(), "BulkUpdateDeals")
	defer span.End()

	var req models.BulkDealUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFailure(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.DealIDs) == 0 {
		respondFailure(c, http.StatusBadRequest, "deal_ids must be a non-empty array")
		return
	}
	if req.IsActive == nil && req.IsFeatured == nil {
		respondFailure(c, http.StatusBadRequest, "is_active or is_featured is required")
		return
	}

	set := "updated_at = CURRENT_TIMESTAMP"
	args := []any{}
	if req.IsActive != nil {
		args = append(args, *req.IsActive)
		set += fmt.Sprintf(", is_active = $%d", len(args))
	}
	if req.IsFeatured != nil {
		args = append(args, *req.IsFeatured)
		set += fmt.Sprintf(", is_featured = $%d", len(args))
	}
	args = append(args, pq.Array(req.DealIDs))

	result, err := h.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE deals SET %s WHERE id = ANY($%d)", set, len(args)), args...)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to bulk update deals", zap.Error(err))
		respondFailure(c, http.StatusInternalServerError, "internal server error")
		return
	}
	modified, _ := result.RowsAffected()

	if h.redis != nil {
		for _, id := range req.DealIDs {
			cache.DeleteDeal(ctx, h.redis, strconv.Itoa(id))
		}
	}

	span.SetAttributes(attribute.Int64("deals.modified", modified))
	h.logger.Info("Bulk deal update", zap.Int64("modified", modified))
	respondSuccess(c, http.StatusOK, "deals updated", gin.H{"modified": modified})
}
