package stock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"commerce-svc/models"

	"go.uber.org/zap"
)

// Querier is satisfied by both *sql.DB and *sql.Tx. Every order
// mutation runs the ledger inside a transaction so a failed item
// rolls back the decrements already applied for the same call.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var ErrProductNotFound = errors.New("product not found")

// InsufficientStockError names the product that could not cover the
// requested quantity.
type InsufficientStockError struct {
	ProductID int
	Title     string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	name := e.Title
	if name == "" {
		name = fmt.Sprintf("product %d", e.ProductID)
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", name, e.Requested, e.Available)
}

// LowStockAlert is emitted when a reserve leaves a product at or
// below its low-stock threshold.
type LowStockAlert struct {
	ProductID int
	Title     string
	Stock     int
	Threshold int
}

type Ledger struct {
	logger *zap.Logger
}

func NewLedger(logger *zap.Logger) *Ledger {
	return &Ledger{logger: logger}
}

// Reserve decrements stock for each line item. The decrement is a
// single conditional update guarded by `stock >= quantity`, so two
// concurrent orders can never drive stock below zero; there is no
// separate read of the current value.
func (l *Ledger) Reserve(ctx context.Context, q Querier, items []models.OrderItem) ([]LowStockAlert, error) {
	var alerts []LowStockAlert
	for _, item := range items {
		alert, err := l.reserveOne(ctx, q, item.ProductID, item.Quantity)
		if err != nil {
			return nil, err
		}
		if alert != nil {
			alerts = append(alerts, *alert)
		}
	}
	return alerts, nil
}

func (l *Ledger) reserveOne(ctx context.Context, q Querier, productID, quantity int) (*LowStockAlert, error) {
	var (
		title     string
		remaining int
		threshold int
	)
	err := q.QueryRowContext(ctx,
		`UPDATE products
		 SET stock = stock - $1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $2 AND stock >= $1
		 RETURNING title, stock, low_stock_threshold`,
		quantity, productID,
	).Scan(&title, &remaining, &threshold)

	if errors.Is(err, sql.ErrNoRows) {
		// Guard failed: either the product is gone or stock is short.
		var available int
		probeErr := q.QueryRowContext(ctx,
			"SELECT title, stock FROM products WHERE id = $1",
			productID,
		).Scan(&title, &available)
		if errors.Is(probeErr, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: product %d", ErrProductNotFound, productID)
		}
		if probeErr != nil {
			return nil, fmt.Errorf("probe product %d: %w", productID, probeErr)
		}
		return nil, &InsufficientStockError{
			ProductID: productID,
			Title:     title,
			Requested: quantity,
			Available: available,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("reserve product %d: %w", productID, err)
	}

	if remaining <= threshold {
		l.logger.Warn("Product stock low",
			zap.Int("product_id", productID),
			zap.Int("stock", remaining),
			zap.Int("threshold", threshold),
		)
		return &LowStockAlert{ProductID: productID, Title: title, Stock: remaining, Threshold: threshold}, nil
	}
	return nil, nil
}

// Release gives quantities back, used on order delete and on
// cancellation.
func (l *Ledger) Release(ctx context.Context, q Querier, items []models.OrderItem) error {
	for _, item := range items {
		result, err := q.ExecContext(ctx,
			`UPDATE products
			 SET stock = stock + $1, updated_at = CURRENT_TIMESTAMP
			 WHERE id = $2`,
			item.Quantity, item.ProductID,
		)
		if err != nil {
			return fmt.Errorf("release product %d: %w", item.ProductID, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("release product %d: %w", item.ProductID, err)
		}
		if rows == 0 {
			return fmt.Errorf("%w: product %d", ErrProductNotFound, item.ProductID)
		}
	}
	return nil
}

// Replace swaps an order's reservations on full update. Instead of
// releasing old items and re-reserving new ones in two passes, the
// old/new difference collapses into one net adjustment per product,
// each applied as a single guarded update. Run inside a transaction
// the whole call is all-or-nothing.
func (l *Ledger) Replace(ctx context.Context, q Querier, oldItems, newItems []models.OrderItem) ([]LowStockAlert, error) {
	deltas := NetDeltas(oldItems, newItems)

	var alerts []LowStockAlert
	for _, d := range deltas {
		switch {
		case d.Change > 0:
			err := l.Release(ctx, q, []models.OrderItem{{ProductID: d.ProductID, Quantity: d.Change}})
			if err != nil {
				return nil, err
			}
		case d.Change < 0:
			alert, err := l.reserveOne(ctx, q, d.ProductID, -d.Change)
			if err != nil {
				return nil, err
			}
			if alert != nil {
				alerts = append(alerts, *alert)
			}
		}
	}
	return alerts, nil
}

// Delta is the net stock adjustment for one product: positive gives
// stock back, negative takes more.
type Delta struct {
	ProductID int
	Change    int
}

// NetDeltas folds old and new line items into one adjustment per
// product, ordered by product ID so concurrent replaces touch rows
// in a consistent order.
func NetDeltas(oldItems, newItems []models.OrderItem) []Delta {
	net := make(map[int]int)
	for _, item := range oldItems {
		net[item.ProductID] += item.Quantity
	}
	for _, item := range newItems {
		net[item.ProductID] -= item.Quantity
	}

	ids := make([]int, 0, len(net))
	for id, change := range net {
		if change == 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)

	deltas := make([]Delta, 0, len(ids))
	for _, id := range ids {
		deltas = append(deltas, Delta{ProductID: id, Change: net[id]})
	}
	return deltas
}
