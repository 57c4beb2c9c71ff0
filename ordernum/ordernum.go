// Package ordernum assigns the human-readable order identifier:
// "ORD" + YYMMDD + a zero-padded 4-digit daily sequence.
//
// The sequence comes from counting the day's orders, which is not
// atomic with the insert. The unique index on orders.order_number is
// the authoritative arbiter: callers detect the conflict with
// IsConflict and retry the whole creating transaction.
package ordernum

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"
)

const (
	prefix = "ORD"

	// maxDailySequence is the largest sequence the 4-digit suffix can
	// carry; past it a formatted number would no longer match Pattern
	// or fit the order_number column.
	maxDailySequence = 9999
)

// ErrSequenceExhausted is returned when a day already holds the
// maximum number of orders the format can represent.
var ErrSequenceExhausted = errors.New("daily order number sequence exhausted")

// Pattern matches every well-formed order number.
var Pattern = regexp.MustCompile(`^ORD\d{10}$`)

// Format renders the order number for the given day and sequence.
func Format(t time.Time, seq int) string {
	return fmt.Sprintf("%s%s%04d", prefix, t.Format("060102"), seq)
}

// DayBounds returns the half-open [midnight, next midnight) window
// around t in t's location.
func DayBounds(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Next computes the next order number for the moment now by counting
// the day's orders so far.
func Next(ctx context.Context, q Querier, now time.Time) (string, error) {
	from, to := DayBounds(now)
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM orders WHERE created_at >= $1 AND created_at < $2",
		from, to,
	).Scan(&count)
	if err != nil {
		return "", fmt.Errorf("count orders for %s: %w", now.Format("2006-01-02"), err)
	}
	if count+1 > maxDailySequence {
		return "", ErrSequenceExhausted
	}
	return Format(now, count+1), nil
}

// IsConflict reports whether err is the unique-index rejection of a
// duplicate order number (two creations racing on the same day).
func IsConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
