// Package deals holds the validity rules applied to promotional
// deals before they are persisted. The rules run in a fixed order
// and the first violation wins; each carries its own user-facing
// message.
package deals

import (
	"strings"
	"time"

	"commerce-svc/models"
)

// RuleError is a validation failure naming the offending field.
type RuleError struct {
	Field   string
	Message string
}

func (e *RuleError) Error() string { return e.Message }

// Input carries the fields the rules inspect. Handlers map request
// payloads into it for both create and update.
type Input struct {
	Title         string
	DealType      models.DealType
	DiscountValue float64
	OriginalPrice float64
	DealPrice     float64
	CategoryID    int
	StartDate     time.Time
	EndDate       time.Time
	MaxUses       int
	MinOrderValue float64
}

// ValidateCreate runs the full rule sequence, including the
// start-date-not-in-the-past check that only applies when a deal is
// first created.
func ValidateCreate(in *Input, now time.Time) error {
	return validate(in, now, true)
}

// ValidateUpdate runs the same sequence minus the past-start-date
// check: an existing deal may legitimately have started already.
func ValidateUpdate(in *Input, now time.Time) error {
	return validate(in, now, false)
}

func validate(in *Input, now time.Time, creating bool) error {
	if strings.TrimSpace(in.Title) == "" {
		return &RuleError{Field: "title", Message: "title is required"}
	}
	if in.OriginalPrice == 0 {
		return &RuleError{Field: "original_price", Message: "original price is required"}
	}
	if in.DealPrice == 0 {
		return &RuleError{Field: "deal_price", Message: "deal price is required"}
	}
	if in.CategoryID == 0 {
		return &RuleError{Field: "category_id", Message: "category is required"}
	}
	if in.StartDate.IsZero() {
		return &RuleError{Field: "start_date", Message: "start date is required"}
	}
	if in.EndDate.IsZero() {
		return &RuleError{Field: "end_date", Message: "end date is required"}
	}
	if in.OriginalPrice < 0 {
		return &RuleError{Field: "original_price", Message: "original price must be greater than zero"}
	}
	if in.DealPrice < 0 {
		return &RuleError{Field: "deal_price", Message: "deal price must be greater than zero"}
	}
	if in.DealPrice >= in.OriginalPrice {
		return &RuleError{Field: "deal_price", Message: "deal price must be less than original price"}
	}
	if creating && in.StartDate.Before(now) {
		return &RuleError{Field: "start_date", Message: "start date cannot be in the past"}
	}
	if !in.EndDate.After(in.StartDate) {
		return &RuleError{Field: "end_date", Message: "end date must be after start date"}
	}
	if in.DealType != "" && !models.ValidDealType(in.DealType) {
		return &RuleError{Field: "deal_type", Message: "invalid deal type"}
	}
	return nil
}

// SplitList normalizes a comma-separated field into a list, trimming
// whitespace and dropping empty entries.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
