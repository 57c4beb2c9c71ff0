package ordernum

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func TestFormat(t *testing.T) {
	day := time.Date(2026, 3, 9, 15, 4, 5, 0, time.UTC)

	tests := []struct {
		seq  int
		want string
	}{
		{1, "ORD2603090001"},
		{42, "ORD2603090042"},
		{9999, "ORD2603099999"},
	}
	for _, tt := range tests {
		got := Format(day, tt.seq)
		if got != tt.want {
			t.Errorf("Format(seq=%d) = %q, want %q", tt.seq, got, tt.want)
		}
		if !Pattern.MatchString(got) {
			t.Errorf("Format(seq=%d) = %q does not match Pattern", tt.seq, got)
		}
	}
}

func TestPattern(t *testing.T) {
	invalid := []string{
		"ORD260309001",   // sequence too short
		"ORD26030900012", // too long
		"XYZ2603090001",  // wrong prefix
		"ORD26030900AB",  // non-digits
		"",
	}
	for _, s := range invalid {
		if Pattern.MatchString(s) {
			t.Errorf("Pattern unexpectedly matched %q", s)
		}
	}
}

func TestDayBounds(t *testing.T) {
	loc, _ := time.LoadLocation("Asia/Dhaka")
	at := time.Date(2026, 3, 9, 23, 59, 59, 0, loc)

	from, to := DayBounds(at)
	if from.Hour() != 0 || from.Minute() != 0 || from.Second() != 0 {
		t.Errorf("DayBounds start is not midnight: %v", from)
	}
	if from.Day() != 9 || to.Day() != 10 {
		t.Errorf("DayBounds window wrong: [%v, %v)", from, to)
	}
	if !at.Before(to) || at.Before(from) {
		t.Errorf("DayBounds window [%v, %v) does not contain %v", from, to, at)
	}
}

func TestNext(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	from, to := DayBounds(now)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM orders WHERE created_at >= \\$1 AND created_at < \\$2").
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(17))

	number, err := Next(context.Background(), db, now)
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if number != "ORD2603090018" {
		t.Errorf("Next = %q, want ORD2603090018", number)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestNext_SequenceExhausted(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	from, to := DayBounds(now)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM orders WHERE created_at >= \\$1 AND created_at < \\$2").
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9999))

	if _, err := Next(context.Background(), db, now); !errors.Is(err, ErrSequenceExhausted) {
		t.Fatalf("Expected ErrSequenceExhausted, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestIsConflict(t *testing.T) {
	if !IsConflict(&pq.Error{Code: "23505"}) {
		t.Error("Expected unique violation to be a conflict")
	}
	if IsConflict(&pq.Error{Code: "23503"}) {
		t.Error("Foreign key violation should not be a conflict")
	}
	if IsConflict(nil) {
		t.Error("nil should not be a conflict")
	}
}
