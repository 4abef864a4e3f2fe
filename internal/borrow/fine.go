package borrow

import (
	"math"
	"time"
)

const day = 24 * time.Hour

// DueDate は承認時の返却期限。override があればそれを使う
func DueDate(submittedAt time.Time, durationDays int, override *time.Time) time.Time {
	if override != nil {
		return override.UTC()
	}
	return submittedAt.Add(time.Duration(durationDays) * day)
}

// LateDays counts started days past due; returning exactly at due is 0.
func LateDays(due, returnedAt time.Time) int {
	late := returnedAt.Sub(due)
	if late <= 0 {
		return 0
	}
	return int((late + day - 1) / day)
}

func ComputeFine(due, returnedAt time.Time, ratePerDay float64) float64 {
	return math.Round(float64(LateDays(due, returnedAt))*ratePerDay*100) / 100
}

// IsOverdueAt は永続化された overdue と、期限切れの borrowed の両方を真とする
func IsOverdueAt(r *BorrowRequest, now time.Time) bool {
	switch r.Status {
	case StatusOverdue:
		return true
	case StatusBorrowed:
		return r.DueDate != nil && r.DueDate.Before(now)
	}
	return false
}

func DaysRemaining(r *BorrowRequest, now time.Time) *int {
	if r.DueDate == nil || !r.Status.HoldsBook() {
		return nil
	}
	d := int(math.Ceil(float64(r.DueDate.Sub(now)) / float64(day)))
	return &d
}
