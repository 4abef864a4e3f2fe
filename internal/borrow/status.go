package borrow

import "fmt"

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusBorrowed Status = "borrowed"
	StatusReturned Status = "returned"
	StatusOverdue  Status = "overdue"
)

var AllStatuses = []Status{
	StatusPending, StatusApproved, StatusRejected,
	StatusBorrowed, StatusReturned, StatusOverdue,
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusApproved, StatusRejected, StatusBorrowed, StatusReturned, StatusOverdue:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// CanBecome is the complete transition graph. Anything not listed is illegal.
func (s Status) CanBecome(to Status) bool {
	switch {
	case s == StatusPending && to == StatusApproved,
		s == StatusPending && to == StatusRejected,
		s == StatusApproved && to == StatusBorrowed,
		s == StatusApproved && to == StatusReturned,
		s == StatusBorrowed && to == StatusReturned,
		s == StatusBorrowed && to == StatusOverdue,
		s == StatusOverdue && to == StatusReturned:
		return true
	}
	return false
}

// IsActive: pending / approved / borrowed。同一 (requester, book) で1件まで
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusApproved || s == StatusBorrowed
}

// HoldsBook reports whether a request in this status keeps its title unavailable.
func (s Status) HoldsBook() bool {
	return s == StatusApproved || s == StatusBorrowed || s == StatusOverdue
}
