package borrow

import (
	"fmt"
	"log"

	"elibrary-backend/internal/notify"
)

// notificationFor builds the message sent to the requester after r reached its
// current status. ok is false for statuses that notify nobody.
func notificationFor(r *BorrowRequest) (n notify.Notification, ok bool) {
	n = notify.Notification{
		UserID:    r.RequesterID,
		RequestID: ptr(r.ID),
		BookID:    ptr(r.BookID),
	}
	switch r.Status {
	case StatusApproved:
		n.Kind = notify.KindBorrowApproved
		n.Title = "Borrow request approved"
		n.Message = fmt.Sprintf("Your request for %q was approved. Please pick it up; it is due back by %s.",
			r.BookTitle, dueLabel(r))
	case StatusRejected:
		n.Kind = notify.KindBorrowRejected
		n.Title = "Borrow request rejected"
		n.Message = fmt.Sprintf("Your request for %q was rejected: %s", r.BookTitle, deref(r.RejectionReason))
	case StatusBorrowed:
		n.Kind = notify.KindReturnReminder
		n.Title = "Book checked out"
		n.Message = fmt.Sprintf("You have borrowed %q. Please return it by %s.",
			r.BookTitle, dueLabel(r))
	case StatusOverdue:
		n.Kind = notify.KindDueReminder
		n.Title = "Book overdue"
		n.Message = fmt.Sprintf("%q was due on %s. Please return it as soon as possible.",
			r.BookTitle, dueLabel(r))
	case StatusReturned:
		n.Kind = notify.KindGeneral
		n.Title = "Book returned"
		n.Message = fmt.Sprintf("Thank you for returning %q.", r.BookTitle)
		if r.Fine != nil && *r.Fine > 0 {
			n.Message += fmt.Sprintf(" A late fine of %.2f applies.", *r.Fine)
		}
	default:
		return n, false
	}
	return n, true
}

func (s *Service) emitFor(r *BorrowRequest) {
	if s.emitter == nil {
		return
	}
	n, ok := notificationFor(r)
	if !ok {
		return
	}
	if !s.emitter.Emit(n) {
		log.Printf("[WARN] borrow: notification not queued id=%s kind=%s", r.ID, n.Kind)
	}
}

func dueLabel(r *BorrowRequest) string {
	if r.DueDate == nil {
		return "-"
	}
	return r.DueDate.Format("2006-01-02")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
