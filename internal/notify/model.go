package notify

import (
	"context"
	"errors"
	"time"
)

type Kind string

const (
	KindBorrowApproved Kind = "borrow_approved"
	KindBorrowRejected Kind = "borrow_rejected"
	KindDueReminder    Kind = "due_reminder"
	KindReturnReminder Kind = "return_reminder"
	KindNewBook        Kind = "new_book"
	KindGeneral        Kind = "general"
)

var ErrNotFound = errors.New("notification not found")

// ParseKind は空文字を general とみなす
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case "":
		return KindGeneral, true
	case KindBorrowApproved, KindBorrowRejected, KindDueReminder, KindReturnReminder, KindNewBook, KindGeneral:
		return k, true
	}
	return "", false
}

type Notification struct {
	ID        string     `db:"notification_id" json:"id"`
	UserID    string     `db:"user_id" json:"user_id"`
	Kind      Kind       `db:"kind" json:"kind"`
	Title     string     `db:"title" json:"title"`
	Message   string     `db:"message" json:"message"`
	RequestID *string    `db:"request_id" json:"request_id,omitempty"`
	BookID    *uint64    `db:"book_id" json:"book_id,omitempty"`
	IsRead    bool       `db:"is_read" json:"is_read"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	ReadAt    *time.Time `db:"read_at" json:"read_at,omitempty"`
}

// Notifier delivers one notification. Implementations must be safe for
// concurrent use; the Emitter calls them from several workers.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
