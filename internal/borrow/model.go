package borrow

import "time"

type BorrowRequest struct {
	ID           string
	RequesterID  string
	BookID       uint64
	BookTitle    string
	BookAuthor   string
	BookCover    string
	CardID       string
	ContactName  string
	ContactEmail string
	ContactPhone string
	DurationDays int
	Status       Status

	SubmittedAt time.Time
	ApprovedAt  *time.Time
	RejectedAt  *time.Time
	BorrowedAt  *time.Time
	ReturnedAt  *time.Time
	DueDate     *time.Time

	ApproverID      *string
	RejecterID      *string
	RejectionReason *string
	Fine            *float64
}

type SubmitInput struct {
	BookID       uint64
	BookTitle    string
	BookAuthor   string
	BookCover    string
	CardID       string
	ContactName  string
	ContactEmail string
	ContactPhone string
	// 0 なら既定の貸出日数
	DurationDays int
}

// TransitionExtra carries the data only some transitions use.
type TransitionExtra struct {
	RejectionReason string
	DueDate         *time.Time
	ReturnedAt      *time.Time
	Fine            *float64
}

type Filter struct {
	RequesterID string
	BookID      uint64
	Status      *Status
	Search      string
}

type Page struct {
	Limit  int
	Offset int
}

type ListResult struct {
	Items      []BorrowRequest
	Total      int64
	NextOffset int
}

type Stats struct {
	ByStatus   map[Status]int64
	Total      int64
	OverdueNow int64
}

type SweepResult struct {
	Scanned  int
	Promoted int
	Skipped  int
	Failed   int
}
