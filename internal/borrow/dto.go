package borrow

import "time"

// ===== Request =====

type SubmitRequest struct {
	BookID       uint64 `json:"bookId" binding:"required"`
	BookTitle    string `json:"bookTitle"`
	BookAuthor   string `json:"bookAuthor"`
	BookCover    string `json:"bookCover"`
	CardID       string `json:"cardId"`
	ContactName  string `json:"contactName"`
	ContactEmail string `json:"contactEmail"`
	ContactPhone string `json:"contactPhone"`
	// 省略時は既定日数
	DurationDays *int `json:"durationDays"`
}

func (r SubmitRequest) toInput() (SubmitInput, error) {
	in := SubmitInput{
		BookID:       r.BookID,
		BookTitle:    r.BookTitle,
		BookAuthor:   r.BookAuthor,
		BookCover:    r.BookCover,
		CardID:       r.CardID,
		ContactName:  r.ContactName,
		ContactEmail: r.ContactEmail,
		ContactPhone: r.ContactPhone,
	}
	if r.DurationDays != nil {
		// 明示的な 0 は既定値扱いにしない
		if *r.DurationDays < MinDurationDays {
			return in, ErrInvalidField("durationDays", "duration must be between 1 and 30 days")
		}
		in.DurationDays = *r.DurationDays
	}
	return in, nil
}

type TransitionRequest struct {
	Status          string     `json:"status" binding:"required"`
	RejectionReason string     `json:"rejectionReason"`
	DueDate         *time.Time `json:"dueDate"`
	ReturnedAt      *time.Time `json:"returnedAt"`
	Fine            *float64   `json:"fine"`
}

func (r TransitionRequest) extra() TransitionExtra {
	return TransitionExtra{
		RejectionReason: r.RejectionReason,
		DueDate:         r.DueDate,
		ReturnedAt:      r.ReturnedAt,
		Fine:            r.Fine,
	}
}

// ===== Response =====

type BorrowRequestResponse struct {
	ID              string     `json:"id"`
	RequesterID     string     `json:"requesterId"`
	BookID          uint64     `json:"bookId"`
	BookTitle       string     `json:"bookTitle"`
	BookAuthor      string     `json:"bookAuthor"`
	BookCover       string     `json:"bookCover,omitempty"`
	CardID          string     `json:"cardId"`
	ContactName     string     `json:"contactName"`
	ContactEmail    string     `json:"contactEmail"`
	ContactPhone    string     `json:"contactPhone"`
	DurationDays    int        `json:"durationDays"`
	Status          Status     `json:"status"`
	SubmittedAt     time.Time  `json:"submittedAt"`
	ApprovedAt      *time.Time `json:"approvedAt,omitempty"`
	RejectedAt      *time.Time `json:"rejectedAt,omitempty"`
	BorrowedAt      *time.Time `json:"borrowedAt,omitempty"`
	ReturnedAt      *time.Time `json:"returnedAt,omitempty"`
	DueDate         *time.Time `json:"dueDate,omitempty"`
	ApproverID      *string    `json:"approverId,omitempty"`
	RejecterID      *string    `json:"rejecterId,omitempty"`
	RejectionReason *string    `json:"rejectionReason,omitempty"`
	Fine            *float64   `json:"fine,omitempty"`
	IsOverdue       bool       `json:"isOverdue"`
	DaysRemaining   *int       `json:"daysRemaining,omitempty"`
}

func toResponse(r *BorrowRequest, now time.Time) BorrowRequestResponse {
	return BorrowRequestResponse{
		ID:              r.ID,
		RequesterID:     r.RequesterID,
		BookID:          r.BookID,
		BookTitle:       r.BookTitle,
		BookAuthor:      r.BookAuthor,
		BookCover:       r.BookCover,
		CardID:          r.CardID,
		ContactName:     r.ContactName,
		ContactEmail:    r.ContactEmail,
		ContactPhone:    r.ContactPhone,
		DurationDays:    r.DurationDays,
		Status:          r.Status,
		SubmittedAt:     r.SubmittedAt,
		ApprovedAt:      r.ApprovedAt,
		RejectedAt:      r.RejectedAt,
		BorrowedAt:      r.BorrowedAt,
		ReturnedAt:      r.ReturnedAt,
		DueDate:         r.DueDate,
		ApproverID:      r.ApproverID,
		RejecterID:      r.RejecterID,
		RejectionReason: r.RejectionReason,
		Fine:            r.Fine,
		IsOverdue:       IsOverdueAt(r, now),
		DaysRemaining:   DaysRemaining(r, now),
	}
}

type ListResponse struct {
	Items      []BorrowRequestResponse `json:"items"`
	Total      int64                   `json:"total"`
	NextOffset int                     `json:"next_offset"`
}

type StatsResponse struct {
	ByStatus   map[Status]int64 `json:"by_status"`
	Total      int64            `json:"total"`
	OverdueNow int64            `json:"overdue_now"`
}

type SweepResponse struct {
	Scanned  int `json:"scanned"`
	Promoted int `json:"promoted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

type errDTO struct {
	Error struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field,omitempty"`
	} `json:"error"`
}
