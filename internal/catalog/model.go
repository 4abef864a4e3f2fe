package catalog

import (
	"errors"
	"time"
)

var ErrBookNotFound = errors.New("book not found")

type Book struct {
	BookID    uint64    `db:"book_id" json:"book_id"`
	Title     string    `db:"title" json:"title"`
	Author    string    `db:"author" json:"author"`
	CoverURL  string    `db:"cover_url" json:"cover_url"`
	Available bool      `db:"available" json:"available"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

type AvailabilityResponse struct {
	BookID    uint64 `json:"book_id"`
	Available bool   `json:"available"`
}
