package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"elibrary-backend/internal/platform/db"
)

// Store は books テーブルへのアクセス。*sqlx.DB でも *sqlx.Tx でも動く
type Store struct{ db db.DBTX }

func NewStore(d db.DBTX) *Store { return &Store{db: d} }

// Available はトランザクション外の読み取り。エンジンの書き込みと競合しても直前か直後の値が返る
func (s *Store) Available(ctx context.Context, bookID uint64) (bool, error) {
	const q = `SELECT available FROM books WHERE book_id = ?`
	var v bool
	if err := s.db.GetContext(ctx, &v, q, bookID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrBookNotFound
		}
		return false, fmt.Errorf("availability %d: %w", bookID, err)
	}
	return v, nil
}

// LockBook は books 行を FOR UPDATE でロックして返す。Tx 上で呼ぶこと
func (s *Store) LockBook(ctx context.Context, bookID uint64) (*Book, error) {
	const q = `SELECT book_id, title, author, cover_url, available, updated_at FROM books WHERE book_id = ? FOR UPDATE`
	var b Book
	if err := s.db.GetContext(ctx, &b, q, bookID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("lock book %d: %w", bookID, err)
	}
	return &b, nil
}

func (s *Store) SetAvailable(ctx context.Context, bookID uint64, available bool) error {
	const q = `UPDATE books SET available = ? WHERE book_id = ?`
	// 値が変わらない UPDATE は affected=0 になるので存在チェックには使わない
	if _, err := s.db.ExecContext(ctx, q, available, bookID); err != nil {
		return fmt.Errorf("set available %d: %w", bookID, err)
	}
	return nil
}

// SeedSamples は books が空のときだけサンプルを投入する（dev 用）
func (s *Store) SeedSamples(ctx context.Context, books []Book) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM books`); err != nil {
		return 0, fmt.Errorf("count books: %w", err)
	}
	if n > 0 {
		return 0, nil
	}
	const q = `INSERT IGNORE INTO books (book_id, title, author, cover_url, available) VALUES (?, ?, ?, ?, 1)`
	inserted := 0
	for _, b := range books {
		res, err := s.db.ExecContext(ctx, q, b.BookID, b.Title, b.Author, b.CoverURL)
		if err != nil {
			return inserted, fmt.Errorf("seed book %d: %w", b.BookID, err)
		}
		if aff, _ := res.RowsAffected(); aff == 1 {
			inserted++
		}
	}
	return inserted, nil
}

var SampleBooks = []Book{
	{BookID: 1, Title: "The Pragmatic Programmer", Author: "Andrew Hunt, David Thomas"},
	{BookID: 2, Title: "Designing Data-Intensive Applications", Author: "Martin Kleppmann"},
	{BookID: 3, Title: "The Go Programming Language", Author: "Alan Donovan, Brian Kernighan"},
	{BookID: 4, Title: "吾輩は猫である", Author: "夏目漱石"},
	{BookID: 5, Title: "Structure and Interpretation of Computer Programs", Author: "Harold Abelson, Gerald Jay Sussman"},
}
