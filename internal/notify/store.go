package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	"github.com/google/uuid"

	"elibrary-backend/internal/platform/db"
)

const (
	tableNotifications = "notifications"
	dialectMySQL       = "mysql"
)

var notificationCols = []any{
	"notification_id", "user_id", "kind", "title", "message",
	"request_id", "book_id", "is_read", "created_at", "read_at",
}

// Store は in-app 通知を notifications テーブルに保存する。Notifier としても使える
type Store struct {
	db  db.DBTX
	now func() time.Time
}

func NewStore(d db.DBTX) *Store {
	return &Store{db: d, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Notify(ctx context.Context, n Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	const q = `
	INSERT INTO notifications
	(notification_id, user_id, kind, title, message, request_id, book_id, is_read, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`
	if _, err := s.db.ExecContext(ctx, q,
		n.ID, n.UserID, string(n.Kind), n.Title, n.Message, n.RequestID, n.BookID, n.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

type ListFilter struct {
	UserID     string
	UnreadOnly bool
	Limit      int
	Offset     int
}

func (s *Store) List(ctx context.Context, f ListFilter) ([]Notification, int64, error) {
	where := []goqu.Expression{goqu.C("user_id").Eq(f.UserID)}
	if f.UnreadOnly {
		where = append(where, goqu.C("is_read").Eq(false))
	}
	base := goqu.Dialect(dialectMySQL).From(tableNotifications).Where(where...).Prepared(true)

	countSQL, countArgs, err := base.Select(goqu.COUNT("*")).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count: %w", err)
	}
	var total int64
	if err := s.db.GetContext(ctx, &total, countSQL, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	listSQL, listArgs, err := base.
		Select(notificationCols...).
		Order(goqu.C("created_at").Desc(), goqu.C("notification_id").Desc()).
		Limit(uint(f.Limit)).
		Offset(uint(f.Offset)).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build list: %w", err)
	}
	items := []Notification{}
	if err := s.db.SelectContext(ctx, &items, listSQL, listArgs...); err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	return items, total, nil
}

func (s *Store) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var n int64
	const q = `SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0`
	if err := s.db.GetContext(ctx, &n, q, userID); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}

// MarkRead は既読化。既に既読なら何もしない。他人の通知は NotFound
func (s *Store) MarkRead(ctx context.Context, userID, id string) error {
	const q = `UPDATE notifications SET is_read = 1, read_at = ? WHERE notification_id = ? AND user_id = ? AND is_read = 0`
	res, err := s.db.ExecContext(ctx, q, s.now(), id, userID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if aff, _ := res.RowsAffected(); aff == 1 {
		return nil
	}
	var exists int
	if err := s.db.GetContext(ctx, &exists,
		`SELECT COUNT(*) FROM notifications WHERE notification_id = ? AND user_id = ?`, id, userID); err != nil {
		return fmt.Errorf("mark read lookup: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	const q = `UPDATE notifications SET is_read = 1, read_at = ? WHERE user_id = ? AND is_read = 0`
	res, err := s.db.ExecContext(ctx, q, s.now(), userID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
