package borrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	"github.com/jmoiron/sqlx"

	"elibrary-backend/internal/catalog"
	"elibrary-backend/internal/platform/db"
)

// Repository is the persistence the engine needs. Everything inside RunInTx
// sees one transaction; book locks are always taken before request locks.
type Repository interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Get(ctx context.Context, id string) (*BorrowRequest, error)
	List(ctx context.Context, f Filter, p Page) ([]BorrowRequest, int64, error)
	// ListDueForSweep returns borrowed requests due before now, ordered by id, after afterID.
	ListDueForSweep(ctx context.Context, now time.Time, afterID string, limit int) ([]BorrowRequest, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
	CountOverdue(ctx context.Context, now time.Time) (int64, error)
}

type Tx interface {
	LockBook(ctx context.Context, bookID uint64) (*catalog.Book, error)
	SetAvailable(ctx context.Context, bookID uint64, available bool) error

	GetForUpdate(ctx context.Context, id string) (*BorrowRequest, error)
	HasActive(ctx context.Context, requesterID string, bookID uint64) (bool, error)
	Insert(ctx context.Context, r *BorrowRequest) error
	// Update writes r only if the stored status is still from.
	Update(ctx context.Context, r *BorrowRequest, from Status) error
	Delete(ctx context.Context, id string) error
}

const (
	tableRequests = "borrow_requests"
	dialectMySQL  = "mysql"

	requestCols = `request_id, requester_id, book_id, book_title, book_author, book_cover,
	card_id, contact_name, contact_email, contact_phone, duration_days, status,
	submitted_at, approved_at, rejected_at, borrowed_at, returned_at, due_date,
	approver_id, rejecter_id, rejection_reason, fine`
)

var requestColList = []any{
	"request_id", "requester_id", "book_id", "book_title", "book_author", "book_cover",
	"card_id", "contact_name", "contact_email", "contact_phone", "duration_days", "status",
	"submitted_at", "approved_at", "rejected_at", "borrowed_at", "returned_at", "due_date",
	"approver_id", "rejecter_id", "rejection_reason", "fine",
}

type requestRow struct {
	RequestID       string          `db:"request_id"`
	RequesterID     string          `db:"requester_id"`
	BookID          uint64          `db:"book_id"`
	BookTitle       string          `db:"book_title"`
	BookAuthor      string          `db:"book_author"`
	BookCover       string          `db:"book_cover"`
	CardID          string          `db:"card_id"`
	ContactName     string          `db:"contact_name"`
	ContactEmail    string          `db:"contact_email"`
	ContactPhone    string          `db:"contact_phone"`
	DurationDays    int             `db:"duration_days"`
	Status          string          `db:"status"`
	SubmittedAt     time.Time       `db:"submitted_at"`
	ApprovedAt      sql.NullTime    `db:"approved_at"`
	RejectedAt      sql.NullTime    `db:"rejected_at"`
	BorrowedAt      sql.NullTime    `db:"borrowed_at"`
	ReturnedAt      sql.NullTime    `db:"returned_at"`
	DueDate         sql.NullTime    `db:"due_date"`
	ApproverID      sql.NullString  `db:"approver_id"`
	RejecterID      sql.NullString  `db:"rejecter_id"`
	RejectionReason sql.NullString  `db:"rejection_reason"`
	Fine            sql.NullFloat64 `db:"fine"`
}

func (r requestRow) toModel() BorrowRequest {
	return BorrowRequest{
		ID:              r.RequestID,
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
		Status:          Status(r.Status),
		SubmittedAt:     r.SubmittedAt.UTC(),
		ApprovedAt:      timePtr(r.ApprovedAt),
		RejectedAt:      timePtr(r.RejectedAt),
		BorrowedAt:      timePtr(r.BorrowedAt),
		ReturnedAt:      timePtr(r.ReturnedAt),
		DueDate:         timePtr(r.DueDate),
		ApproverID:      strPtr(r.ApproverID),
		RejecterID:      strPtr(r.RejecterID),
		RejectionReason: strPtr(r.RejectionReason),
		Fine:            floatPtr(r.Fine),
	}
}

func rowFrom(m *BorrowRequest) requestRow {
	return requestRow{
		RequestID:       m.ID,
		RequesterID:     m.RequesterID,
		BookID:          m.BookID,
		BookTitle:       m.BookTitle,
		BookAuthor:      m.BookAuthor,
		BookCover:       m.BookCover,
		CardID:          m.CardID,
		ContactName:     m.ContactName,
		ContactEmail:    m.ContactEmail,
		ContactPhone:    m.ContactPhone,
		DurationDays:    m.DurationDays,
		Status:          string(m.Status),
		SubmittedAt:     m.SubmittedAt,
		ApprovedAt:      nullTime(m.ApprovedAt),
		RejectedAt:      nullTime(m.RejectedAt),
		BorrowedAt:      nullTime(m.BorrowedAt),
		ReturnedAt:      nullTime(m.ReturnedAt),
		DueDate:         nullTime(m.DueDate),
		ApproverID:      nullString(m.ApproverID),
		RejecterID:      nullString(m.RejecterID),
		RejectionReason: nullString(m.RejectionReason),
		Fine:            nullFloat(m.Fine),
	}
}

// ===== MySQL =====

type MySQLStore struct {
	db *sqlx.DB
}

func NewMySQLStore(d *sqlx.DB) *MySQLStore { return &MySQLStore{db: d} }

func (s *MySQLStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	// READ COMMITTED: 行ロックで直列化するのでギャップロックは不要
	opts := &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	return db.RunInTx(ctx, s.db, opts, func(ctx context.Context, t db.DBTX) error {
		return fn(ctx, &mysqlTx{tx: t, books: catalog.NewStore(t)})
	})
}

func (s *MySQLStore) Get(ctx context.Context, id string) (*BorrowRequest, error) {
	return getRequest(ctx, s.db, id, false)
}

func (s *MySQLStore) List(ctx context.Context, f Filter, p Page) ([]BorrowRequest, int64, error) {
	base := goqu.Dialect(dialectMySQL).From(tableRequests).Where(filterExpr(f)...).Prepared(true)

	countSQL, countArgs, err := base.Select(goqu.COUNT("*")).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count: %w", err)
	}
	listSQL, listArgs, err := base.
		Select(requestColList...).
		Order(goqu.C("submitted_at").Desc(), goqu.C("request_id").Desc()).
		Limit(uint(p.Limit)).
		Offset(uint(p.Offset)).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build list: %w", err)
	}

	// total とページを同じスナップショットから読む
	var (
		total int64
		rows  []requestRow
	)
	err = db.ReadOnly(ctx, s.db, func(ctx context.Context, q db.DBTX) error {
		if err := q.GetContext(ctx, &total, countSQL, countArgs...); err != nil {
			return fmt.Errorf("count borrow requests: %w", err)
		}
		if err := q.SelectContext(ctx, &rows, listSQL, listArgs...); err != nil {
			return fmt.Errorf("list borrow requests: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	out := make([]BorrowRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, total, nil
}

func filterExpr(f Filter) []goqu.Expression {
	var where []goqu.Expression
	if f.RequesterID != "" {
		where = append(where, goqu.C("requester_id").Eq(f.RequesterID))
	}
	if f.BookID != 0 {
		where = append(where, goqu.C("book_id").Eq(f.BookID))
	}
	if f.Status != nil {
		where = append(where, goqu.C("status").Eq(string(*f.Status)))
	}
	if f.Search != "" {
		// utf8mb4 の既定照合順序は大文字小文字を区別しない
		pat := "%" + escapeLike(f.Search) + "%"
		where = append(where, goqu.Or(
			goqu.C("book_title").Like(pat),
			goqu.C("contact_name").Like(pat),
			goqu.C("contact_email").Like(pat),
			goqu.C("card_id").Like(pat),
		))
	}
	return where
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *MySQLStore) ListDueForSweep(ctx context.Context, now time.Time, afterID string, limit int) ([]BorrowRequest, error) {
	q := `SELECT ` + requestCols + ` FROM borrow_requests
	WHERE status = ? AND due_date < ? AND request_id > ?
	ORDER BY request_id
	LIMIT ?`
	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, q, string(StatusBorrowed), now, afterID, limit); err != nil {
		return nil, fmt.Errorf("list due for sweep: %w", err)
	}
	out := make([]BorrowRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *MySQLStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int64  `db:"n"`
	}
	const q = `SELECT status, COUNT(*) AS n FROM borrow_requests GROUP BY status`
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	out := make(map[Status]int64, len(rows))
	for _, r := range rows {
		out[Status(r.Status)] = r.N
	}
	return out, nil
}

func (s *MySQLStore) CountOverdue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	const q = `SELECT COUNT(*) FROM borrow_requests WHERE status = ? AND due_date < ?`
	if err := s.db.GetContext(ctx, &n, q, string(StatusBorrowed), now); err != nil {
		return 0, fmt.Errorf("count overdue: %w", err)
	}
	return n, nil
}

// ===== Tx =====

type mysqlTx struct {
	tx    db.DBTX
	books *catalog.Store
}

func (t *mysqlTx) LockBook(ctx context.Context, bookID uint64) (*catalog.Book, error) {
	return t.books.LockBook(ctx, bookID)
}

func (t *mysqlTx) SetAvailable(ctx context.Context, bookID uint64, available bool) error {
	return t.books.SetAvailable(ctx, bookID, available)
}

func (t *mysqlTx) GetForUpdate(ctx context.Context, id string) (*BorrowRequest, error) {
	return getRequest(ctx, t.tx, id, true)
}

func (t *mysqlTx) HasActive(ctx context.Context, requesterID string, bookID uint64) (bool, error) {
	var n int
	const q = `SELECT COUNT(*) FROM borrow_requests WHERE requester_id = ? AND book_id = ? AND status IN (?, ?, ?)`
	if err := t.tx.GetContext(ctx, &n, q, requesterID, bookID,
		string(StatusPending), string(StatusApproved), string(StatusBorrowed)); err != nil {
		return false, fmt.Errorf("has active: %w", err)
	}
	return n > 0, nil
}

func (t *mysqlTx) Insert(ctx context.Context, r *BorrowRequest) error {
	const q = `
	INSERT INTO borrow_requests
	(request_id, requester_id, book_id, book_title, book_author, book_cover,
	 card_id, contact_name, contact_email, contact_phone, duration_days, status, submitted_at)
	VALUES
	(:request_id, :requester_id, :book_id, :book_title, :book_author, :book_cover,
	 :card_id, :contact_name, :contact_email, :contact_phone, :duration_days, :status, :submitted_at)`
	if _, err := sqlx.NamedExecContext(ctx, t.tx, q, rowFrom(r)); err != nil {
		if db.IsDuplicateKey(err) {
			return errDuplicateActive
		}
		return fmt.Errorf("insert borrow request: %w", err)
	}
	return nil
}

type updateArgs struct {
	requestRow
	From string `db:"from_status"`
}

func (t *mysqlTx) Update(ctx context.Context, r *BorrowRequest, from Status) error {
	const q = `
	UPDATE borrow_requests SET
	  status = :status,
	  approved_at = :approved_at, rejected_at = :rejected_at,
	  borrowed_at = :borrowed_at, returned_at = :returned_at, due_date = :due_date,
	  approver_id = :approver_id, rejecter_id = :rejecter_id,
	  rejection_reason = :rejection_reason, fine = :fine
	WHERE request_id = :request_id AND status = :from_status`
	res, err := sqlx.NamedExecContext(ctx, t.tx, q, updateArgs{requestRow: rowFrom(r), From: string(from)})
	if err != nil {
		if db.IsDuplicateKey(err) {
			return errDuplicateActive
		}
		return fmt.Errorf("update borrow request: %w", err)
	}
	if aff, _ := res.RowsAffected(); aff != 1 {
		return errStaleStatus
	}
	return nil
}

func (t *mysqlTx) Delete(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM borrow_requests WHERE request_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete borrow request: %w", err)
	}
	if aff, _ := res.RowsAffected(); aff != 1 {
		return errRequestNotFound
	}
	return nil
}

func getRequest(ctx context.Context, q db.DBTX, id string, forUpdate bool) (*BorrowRequest, error) {
	query := `SELECT ` + requestCols + ` FROM borrow_requests WHERE request_id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row requestRow
	if err := q.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errRequestNotFound
		}
		return nil, fmt.Errorf("get borrow request %s: %w", id, err)
	}
	m := row.toModel()
	return &m, nil
}

// ===== null helpers =====

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
