package borrow

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"elibrary-backend/internal/platform/auth"
)

const exportPageSize = 100

var exportHeader = []string{
	"id", "requester_id", "book_id", "book_title", "book_author",
	"card_id", "contact_name", "contact_email", "contact_phone",
	"duration_days", "status", "submitted_at", "approved_at", "borrowed_at",
	"returned_at", "due_date", "fine", "is_overdue",
}

// Export は条件に合う申請を全件取り出す（管理者のみ）
func (s *Service) Export(ctx context.Context, actor auth.Actor, f Filter) ([]BorrowRequest, error) {
	if !actor.Privileged() {
		return nil, ErrForbidden("only administrators can export requests")
	}
	var out []BorrowRequest
	p := Page{Limit: exportPageSize}
	for {
		res, err := s.List(ctx, actor, f, p)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Items...)
		if res.NextOffset == 0 {
			return out, nil
		}
		p.Offset = res.NextOffset
	}
}

// WriteCSV は申請一覧を CSV で書き出す。sjis なら Excel 向けに CP932 で出す
func WriteCSV(w io.Writer, items []BorrowRequest, now time.Time, sjis bool) error {
	var tw *transform.Writer
	if sjis {
		// CP932 に無い文字は置換して落とさない
		tw = transform.NewWriter(w, encoding.ReplaceUnsupported(japanese.ShiftJIS.NewEncoder()))
		w = tw
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for i := range items {
		if err := cw.Write(csvRecord(&items[i], now)); err != nil {
			return fmt.Errorf("write %s: %w", items[i].ID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	if tw != nil {
		return tw.Close()
	}
	return nil
}

func csvRecord(r *BorrowRequest, now time.Time) []string {
	fine := ""
	if r.Fine != nil {
		fine = strconv.FormatFloat(*r.Fine, 'f', 2, 64)
	}
	return []string{
		r.ID,
		r.RequesterID,
		strconv.FormatUint(r.BookID, 10),
		r.BookTitle,
		r.BookAuthor,
		r.CardID,
		r.ContactName,
		r.ContactEmail,
		r.ContactPhone,
		strconv.Itoa(r.DurationDays),
		string(r.Status),
		r.SubmittedAt.UTC().Format(time.RFC3339),
		csvTime(r.ApprovedAt),
		csvTime(r.BorrowedAt),
		csvTime(r.ReturnedAt),
		csvTime(r.DueDate),
		fine,
		strconv.FormatBool(IsOverdueAt(r, now)),
	}
}

func csvTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
