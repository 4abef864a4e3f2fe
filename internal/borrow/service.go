package borrow

import (
	"context"
	"errors"
	"log"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"elibrary-backend/internal/catalog"
	"elibrary-backend/internal/notify"
	"elibrary-backend/internal/platform/auth"
)

const (
	instrumentationName = "elibrary-backend/borrow"

	DefaultFinePerDay   = 1.0
	DefaultDurationDays = 14
	MinDurationDays     = 1
	MaxDurationDays     = 30
)

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Emitter is the fire-and-forget side of notification delivery.
type Emitter interface {
	Emit(n notify.Notification) bool
}

type Service struct {
	repo    Repository
	emitter Emitter
	clock   Clock
	id      IDGen

	fineRate        float64
	defaultDuration int
	sweepBatch      int

	tracer      trace.Tracer
	transitions metric.Int64Counter
}

type Option func(*Service)

func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }
func WithIDGen(g IDGen) Option { return func(s *Service) { s.id = g } }

func WithFineRate(perDay float64) Option {
	return func(s *Service) {
		if perDay >= 0 {
			s.fineRate = perDay
		}
	}
}

func WithDefaultDuration(days int) Option {
	return func(s *Service) {
		if days >= MinDurationDays && days <= MaxDurationDays {
			s.defaultDuration = days
		}
	}
}

func WithSweepBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sweepBatch = n
		}
	}
}

// WithMeterProvider は遷移カウンタの出力先を差し替える（テスト用）
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.transitions = newTransitionCounter(mp.Meter(instrumentationName)) }
}

func NewService(repo Repository, emitter Emitter, opts ...Option) *Service {
	s := &Service{
		repo:            repo,
		emitter:         emitter,
		clock:           realClock{},
		id:              newRequestIDGen(),
		fineRate:        DefaultFinePerDay,
		defaultDuration: DefaultDurationDays,
		sweepBatch:      200,
		tracer:          otel.Tracer(instrumentationName),
		transitions:     newTransitionCounter(otel.Meter(instrumentationName)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newTransitionCounter(m metric.Meter) metric.Int64Counter {
	c, err := m.Int64Counter("borrow.transitions",
		metric.WithDescription("borrow request status changes by target status"))
	if err != nil {
		log.Printf("[WARN] borrow: counter init failed: %v", err)
	}
	return c
}

func (s *Service) count(ctx context.Context, to Status) {
	if s.transitions != nil {
		s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
	}
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "borrow."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ===== Submit =====

func (s *Service) Submit(ctx context.Context, actor auth.Actor, in SubmitInput) (_ *BorrowRequest, err error) {
	ctx, span := s.startSpan(ctx, "submit", attribute.Int64("book_id", int64(in.BookID)))
	defer func() { endSpan(span, err) }()

	if actor.ID == "" {
		return nil, ErrForbidden("caller identity is required")
	}
	in, err = s.normalizeSubmit(in)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	req := &BorrowRequest{
		ID:           s.id.NewID(now),
		RequesterID:  actor.ID,
		BookID:       in.BookID,
		BookTitle:    in.BookTitle,
		BookAuthor:   in.BookAuthor,
		BookCover:    in.BookCover,
		CardID:       in.CardID,
		ContactName:  in.ContactName,
		ContactEmail: in.ContactEmail,
		ContactPhone: in.ContactPhone,
		DurationDays: in.DurationDays,
		Status:       StatusPending,
		SubmittedAt:  now,
	}

	err = s.repo.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		book, err := tx.LockBook(ctx, in.BookID)
		if err != nil {
			return mapBookErr(err)
		}
		if !book.Available {
			return ErrConflict("book is not available")
		}
		active, err := tx.HasActive(ctx, actor.ID, in.BookID)
		if err != nil {
			return err
		}
		if active {
			return ErrConflict("an active borrow request for this book already exists")
		}
		fillSnapshot(req, book)
		if req.BookTitle == "" || req.BookAuthor == "" {
			return ErrInvalidField("bookTitle", "book title and author are required")
		}
		if err := tx.Insert(ctx, req); err != nil {
			if errors.Is(err, errDuplicateActive) {
				return ErrConflict("an active borrow request for this book already exists")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.count(ctx, StatusPending)
	log.Printf("[INFO] borrow submitted id=%s requester=%s book_id=%d days=%d", req.ID, req.RequesterID, req.BookID, req.DurationDays)
	return req, nil
}

func (s *Service) normalizeSubmit(in SubmitInput) (SubmitInput, error) {
	clean := func(v string) string { return strings.TrimSpace(norm.NFC.String(v)) }
	in.BookTitle = clean(in.BookTitle)
	in.BookAuthor = clean(in.BookAuthor)
	in.BookCover = clean(in.BookCover)
	in.CardID = clean(in.CardID)
	in.ContactName = clean(in.ContactName)
	in.ContactEmail = strings.ToLower(clean(in.ContactEmail))
	in.ContactPhone = clean(in.ContactPhone)

	if in.BookID == 0 {
		return in, ErrInvalidField("bookId", "book id is required")
	}
	if in.DurationDays == 0 {
		in.DurationDays = s.defaultDuration
	}
	if in.DurationDays < MinDurationDays || in.DurationDays > MaxDurationDays {
		return in, ErrInvalidField("durationDays", "duration must be between 1 and 30 days")
	}
	switch {
	case in.CardID == "":
		return in, ErrInvalidField("cardId", "library card id is required")
	case in.ContactName == "":
		return in, ErrInvalidField("contactName", "contact name is required")
	case in.ContactEmail == "":
		return in, ErrInvalidField("contactEmail", "contact email is required")
	case !emailRe.MatchString(in.ContactEmail):
		return in, ErrInvalidField("contactEmail", "contact email is malformed")
	}
	return in, nil
}

// fillSnapshot は申請側で省略された書誌スナップショットをカタログの値で埋める
func fillSnapshot(r *BorrowRequest, b *catalog.Book) {
	if r.BookTitle == "" {
		r.BookTitle = b.Title
	}
	if r.BookAuthor == "" {
		r.BookAuthor = b.Author
	}
	if r.BookCover == "" {
		r.BookCover = b.CoverURL
	}
}

// ===== Transition =====

func (s *Service) Transition(ctx context.Context, actor auth.Actor, id string, to Status, extra TransitionExtra) (_ *BorrowRequest, err error) {
	ctx, span := s.startSpan(ctx, "transition", attribute.String("request_id", id), attribute.String("to", string(to)))
	defer func() { endSpan(span, err) }()

	if !actor.Privileged() {
		return nil, ErrForbidden("only administrators can change request status")
	}
	if _, perr := ParseStatus(string(to)); perr != nil {
		return nil, ErrInvalidField("status", perr.Error())
	}
	extra.RejectionReason = strings.TrimSpace(norm.NFC.String(extra.RejectionReason))
	if to == StatusRejected && extra.RejectionReason == "" {
		return nil, ErrInvalidField("rejectionReason", "rejection reason is required")
	}
	if extra.Fine != nil && *extra.Fine < 0 {
		return nil, ErrInvalidField("fine", "fine must not be negative")
	}

	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapRequestErr(err)
	}

	var (
		out  BorrowRequest
		from Status
	)
	err = s.repo.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		book, err := tx.LockBook(ctx, cur.BookID)
		if err != nil {
			return mapBookErr(err)
		}
		r, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return mapRequestErr(err)
		}
		from = r.Status
		if !from.CanBecome(to) {
			return ErrState(from, to)
		}

		now := s.clock.Now()
		avail, err := s.apply(r, to, actor, extra, book.Available, now)
		if err != nil {
			return err
		}
		if err := tx.Update(ctx, r, from); err != nil {
			if errors.Is(err, errStaleStatus) {
				return ErrConflict("request was modified concurrently, retry")
			}
			if errors.Is(err, errDuplicateActive) {
				return ErrConflict("an active borrow request for this book already exists")
			}
			return err
		}
		if avail != nil {
			if err := tx.SetAvailable(ctx, r.BookID, *avail); err != nil {
				return err
			}
		}
		out = *r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.count(ctx, to)
	log.Printf("[INFO] borrow transition id=%s %s->%s actor=%s", out.ID, from, to, actor.ID)
	s.emitFor(&out)
	return &out, nil
}

// apply mutates r for the transition to `to` and returns the new ledger value
// for the book, or nil when the ledger is untouched.
func (s *Service) apply(r *BorrowRequest, to Status, actor auth.Actor, extra TransitionExtra, bookAvailable bool, now time.Time) (*bool, error) {
	switch to {
	case StatusApproved:
		if !bookAvailable {
			return nil, ErrConflict("book is not available")
		}
		due := DueDate(r.SubmittedAt, r.DurationDays, extra.DueDate)
		r.Status = StatusApproved
		r.ApprovedAt = &now
		r.DueDate = &due
		r.ApproverID = ptr(actor.ID)
		return ptr(false), nil

	case StatusRejected:
		r.Status = StatusRejected
		r.RejectedAt = &now
		r.RejecterID = ptr(actor.ID)
		r.RejectionReason = ptr(extra.RejectionReason)
		return nil, nil

	case StatusBorrowed:
		r.Status = StatusBorrowed
		r.BorrowedAt = &now
		return nil, nil

	case StatusReturned:
		returnedAt := now
		if extra.ReturnedAt != nil {
			returnedAt = extra.ReturnedAt.UTC()
		}
		fine := 0.0
		switch {
		case extra.Fine != nil:
			fine = *extra.Fine
		case r.DueDate != nil:
			fine = ComputeFine(*r.DueDate, returnedAt, s.fineRate)
		}
		r.Status = StatusReturned
		r.ReturnedAt = &returnedAt
		r.Fine = &fine
		return ptr(true), nil

	case StatusOverdue:
		r.Status = StatusOverdue
		return nil, nil
	}
	return nil, ErrState(r.Status, to)
}

// ===== Withdraw =====

func (s *Service) Withdraw(ctx context.Context, actor auth.Actor, id string) (err error) {
	ctx, span := s.startSpan(ctx, "withdraw", attribute.String("request_id", id))
	defer func() { endSpan(span, err) }()

	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return mapRequestErr(err)
	}
	if err := canWithdraw(actor, cur); err != nil {
		return err
	}

	var restored bool
	err = s.repo.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockBook(ctx, cur.BookID); err != nil && !errors.Is(err, catalog.ErrBookNotFound) {
			return err
		}
		r, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return mapRequestErr(err)
		}
		if err := canWithdraw(actor, r); err != nil {
			return err
		}
		if r.Status.HoldsBook() {
			if err := tx.SetAvailable(ctx, r.BookID, true); err != nil {
				return err
			}
			restored = true
		}
		if err := tx.Delete(ctx, id); err != nil {
			return mapRequestErr(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("[INFO] borrow withdrawn id=%s actor=%s status=%s restored=%t", id, actor.ID, cur.Status, restored)
	return nil
}

func canWithdraw(actor auth.Actor, r *BorrowRequest) error {
	if actor.Privileged() {
		return nil
	}
	if !actor.Owns(r.RequesterID) {
		return ErrForbidden("not your borrow request")
	}
	if r.Status != StatusPending {
		return ErrForbidden("only pending requests can be withdrawn")
	}
	return nil
}

// ===== Sweep =====

// Sweep promotes borrowed requests past their due date to overdue. Requests
// that changed status in the meantime are counted as skipped.
func (s *Service) Sweep(ctx context.Context) (res SweepResult, err error) {
	ctx, span := s.startSpan(ctx, "sweep")
	defer func() {
		span.SetAttributes(
			attribute.Int("scanned", res.Scanned),
			attribute.Int("promoted", res.Promoted),
			attribute.Int("skipped", res.Skipped),
			attribute.Int("failed", res.Failed),
		)
		endSpan(span, err)
	}()

	now := s.clock.Now()
	after := ""
	for {
		batch, err := s.repo.ListDueForSweep(ctx, now, after, s.sweepBatch)
		if err != nil {
			return res, err
		}
		for i := range batch {
			res.Scanned++
			promoted, err := s.promoteOverdue(ctx, batch[i].ID, batch[i].BookID, now)
			switch {
			case err != nil:
				res.Failed++
				log.Printf("[ERROR] sweep id=%s: %v", batch[i].ID, err)
			case promoted != nil:
				res.Promoted++
				s.count(ctx, StatusOverdue)
				log.Printf("[INFO] borrow transition id=%s %s->%s actor=%s", promoted.ID, StatusBorrowed, StatusOverdue, auth.System().ID)
				s.emitFor(promoted)
			default:
				res.Skipped++
			}
		}
		if len(batch) < s.sweepBatch {
			break
		}
		after = batch[len(batch)-1].ID
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}

	if res.Scanned > 0 {
		log.Printf("[INFO] sweep scanned=%d promoted=%d skipped=%d failed=%d", res.Scanned, res.Promoted, res.Skipped, res.Failed)
	}
	return res, nil
}

// promoteOverdue returns nil, nil when the precondition no longer holds.
func (s *Service) promoteOverdue(ctx context.Context, id string, bookID uint64, now time.Time) (*BorrowRequest, error) {
	var out *BorrowRequest
	err := s.repo.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockBook(ctx, bookID); err != nil && !errors.Is(err, catalog.ErrBookNotFound) {
			return err
		}
		r, err := tx.GetForUpdate(ctx, id)
		if errors.Is(err, errRequestNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if r.Status != StatusBorrowed || r.DueDate == nil || !r.DueDate.Before(now) {
			return nil
		}
		r.Status = StatusOverdue
		if err := tx.Update(ctx, r, StatusBorrowed); err != nil {
			if errors.Is(err, errStaleStatus) {
				return nil
			}
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// ===== Queries =====

func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (*BorrowRequest, error) {
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapRequestErr(err)
	}
	if !actor.Privileged() && !actor.Owns(r.RequesterID) {
		return nil, ErrForbidden("not your borrow request")
	}
	return r, nil
}

func (s *Service) List(ctx context.Context, actor auth.Actor, f Filter, p Page) (*ListResult, error) {
	if !actor.Privileged() {
		f.RequesterID = actor.ID
	}
	f.Search = strings.TrimSpace(norm.NFC.String(f.Search))
	p = normalizePage(p)

	items, total, err := s.repo.List(ctx, f, p)
	if err != nil {
		return nil, err
	}
	next := p.Offset + p.Limit
	if next >= int(total) {
		next = 0
	}
	return &ListResult{Items: items, Total: total, NextOffset: next}, nil
}

func (s *Service) ListByUser(ctx context.Context, actor auth.Actor, userID string, p Page) (*ListResult, error) {
	if !actor.Privileged() && !actor.Owns(userID) {
		return nil, ErrForbidden("cannot list another user's requests")
	}
	return s.List(ctx, actor, Filter{RequesterID: userID}, p)
}

func (s *Service) Stats(ctx context.Context, actor auth.Actor) (*Stats, error) {
	if !actor.Privileged() {
		return nil, ErrForbidden("only administrators can view statistics")
	}
	by, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	overdueNow, err := s.repo.CountOverdue(ctx, s.clock.Now())
	if err != nil {
		return nil, err
	}
	st := &Stats{ByStatus: make(map[Status]int64, len(AllStatuses)), OverdueNow: overdueNow}
	for _, status := range AllStatuses {
		st.ByStatus[status] = by[status]
		st.Total += by[status]
	}
	return st, nil
}

// Now exposes the service clock for response rendering.
func (s *Service) Now() time.Time { return s.clock.Now() }

func normalizePage(p Page) Page {
	if p.Limit <= 0 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ===== helpers =====

func mapBookErr(err error) error {
	if errors.Is(err, catalog.ErrBookNotFound) {
		return ErrNotFound("book not found")
	}
	return err
}

func mapRequestErr(err error) error {
	if errors.Is(err, errRequestNotFound) {
		return ErrNotFound("borrow request not found")
	}
	return err
}

func ptr[T any](v T) *T { return &v }
