package borrow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"elibrary-backend/internal/catalog"
	"elibrary-backend/internal/notify"
	"elibrary-backend/internal/platform/auth"
)

// memRepo is an in-memory Repository. A single mutex serialises transactions,
// which is at least as strict as the book/request row locks MySQL takes.
type memRepo struct {
	mu    sync.Mutex
	books map[uint64]catalog.Book
	reqs  map[string]BorrowRequest

	failNextTx error
}

func newMemRepo(books ...catalog.Book) *memRepo {
	r := &memRepo{books: map[uint64]catalog.Book{}, reqs: map[string]BorrowRequest{}}
	for _, b := range books {
		r.books[b.BookID] = b
	}
	return r
}

func (m *memRepo) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNextTx; err != nil {
		m.failNextTx = nil
		return err
	}

	books := make(map[uint64]catalog.Book, len(m.books))
	for k, v := range m.books {
		books[k] = v
	}
	reqs := make(map[string]BorrowRequest, len(m.reqs))
	for k, v := range m.reqs {
		reqs[k] = v
	}

	if err := fn(ctx, &memTx{m: m}); err != nil {
		m.books, m.reqs = books, reqs
		return err
	}
	return nil
}

func (m *memRepo) Get(_ context.Context, id string) (*BorrowRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reqs[id]
	if !ok {
		return nil, errRequestNotFound
	}
	return &r, nil
}

func (m *memRepo) List(_ context.Context, f Filter, p Page) ([]BorrowRequest, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []BorrowRequest
	for _, r := range m.reqs {
		if f.RequesterID != "" && r.RequesterID != f.RequesterID {
			continue
		}
		if f.BookID != 0 && r.BookID != f.BookID {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		if f.Search != "" && !matchesSearch(r, f.Search) {
			continue
		}
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].SubmittedAt.Equal(all[j].SubmittedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].SubmittedAt.After(all[j].SubmittedAt)
	})
	total := int64(len(all))
	if p.Offset >= len(all) {
		return []BorrowRequest{}, total, nil
	}
	all = all[p.Offset:]
	if len(all) > p.Limit {
		all = all[:p.Limit]
	}
	return all, total, nil
}

func matchesSearch(r BorrowRequest, term string) bool {
	term = strings.ToLower(term)
	for _, v := range []string{r.BookTitle, r.ContactName, r.ContactEmail, r.CardID} {
		if strings.Contains(strings.ToLower(v), term) {
			return true
		}
	}
	return false
}

func (m *memRepo) ListDueForSweep(_ context.Context, now time.Time, afterID string, limit int) ([]BorrowRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BorrowRequest
	for _, r := range m.reqs {
		if r.Status == StatusBorrowed && r.DueDate != nil && r.DueDate.Before(now) && r.ID > afterID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) CountByStatus(_ context.Context) (map[Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[Status]int64{}
	for _, r := range m.reqs {
		out[r.Status]++
	}
	return out, nil
}

func (m *memRepo) CountOverdue(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.reqs {
		if r.Status == StatusBorrowed && r.DueDate != nil && r.DueDate.Before(now) {
			n++
		}
	}
	return n, nil
}

// test helpers (take the lock themselves)

func (m *memRepo) available(bookID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.books[bookID].Available
}

func (m *memRepo) request(id string) (BorrowRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reqs[id]
	return r, ok
}

func (m *memRepo) put(r BorrowRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs[r.ID] = r
}

func (m *memRepo) snapshot() ([]catalog.Book, []BorrowRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bs []catalog.Book
	for _, b := range m.books {
		bs = append(bs, b)
	}
	var rs []BorrowRequest
	for _, r := range m.reqs {
		rs = append(rs, r)
	}
	return bs, rs
}

type memTx struct{ m *memRepo }

func (t *memTx) LockBook(_ context.Context, bookID uint64) (*catalog.Book, error) {
	b, ok := t.m.books[bookID]
	if !ok {
		return nil, catalog.ErrBookNotFound
	}
	return &b, nil
}

func (t *memTx) SetAvailable(_ context.Context, bookID uint64, available bool) error {
	if b, ok := t.m.books[bookID]; ok {
		b.Available = available
		t.m.books[bookID] = b
	}
	return nil
}

func (t *memTx) GetForUpdate(_ context.Context, id string) (*BorrowRequest, error) {
	r, ok := t.m.reqs[id]
	if !ok {
		return nil, errRequestNotFound
	}
	return &r, nil
}

func (t *memTx) HasActive(_ context.Context, requesterID string, bookID uint64) (bool, error) {
	for _, r := range t.m.reqs {
		if r.RequesterID == requesterID && r.BookID == bookID && r.Status.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) Insert(_ context.Context, r *BorrowRequest) error {
	if _, dup := t.m.reqs[r.ID]; dup {
		return errDuplicateActive
	}
	for _, o := range t.m.reqs {
		if o.RequesterID == r.RequesterID && o.BookID == r.BookID && o.Status.IsActive() && r.Status.IsActive() {
			return errDuplicateActive
		}
	}
	t.m.reqs[r.ID] = *r
	return nil
}

func (t *memTx) Update(_ context.Context, r *BorrowRequest, from Status) error {
	cur, ok := t.m.reqs[r.ID]
	if !ok || cur.Status != from {
		return errStaleStatus
	}
	t.m.reqs[r.ID] = *r
	return nil
}

func (t *memTx) Delete(_ context.Context, id string) error {
	if _, ok := t.m.reqs[id]; !ok {
		return errRequestNotFound
	}
	delete(t.m.reqs, id)
	return nil
}

// ===== clock / emitter =====

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingEmitter struct {
	mu     sync.Mutex
	got    []notify.Notification
	refuse bool
}

func (e *recordingEmitter) Emit(n notify.Notification) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refuse {
		return false
	}
	e.got = append(e.got, n)
	return true
}

func (e *recordingEmitter) kinds() []notify.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]notify.Kind, 0, len(e.got))
	for _, n := range e.got {
		out = append(out, n.Kind)
	}
	return out
}

// ===== fixtures =====

var (
	t0     = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	admin  = auth.Actor{ID: "admin-1", Role: auth.RoleAdmin}
	alice  = auth.Actor{ID: "alice", Role: auth.RoleUser}
	bob    = auth.Actor{ID: "bob", Role: auth.RoleUser}
	bookGo = catalog.Book{BookID: 1, Title: "The Go Programming Language", Author: "Donovan", Available: true}
	bookDB = catalog.Book{BookID: 2, Title: "Designing Data-Intensive Applications", Author: "Kleppmann", Available: true}
)

type fixture struct {
	repo    *memRepo
	clock   *fakeClock
	emitter *recordingEmitter
	svc     *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMemRepo(bookGo, bookDB),
		clock:   newFakeClock(t0),
		emitter: &recordingEmitter{},
	}
	opts = append([]Option{WithClock(f.clock)}, opts...)
	f.svc = NewService(f.repo, f.emitter, opts...)
	return f
}

func validInput(bookID uint64) SubmitInput {
	return SubmitInput{
		BookID:       bookID,
		CardID:       "LIB-0001",
		ContactName:  "Alice Example",
		ContactEmail: "alice@example.com",
		ContactPhone: "+1 555 0100",
	}
}

// mustSubmit submits as actor and fails the test on error.
func (f *fixture) mustSubmit(t *testing.T, actor auth.Actor, bookID uint64) *BorrowRequest {
	t.Helper()
	r, err := f.svc.Submit(context.Background(), actor, validInput(bookID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return r
}

func (f *fixture) mustTransition(t *testing.T, id string, to Status, extra TransitionExtra) *BorrowRequest {
	t.Helper()
	r, err := f.svc.Transition(context.Background(), admin, id, to, extra)
	if err != nil {
		t.Fatalf("transition %s: %v", to, err)
	}
	return r
}
