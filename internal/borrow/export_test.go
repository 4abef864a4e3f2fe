package borrow

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/japanese"
)

func Test_Export_PagesThroughEverything(t *testing.T) {
	books := make([]uint64, 0, 3)
	f := newFixture(t)
	for i := uint64(10); i < 13; i++ {
		f.repo.books[i] = bookWithID(i)
		books = append(books, i)
	}
	for _, id := range books {
		f.mustSubmit(t, alice, id)
	}
	// exportPageSize を跨ぐ件数
	for i := 0; i < exportPageSize; i++ {
		f.repo.put(BorrowRequest{
			ID: fmt.Sprintf("BRW-0-%010d", i), RequesterID: "bob", BookID: 1,
			BookTitle: "t", BookAuthor: "a", DurationDays: 14, Status: StatusReturned, SubmittedAt: t0,
		})
	}

	all, err := f.svc.Export(context.Background(), admin, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, exportPageSize+3)

	pending := StatusPending
	some, err := f.svc.Export(context.Background(), admin, Filter{Status: &pending})
	require.NoError(t, err)
	assert.Len(t, some, 3)

	_, err = f.svc.Export(context.Background(), alice, Filter{})
	assert.True(t, IsCode(err, CodeForbidden))
}

func Test_WriteCSV(t *testing.T) {
	f := newFixture(t)
	r := f.mustSubmit(t, alice, bookGo.BookID)
	f.mustTransition(t, r.ID, StatusRejected, TransitionExtra{RejectionReason: "在庫確認中"})
	got, _ := f.repo.request(r.ID)
	got.BookTitle = "吾輩は猫である 🐈"

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, []BorrowRequest{got}, t0, false))

	recs, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, exportHeader, recs[0])
	assert.Equal(t, r.ID, recs[1][0])
	assert.Equal(t, "吾輩は猫である 🐈", recs[1][3])
	assert.Equal(t, "rejected", recs[1][10])
	assert.Equal(t, "", recs[1][16], "no fine before return")
}

func Test_WriteCSV_ShiftJIS(t *testing.T) {
	r := BorrowRequest{
		ID: "BRW-1-AAAAAAAAAA", RequesterID: "alice", BookID: 4,
		BookTitle: "吾輩は猫である 🐈", BookAuthor: "夏目漱石",
		DurationDays: 14, Status: StatusPending, SubmittedAt: t0,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, []BorrowRequest{r}, t0, true))

	decoded, err := japanese.ShiftJIS.NewDecoder().Bytes(buf.Bytes())
	require.NoError(t, err)
	recs, err := csv.NewReader(bytes.NewReader(decoded)).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "夏目漱石", recs[1][4])
	assert.True(t, strings.HasPrefix(recs[1][3], "吾輩は猫である "), recs[1][3])
	assert.NotContains(t, recs[1][3], "🐈", "unencodable runes are replaced")
}

func Test_Handler_Export(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f)
	f.mustSubmit(t, alice, bookGo.BookID)

	w := api.do(admin, http.MethodGet, "/api/borrow-requests/export?encoding=sjis", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/csv; charset=Shift_JIS", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "borrow-requests-20250301.csv")

	w = api.do(alice, http.MethodGet, "/api/borrow-requests/export", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
