package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elibrary-backend/internal/platform/auth"
)

var secret = []byte("notify-secret")

type memInbox struct {
	items []Notification
}

func (m *memInbox) List(_ context.Context, f ListFilter) ([]Notification, int64, error) {
	out := []Notification{}
	for _, n := range m.items {
		if n.UserID == f.UserID && (!f.UnreadOnly || !n.IsRead) {
			out = append(out, n)
		}
	}
	total := int64(len(out))
	if f.Offset >= len(out) {
		return []Notification{}, total, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (m *memInbox) UnreadCount(_ context.Context, userID string) (int64, error) {
	var n int64
	for _, it := range m.items {
		if it.UserID == userID && !it.IsRead {
			n++
		}
	}
	return n, nil
}

func (m *memInbox) MarkRead(_ context.Context, userID, id string) error {
	for i := range m.items {
		if m.items[i].ID == id && m.items[i].UserID == userID {
			m.items[i].IsRead = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *memInbox) Notify(_ context.Context, n Notification) error {
	m.items = append(m.items, n)
	return nil
}

func (m *memInbox) MarkAllRead(_ context.Context, userID string) (int64, error) {
	var n int64
	for i := range m.items {
		if m.items[i].UserID == userID && !m.items[i].IsRead {
			m.items[i].IsRead = true
			n++
		}
	}
	return n, nil
}

func newTestRouter(t *testing.T, inbox Inbox) (*gin.Engine, func(method, path, user string) *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r.Group("/api", auth.RequireAuth(secret)), inbox, auth.RequireRole(auth.RoleAdmin))

	do := func(method, path, user string) *httptest.ResponseRecorder {
		tok, err := auth.IssueToken(secret, user, auth.RoleUser, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}
	return r, do
}

func Test_NotificationRoutes(t *testing.T) {
	inbox := &memInbox{items: []Notification{
		{ID: "n1", UserID: "alice", Kind: KindBorrowApproved, Title: "approved"},
		{ID: "n2", UserID: "alice", Kind: KindDueReminder, Title: "overdue"},
		{ID: "n3", UserID: "bob", Kind: KindBorrowRejected, Title: "rejected"},
	}}
	_, do := newTestRouter(t, inbox)

	w := do(http.MethodGet, "/api/notifications/unread-count", "alice")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":2}`, w.Body.String())

	w = do(http.MethodGet, "/api/notifications?limit=1", "alice")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":2`)
	assert.Contains(t, w.Body.String(), `"next_offset":1`)

	w = do(http.MethodPut, "/api/notifications/mark-read/n3", "alice")
	assert.Equal(t, http.StatusNotFound, w.Code, "Should not mark another user's notification")

	w = do(http.MethodPut, "/api/notifications/mark-read/n1", "alice")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(http.MethodPut, "/api/notifications/mark-all-read", "alice")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"updated":1}`, w.Body.String())

	w = do(http.MethodGet, "/api/notifications/unread-count", "bob")
	assert.JSONEq(t, `{"count":1}`, w.Body.String())
}

func Test_NotificationRoutes_RequireAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r.Group("/api", auth.RequireAuth(secret)), &memInbox{}, auth.RequireRole(auth.RoleAdmin))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/notifications", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func Test_CreateNotification(t *testing.T) {
	inbox := &memInbox{}
	r, do := newTestRouter(t, inbox)

	post := func(role string, body any) *httptest.ResponseRecorder {
		t.Helper()
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		tok, err := auth.IssueToken(secret, "librarian", role, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/notifications", &buf)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	t.Run("admin creates", func(t *testing.T) {
		w := post(auth.RoleAdmin, map[string]any{
			"user_id": "alice", "kind": "new_book", "title": " 新着 ", "message": "SICP が入荷しました", "book_id": 5,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var got Notification
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.NotEmpty(t, got.ID)
		assert.Equal(t, KindNewBook, got.Kind)
		assert.Equal(t, "新着", got.Title)
		require.NotNil(t, got.BookID)
		assert.Equal(t, uint64(5), *got.BookID)

		w = do(http.MethodGet, "/api/notifications/unread-count", "alice")
		assert.JSONEq(t, `{"count":1}`, w.Body.String())
	})

	t.Run("kind defaults to general", func(t *testing.T) {
		w := post(auth.RoleAdmin, map[string]any{"user_id": "bob", "title": "t", "message": "m"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"kind":"general"`)
	})

	cases := map[string]struct {
		role   string
		body   map[string]any
		status int
	}{
		"user is forbidden": {auth.RoleUser, map[string]any{"user_id": "bob", "title": "t", "message": "m"}, http.StatusForbidden},
		"unknown kind":      {auth.RoleAdmin, map[string]any{"user_id": "bob", "kind": "spam", "title": "t", "message": "m"}, http.StatusBadRequest},
		"missing title":     {auth.RoleAdmin, map[string]any{"user_id": "bob", "message": "m"}, http.StatusBadRequest},
		"blank message":     {auth.RoleAdmin, map[string]any{"user_id": "bob", "title": "t", "message": "   "}, http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			before := len(inbox.items)

			w := post(tc.role, tc.body)

			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Len(t, inbox.items, before, "rejected requests must not store anything")
		})
	}
}

func Test_ParseKind(t *testing.T) {
	k, ok := ParseKind("")
	assert.True(t, ok)
	assert.Equal(t, KindGeneral, k)

	k, ok = ParseKind("due_reminder")
	assert.True(t, ok)
	assert.Equal(t, KindDueReminder, k)

	_, ok = ParseKind("DUE_REMINDER")
	assert.False(t, ok)
}
