package notify

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"elibrary-backend/internal/platform/auth"
)

type Inbox interface {
	List(ctx context.Context, f ListFilter) ([]Notification, int64, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Notifier
}

// CreateRequest は管理者からのお知らせ（新着図書など）
type CreateRequest struct {
	UserID    string  `json:"user_id" binding:"required"`
	Kind      string  `json:"kind"`
	Title     string  `json:"title" binding:"required"`
	Message   string  `json:"message" binding:"required"`
	RequestID *string `json:"request_id"`
	BookID    *uint64 `json:"book_id"`
}

type Handler struct{ inbox Inbox }

// RegisterRoutes は認証済みグループに通知ルートを登録する。作成だけ adminOnly を通す
func RegisterRoutes(r gin.IRoutes, inbox Inbox, adminOnly gin.HandlerFunc) {
	h := &Handler{inbox: inbox}

	r.POST("/notifications", adminOnly, h.Create)
	r.GET("/notifications", h.List)
	r.GET("/notifications/unread-count", h.UnreadCount)
	r.PUT("/notifications/mark-read/:id", h.MarkRead)
	r.PUT("/notifications/mark-all-read", h.MarkAllRead)
}

func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_ARGUMENT", "user_id, title and message are required"))
		return
	}
	kind, ok := ParseKind(strings.TrimSpace(req.Kind))
	if !ok {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_ARGUMENT", "unknown kind: "+req.Kind))
		return
	}
	n := Notification{
		ID:        uuid.NewString(),
		UserID:    strings.TrimSpace(req.UserID),
		Kind:      kind,
		Title:     strings.TrimSpace(req.Title),
		Message:   strings.TrimSpace(req.Message),
		RequestID: req.RequestID,
		BookID:    req.BookID,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if n.UserID == "" || n.Title == "" || n.Message == "" {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_ARGUMENT", "user_id, title and message must not be blank"))
		return
	}
	if err := h.inbox.Notify(c.Request.Context(), n); err != nil {
		internalError(c, "create notification", err)
		return
	}
	c.JSON(http.StatusCreated, n)
}

func (h *Handler) List(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody("UNAUTHENTICATED", "missing identity"))
		return
	}
	f := ListFilter{
		UserID:     actor.ID,
		UnreadOnly: c.Query("unread") == "true",
		Limit:      clamp(atoiDef(c.Query("limit"), 20), 1, 100),
		Offset:     max(atoiDef(c.Query("offset"), 0), 0),
	}
	items, total, err := h.inbox.List(c.Request.Context(), f)
	if err != nil {
		internalError(c, "list notifications", err)
		return
	}
	next := f.Offset + f.Limit
	if next >= int(total) {
		next = 0
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total, "next_offset": next})
}

func (h *Handler) UnreadCount(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody("UNAUTHENTICATED", "missing identity"))
		return
	}
	n, err := h.inbox.UnreadCount(c.Request.Context(), actor.ID)
	if err != nil {
		internalError(c, "unread count", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h *Handler) MarkRead(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody("UNAUTHENTICATED", "missing identity"))
		return
	}
	err := h.inbox.MarkRead(c.Request.Context(), actor.ID, c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody("NOT_FOUND", "notification not found"))
	case err != nil:
		internalError(c, "mark read", err)
	default:
		c.Status(http.StatusNoContent)
	}
}

func (h *Handler) MarkAllRead(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody("UNAUTHENTICATED", "missing identity"))
		return
	}
	n, err := h.inbox.MarkAllRead(c.Request.Context(), actor.ID)
	if err != nil {
		internalError(c, "mark all read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

func internalError(c *gin.Context, op string, err error) {
	log.Printf("[ERROR] %s: %v", op, err)
	c.JSON(http.StatusInternalServerError, errorBody("INTERNAL", "internal error"))
}

func errorBody(code, msg string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": msg}}
}

func atoiDef(s string, d int) int {
	if s == "" {
		return d
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return d
	}
	return n
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
