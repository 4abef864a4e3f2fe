package borrow

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"elibrary-backend/internal/platform/auth"
)

type Handler struct{ svc *Service }

// RegisterRoutes は認証済みグループに貸出申請のエンドポイントを登録する。
// adminOnly は管理者専用ルートにだけ付ける
func RegisterRoutes(r gin.IRoutes, svc *Service, adminOnly gin.HandlerFunc) {
	h := &Handler{svc: svc}

	r.POST("/borrow-requests", h.Submit)
	r.GET("/borrow-requests", h.List)
	r.GET("/borrow-requests/stats", adminOnly, h.Stats)
	r.GET("/borrow-requests/export", adminOnly, h.Export)
	r.POST("/borrow-requests/sweep", adminOnly, h.Sweep)
	r.GET("/borrow-requests/user/:user_id", h.ListByUser)
	r.GET("/borrow-requests/:id", h.Get)
	r.PUT("/borrow-requests/:id", adminOnly, h.Transition)
	r.DELETE("/borrow-requests/:id", h.Withdraw)
}

// ---------- handlers ----------

func (h *Handler) Submit(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, bindError(err, req))
		return
	}
	in, err := req.toInput()
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.svc.Submit(c.Request.Context(), actor, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Location", "/api/borrow-requests/"+res.ID)
	c.JSON(http.StatusCreated, toResponse(res, h.svc.Now()))
}

func (h *Handler) Get(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	res, err := h.svc.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(res, h.svc.Now()))
}

func (h *Handler) List(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	f, ok := filterFrom(c)
	if !ok {
		return
	}
	res, err := h.svc.List(c.Request.Context(), actor, f, pageFrom(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.listResponse(res))
}

func (h *Handler) ListByUser(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	res, err := h.svc.ListByUser(c.Request.Context(), actor, c.Param("user_id"), pageFrom(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.listResponse(res))
}

func (h *Handler) Transition(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, bindError(err, req))
		return
	}
	to, err := ParseStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, err.Error(), "status"))
		return
	}
	res, err := h.svc.Transition(c.Request.Context(), actor, c.Param("id"), to, req.extra())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(res, h.svc.Now()))
}

func (h *Handler) Withdraw(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	if err := h.svc.Withdraw(c.Request.Context(), actor, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Stats(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	st, err := h.svc.Stats(c.Request.Context(), actor)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, StatsResponse{ByStatus: st.ByStatus, Total: st.Total, OverdueNow: st.OverdueNow})
}

// Export は CSV を返す。?encoding=sjis で CP932
func (h *Handler) Export(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	f, ok := filterFrom(c)
	if !ok {
		return
	}
	items, err := h.svc.Export(c.Request.Context(), actor, f)
	if err != nil {
		h.fail(c, err)
		return
	}

	sjis := strings.EqualFold(c.Query("encoding"), "sjis")
	charset := "utf-8"
	if sjis {
		charset = "Shift_JIS"
	}
	now := h.svc.Now()
	c.Header("Content-Type", "text/csv; charset="+charset)
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="borrow-requests-%s.csv"`, now.Format("20060102")))
	c.Status(http.StatusOK)
	if err := WriteCSV(c.Writer, items, now, sjis); err != nil {
		// ヘッダ送信後なのでステータスは変えられない
		log.Printf("[ERROR] export csv: %v", err)
	}
}

func (h *Handler) Sweep(c *gin.Context) {
	res, err := h.svc.Sweep(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SweepResponse(res))
}

// ---------- helpers ----------

func (h *Handler) listResponse(res *ListResult) ListResponse {
	now := h.svc.Now()
	out := ListResponse{
		Items:      make([]BorrowRequestResponse, 0, len(res.Items)),
		Total:      res.Total,
		NextOffset: res.NextOffset,
	}
	for i := range res.Items {
		out.Items = append(out.Items, toResponse(&res.Items[i], now))
	}
	return out
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := ToHTTPStatus(err)
	var api *APIError
	if errors.As(err, &api) && status != http.StatusInternalServerError {
		c.JSON(status, errorBody(api.Code, api.Message, api.Field))
		return
	}
	log.Printf("[ERROR] %s %s: %v", c.Request.Method, c.FullPath(), err)
	c.JSON(http.StatusInternalServerError, errorBody(CodeInternal, "internal error", ""))
}

// bindError は ShouldBindJSON の失敗を field 付きの INVALID_ARGUMENT にする。
// req はバインド先の構造体（JSON 名の解決に使う）
func bindError(err error, req any) *APIError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return ErrInvalidField(typeErr.Field, fmt.Sprintf("%s must be %s", typeErr.Field, typeErr.Type))
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		name := jsonName(req, fe.StructField())
		if fe.Tag() == "required" {
			return ErrInvalidField(name, name+" is required")
		}
		return ErrInvalidField(name, "invalid "+name)
	}
	return ErrInvalid("invalid json")
}

func jsonName(v any, field string) string {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if sf, ok := t.FieldByName(field); ok {
		if tag, _, _ := strings.Cut(sf.Tag.Get("json"), ","); tag != "" && tag != "-" {
			return tag
		}
	}
	return field
}

// filterFrom は一覧系のクエリを Filter にする。不正なら 400 を書いて false
func filterFrom(c *gin.Context) (Filter, bool) {
	f := Filter{Search: c.Query("search")}
	if v := c.Query("status"); v != "" && v != "all" {
		st, err := ParseStatus(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, err.Error(), "status"))
			return f, false
		}
		f.Status = &st
	}
	if v := c.Query("book_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "invalid book_id", "book_id"))
			return f, false
		}
		f.BookID = id
	}
	// 一般ユーザーはサービス側で自分に固定される
	f.RequesterID = c.Query("requester_id")
	return f, true
}

func actorOrAbort(c *gin.Context) (auth.Actor, bool) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "UNAUTHENTICATED", "message": "missing identity"}})
	}
	return actor, ok
}

func pageFrom(c *gin.Context) Page {
	return Page{
		Limit:  parseIntDefault(c.Query("limit"), 20),
		Offset: parseIntDefault(c.Query("offset"), 0),
	}
}

func errorBody(code Code, msg, field string) errDTO {
	var e errDTO
	e.Error.Code = code
	e.Error.Message = msg
	e.Error.Field = field
	return e
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
