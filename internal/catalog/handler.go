package catalog

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type AvailabilityReader interface {
	Available(ctx context.Context, bookID uint64) (bool, error)
}

type Handler struct{ ledger AvailabilityReader }

func RegisterRoutes(r gin.IRoutes, ledger AvailabilityReader) {
	h := &Handler{ledger: ledger}

	r.GET("/books/:book_id/availability", h.GetAvailability)
}

func (h *Handler) GetAvailability(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("book_id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_ARGUMENT", "invalid book_id"))
		return
	}
	ok, err := h.ledger.Available(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrBookNotFound) {
			c.JSON(http.StatusNotFound, errorBody("NOT_FOUND", "book not found"))
			return
		}
		log.Printf("[ERROR] availability book_id=%d: %v", id, err)
		c.JSON(http.StatusInternalServerError, errorBody("INTERNAL", "internal error"))
		return
	}
	c.JSON(http.StatusOK, AvailabilityResponse{BookID: id, Available: ok})
}

func errorBody(code, msg string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": msg}}
}
