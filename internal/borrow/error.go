package borrow

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"      // 貸出中・重複申請
	CodeInvalidState    Code = "INVALID_STATE" // 現在のステータスから遷移できない
	CodeForbidden       Code = "FORBIDDEN"
	CodeInternal        Code = "INTERNAL"
)

type APIError struct {
	Code    Code
	Message string
	Field   string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func ErrInvalid(msg string) *APIError { return &APIError{Code: CodeInvalidArgument, Message: msg} }
func ErrInvalidField(field, msg string) *APIError {
	return &APIError{Code: CodeInvalidArgument, Message: msg, Field: field}
}
func ErrNotFound(msg string) *APIError  { return &APIError{Code: CodeNotFound, Message: msg} }
func ErrConflict(msg string) *APIError  { return &APIError{Code: CodeConflict, Message: msg} }
func ErrForbidden(msg string) *APIError { return &APIError{Code: CodeForbidden, Message: msg} }
func ErrState(from, to Status) *APIError {
	return &APIError{Code: CodeInvalidState, Message: fmt.Sprintf("cannot transition from %s to %s", from, to)}
}

// 以下はストア層のセンチネル。サービスで APIError に変換する
var (
	errRequestNotFound = errors.New("borrow request not found")
	errStaleStatus     = errors.New("borrow request status changed concurrently")
	errDuplicateActive = errors.New("duplicate active borrow request")
)

func ToHTTPStatus(err error) int {
	var api *APIError
	if errors.As(err, &api) {
		switch api.Code {
		case CodeInvalidArgument:
			return http.StatusBadRequest
		case CodeNotFound:
			return http.StatusNotFound
		case CodeConflict:
			return http.StatusConflict
		case CodeInvalidState:
			return http.StatusUnprocessableEntity
		case CodeForbidden:
			return http.StatusForbidden
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}

func IsCode(err error, code Code) bool {
	var api *APIError
	return errors.As(err, &api) && api.Code == code
}
