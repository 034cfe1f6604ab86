package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/grove/internal/audit/domain"
	authdomain "github.com/smallbiznis/grove/internal/auth/domain"
	"github.com/smallbiznis/grove/internal/ratelimit"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	if len(v.Errors) == 1 {
		return v.Errors[0].Code
	}
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// errorClass maps a family of errors onto one response status and type.
type errorClass struct {
	status  int
	kind    string
	message string
	matches []error
}

// errorClasses is checked in order; the first class with a matching error
// wins. Anything unmatched is an internal error.
var errorClasses = []errorClass{
	{
		status:  http.StatusBadRequest,
		kind:    "validation_error",
		message: "validation error",
		matches: []error{
			ErrInvalidRequest,
			auditdomain.ErrInvalidPageToken,
			auditdomain.ErrInvalidTimeRange,
			auditdomain.ErrInvalidAction,
		},
	},
	{
		status:  http.StatusUnauthorized,
		kind:    "unauthorized",
		message: "unauthorized",
		matches: []error{
			ErrUnauthorized,
			authdomain.ErrInvalidSession,
			authdomain.ErrSessionExpired,
			authdomain.ErrSessionRevoked,
		},
	},
	{
		status:  http.StatusForbidden,
		kind:    "forbidden",
		message: "forbidden",
		matches: []error{ErrForbidden},
	},
	{
		status:  http.StatusNotFound,
		kind:    "not_found",
		message: "not found",
		matches: []error{ErrNotFound, authdomain.ErrUserNotFound, gorm.ErrRecordNotFound},
	},
	{
		status:  http.StatusServiceUnavailable,
		kind:    "service_unavailable",
		message: "service unavailable",
		matches: []error{ErrServiceUnavailable},
	},
}

func (ec errorClass) match(err error) (error, bool) {
	for _, target := range ec.matches {
		if errors.Is(err, target) {
			return target, true
		}
	}
	return nil, false
}

// ErrorHandlingMiddleware renders the last error a handler attached with
// AbortWithError, unless the handler already wrote a response.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		var rateErr *ratelimit.RateLimitError
		if errors.As(lastErr.Err, &rateErr) {
			writeRateLimited(c, rateErr)
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{{Field: field, Code: code, Message: message}},
	}
}

func mapError(err error) (int, errorPayload) {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if err != nil {
		for _, class := range errorClasses {
			target, ok := class.match(err)
			if !ok {
				continue
			}
			payload := errorPayload{Type: class.kind, Message: class.message}
			if class.kind == "validation_error" {
				payload.Errors = []ValidationError{sentinelValidationError(target)}
			}
			return class.status, payload
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

// sentinelValidationError turns a sentinel such as "invalid_page_token"
// into a field error on "page_token".
func sentinelValidationError(target error) ValidationError {
	code := target.Error()
	if code == "invalid_request" {
		return ValidationError{Field: "request", Code: code, Message: "invalid request"}
	}
	return ValidationError{
		Field:   strings.TrimPrefix(code, "invalid_"),
		Code:    code,
		Message: "invalid value",
	}
}

// classifyErrorForLog returns the error type and code the request log
// records for a failed request.
func classifyErrorForLog(err error) (string, string) {
	var rateErr *ratelimit.RateLimitError
	if errors.As(err, &rateErr) {
		return "rate_limit", "rate_limit"
	}
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}
