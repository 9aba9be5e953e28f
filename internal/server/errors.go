package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	"github.com/smallbiznis/caisse/internal/authorization"
	closingdomain "github.com/smallbiznis/caisse/internal/closing/domain"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	obstracing "github.com/smallbiznis/caisse/internal/observability/tracing"
	organizationdomain "github.com/smallbiznis/caisse/internal/organization/domain"
	"github.com/smallbiznis/caisse/internal/ratelimit"
	saledomain "github.com/smallbiznis/caisse/internal/sale/domain"
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
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
	Data  any          `json:"data,omitempty"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// IntegrityError reports a broken chain. It is never folded into a generic
// server error.
type IntegrityError struct {
	Result *ledgerdomain.VerificationResult
}

func (e *IntegrityError) Error() string {
	if e.Result == nil || e.Result.BrokenAt == nil {
		return "fiscal_integrity_compromised"
	}
	return "fiscal_integrity_compromised: " + e.Result.Message
}

// ReportConflictError carries the existing report of a duplicate generation.
type ReportConflictError struct {
	Err      error
	Existing *closingdomain.ReportView
}

func (e *ReportConflictError) Error() string { return e.Err.Error() }

func (e *ReportConflictError) Unwrap() error { return e.Err }

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

		status, payload := mapError(lastErr.Err)
		c.Set(obstracing.ErrorTypeKey, payload.Type)
		if retryAfter := retryAfterSeconds(lastErr.Err); retryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload, Data: errorData(lastErr.Err)})
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
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	var integrityErr *IntegrityError
	var consistencyErr *ledgerdomain.ConsistencyError

	switch {
	case errors.As(err, &integrityErr):
		message := "ledger verification failed"
		if integrityErr.Result != nil && integrityErr.Result.Message != "" {
			message = integrityErr.Result.Message
		}
		return http.StatusConflict, errorPayload{
			Type:    "fiscal_integrity_compromised",
			Message: message,
		}
	case errors.As(err, &consistencyErr),
		isConsistencyViolation(err):
		return http.StatusInternalServerError, errorPayload{
			Type:    "ledger_consistency_violation",
			Message: err.Error(),
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authorization.ErrInvalidActor),
		errors.Is(err, authorization.ErrInvalidRole):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, closingdomain.ErrReportAlreadyExists):
		return http.StatusConflict, errorPayload{
			Type:    "report_already_exists",
			Message: "a report already exists for this business day",
		}
	case errors.Is(err, saledomain.ErrBusinessDayClosed):
		return http.StatusConflict, errorPayload{
			Type:    "business_day_closed",
			Message: "the business day of this sale is already closed",
		}
	case errors.Is(err, closingdomain.ErrInvalidStatusTransition):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_status_transition",
			Message: "report status cannot move to the requested value",
		}
	case errors.Is(err, closingdomain.ErrReportSignatureMismatch):
		return http.StatusConflict, errorPayload{
			Type:    "report_signature_mismatch",
			Message: "stored report totals no longer match their signature",
		}
	case errors.Is(err, ratelimit.ErrVerificationInFlight):
		return http.StatusConflict, errorPayload{
			Type:    "verification_in_progress",
			Message: "a verification is already running for this organization",
		}
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many verification requests",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ledgerdomain.ErrChainLockTimeout):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "chain_lock_timeout",
			Message: "ledger is busy, retry the sale",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func errorData(err error) any {
	var integrityErr *IntegrityError
	if errors.As(err, &integrityErr) && integrityErr.Result != nil {
		return integrityErr.Result
	}
	var conflict *ReportConflictError
	if errors.As(err, &conflict) && conflict.Existing != nil {
		return conflict.Existing
	}
	return nil
}

func retryAfterSeconds(err error) int {
	var limited *ratelimit.LimitedError
	if errors.As(err, &limited) {
		seconds := int(math.Ceil(limited.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		return seconds
	}
	if errors.Is(err, ledgerdomain.ErrChainLockTimeout) {
		return 1
	}
	return 0
}

func classifyErrorForLog(err error) (string, string) {
	if vErr := asValidationErrors(err); vErr != nil && len(vErr.Errors) > 0 {
		return "validation_error", vErr.Errors[0].Code
	}
	_, payload := mapError(err)
	if isValidationError(err) {
		return payload.Type, validationErrorCode(err)
	}
	return payload.Type, payload.Type
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var validationSentinels = []error{
	ErrInvalidRequest,
	saledomain.ErrInvalidOrganization,
	saledomain.ErrInvalidPaymentMethod,
	saledomain.ErrInvalidLines,
	saledomain.ErrInvalidQuantity,
	saledomain.ErrInvalidUnitPrice,
	saledomain.ErrInvalidVATRate,
	saledomain.ErrInvalidCurrency,
	saledomain.ErrInvalidRange,
	saledomain.ErrCompletedInFuture,
	ledgerdomain.ErrInvalidOrganization,
	ledgerdomain.ErrInvalidPage,
	ledgerdomain.ErrInvalidSnapshot,
	closingdomain.ErrInvalidOrganization,
	closingdomain.ErrInvalidDate,
	closingdomain.ErrInvalidStatus,
	closingdomain.ErrReportDateInFuture,
	organizationdomain.ErrInvalidOrganization,
	auditdomain.ErrInvalidOrganization,
	auditdomain.ErrInvalidTimeRange,
	authorization.ErrInvalidOrganization,
	authorization.ErrInvalidObject,
	authorization.ErrInvalidAction,
}

func isValidationError(err error) bool {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func isConsistencyViolation(err error) bool {
	switch {
	case errors.Is(err, ledgerdomain.ErrChainConflict),
		errors.Is(err, ledgerdomain.ErrSaleAlreadyChained),
		errors.Is(err, ledgerdomain.ErrChainHeadMismatch),
		errors.Is(err, ledgerdomain.ErrImmutableField),
		errors.Is(err, closingdomain.ErrImmutableField):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, saledomain.ErrSaleNotFound),
		errors.Is(err, closingdomain.ErrReportNotFound),
		errors.Is(err, organizationdomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "invalid_request"
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "report_date_in_future":
		return "date"
	case "completed_at_in_future":
		return "completed_at"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "report_date_in_future":
		return "business day has not started yet"
	case "completed_at_in_future":
		return "sale cannot complete in the future"
	default:
		return "invalid value"
	}
}
