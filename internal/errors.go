package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound      ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized  ErrorType = "UNAUTHORIZED"
	ErrorTypeConflict      ErrorType = "CONFLICT"
	ErrorTypeUnprocessable ErrorType = "UNPROCESSABLE"
	ErrorTypeUnavailable   ErrorType = "UNAVAILABLE"
	ErrorTypeInternal      ErrorType = "INTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrCodeInvalidAmount   ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidCurrency ErrorCode = "INVALID_CURRENCY"
	ErrCodeInvalidMethod   ErrorCode = "INVALID_METHOD"
	ErrCodeUnknownProvider ErrorCode = "UNKNOWN_PROVIDER"

	ErrCodeIdempotencyKeyReused   ErrorCode = "IDEMPOTENCY_KEY_REUSED"
	ErrCodePaymentInProgress      ErrorCode = "PAYMENT_IN_PROGRESS"
	ErrCodeIdempotencyUnavailable ErrorCode = "IDEMPOTENCY_UNAVAILABLE"

	ErrCodeLedgerWriteFailed   ErrorCode = "LEDGER_WRITE_FAILED"
	ErrCodeLedgerUnavailable   ErrorCode = "LEDGER_UNAVAILABLE"
	ErrCodeTransactionNotFound ErrorCode = "TRANSACTION_NOT_FOUND"
	ErrCodeRefundNotFound      ErrorCode = "REFUND_NOT_FOUND"
	ErrCodeRefundNotAllowed    ErrorCode = "REFUND_NOT_ALLOWED"

	ErrCodeSignatureInvalid      ErrorCode = "SIGNATURE_INVALID"
	ErrCodeWebhookPayloadInvalid ErrorCode = "WEBHOOK_PAYLOAD_INVALID"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) GetDetailedMessage() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			messages := make([]string, len(validationErrors.Errors))
			for i, err := range validationErrors.Errors {
				messages[i] = err.Message
			}
			return strings.Join(messages, "; ")
		}
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError carrying the same code, so sentinel values work with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeInvalidRequest,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details: ValidationErrors{
			Errors: []ValidationError{
				{Field: field, Message: message, Code: string(code)},
			},
		},
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func NewUnprocessableError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnprocessable,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
	}
}

func NewUnavailableError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnavailable,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       ErrCodeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// NewLedgerWriteError marks a ledger failure that happened after the provider moved money.
func NewLedgerWriteError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       ErrCodeLedgerWriteFailed,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// Sentinels for errors.Is checks. Build fresh values with the constructors before attaching a cause.
var (
	ErrInvalidRequest         = NewValidationError("invalid payment request", ErrCodeInvalidRequest)
	ErrUnknownProvider        = NewValidationError("unknown payment provider", ErrCodeUnknownProvider)
	ErrIdempotencyKeyReused   = NewUnprocessableError("idempotency key was already used with a different request", ErrCodeIdempotencyKeyReused)
	ErrPaymentInProgress      = NewConflictError("a payment with this idempotency key is still in progress", ErrCodePaymentInProgress)
	ErrIdempotencyUnavailable = NewUnavailableError("idempotency store unavailable", ErrCodeIdempotencyUnavailable)
	ErrLedgerWriteFailed      = NewLedgerWriteError("ledger write failed after provider charge", nil)
	ErrLedgerUnavailable      = NewUnavailableError("transaction ledger unavailable", ErrCodeLedgerUnavailable)
	ErrTransactionNotFound    = NewNotFoundError("transaction not found", ErrCodeTransactionNotFound)
	ErrRefundNotFound         = NewNotFoundError("refund not found", ErrCodeRefundNotFound)
	ErrRefundNotAllowed       = NewUnprocessableError("refund not allowed for this transaction", ErrCodeRefundNotAllowed)
	ErrSignatureInvalid       = NewUnauthorizedError("webhook signature invalid", ErrCodeSignatureInvalid)
	ErrWebhookPayloadInvalid  = NewValidationError("webhook payload invalid", ErrCodeWebhookPayloadInvalid)
)

func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}
