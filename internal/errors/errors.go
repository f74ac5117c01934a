package errors

import (
	"net/http"
	"strconv"
	"time"
)

// ErrorCode represents a standardized error code.
// The first three digits are the HTTP status of the error class.
type ErrorCode string

const (
	// Authentication errors (401xx)
	ErrUnauthorized       ErrorCode = "40100"
	ErrInvalidCredentials ErrorCode = "40101"
	ErrTokenExpired       ErrorCode = "40102"

	// Authorization errors (403xx)
	ErrForbidden      ErrorCode = "40300"
	ErrNotOwner       ErrorCode = "40301"
	ErrNotBuyer       ErrorCode = "40302"
	ErrNotSeller      ErrorCode = "40303"
	ErrNotParticipant ErrorCode = "40304"

	// Resource errors (404xx)
	ErrNotFound        ErrorCode = "40400"
	ErrSaleNotFound    ErrorCode = "40401"
	ErrProductNotFound ErrorCode = "40402"
	ErrUserNotFound    ErrorCode = "40403"
	ErrThreadNotFound  ErrorCode = "40404"

	// Request errors (400xx)
	ErrInvalidRequest   ErrorCode = "40001"
	ErrValidationFailed ErrorCode = "40002"

	// State conflicts (409xx)
	ErrConflict        ErrorCode = "40900"
	ErrAlreadySold     ErrorCode = "40901"
	ErrSaleNotPending  ErrorCode = "40902"
	ErrAlreadyReviewed ErrorCode = "40903"
	ErrEmailTaken      ErrorCode = "40904"
	ErrUsernameTaken   ErrorCode = "40905"
	ErrListingLocked   ErrorCode = "40906"

	// Unmet preconditions (422xx)
	ErrNoChatThread        ErrorCode = "42201"
	ErrReviewPeriodExpired ErrorCode = "42202"
	ErrSaleNotCompleted    ErrorCode = "42203"
	ErrSelfDealing         ErrorCode = "42204"
	ErrListingUnavailable  ErrorCode = "42205"

	// Rate limit errors (429xx)
	ErrRateLimited ErrorCode = "42901"

	// Server errors (500xx)
	ErrInternalServer     ErrorCode = "50001"
	ErrServiceUnavailable ErrorCode = "50301"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	Timestamp  string    `json:"timestamp,omitempty"`
	Path       string    `json:"path,omitempty"`
	Method     string    `json:"method,omitempty"`
	HTTPStatus int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// ErrorResponse represents the error response format.
// Success is always false so clients can branch on the body alone.
type ErrorResponse struct {
	Success       bool     `json:"success"`
	Error         APIError `json:"error"`
	RequestID     string   `json:"request_id"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

// NewErrorResponse builds the response body for an API error
func NewErrorResponse(err *APIError, requestID, correlationID, path, method string) ErrorResponse {
	body := *err
	body.Timestamp = time.Now().UTC().Format(time.RFC3339)
	body.Path = path
	body.Method = method
	if body.HTTPStatus == 0 {
		body.HTTPStatus = GetHTTPStatusFromCode(body.Code)
	}
	return ErrorResponse{
		Success:       false,
		Error:         body,
		RequestID:     requestID,
		CorrelationID: correlationID,
	}
}

// GetHTTPStatusFromCode derives the HTTP status from the code prefix
func GetHTTPStatusFromCode(code ErrorCode) int {
	if len(code) < 3 {
		return http.StatusInternalServerError
	}
	status, err := strconv.Atoi(string(code[:3]))
	if err != nil || http.StatusText(status) == "" {
		return http.StatusInternalServerError
	}
	return status
}

// New creates an API error whose HTTP status follows the code
func New(code ErrorCode, message string) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		HTTPStatus: GetHTTPStatusFromCode(code),
	}
}

// Common errors
var (
	ErrUnauthorizedError       = New(ErrUnauthorized, "Authentication required")
	ErrInvalidCredentialsError = New(ErrInvalidCredentials, "Invalid email or password")
	ErrTokenExpiredError       = New(ErrTokenExpired, "Token has expired")
	ErrForbiddenError          = New(ErrForbidden, "Access denied")
	ErrNotFoundError           = New(ErrNotFound, "Resource not found")
	ErrRateLimitedError        = New(ErrRateLimited, "Too many requests, please slow down")
	ErrInternalServerError     = New(ErrInternalServer, "Internal server error")
	ErrServiceUnavailableError = New(ErrServiceUnavailable, "Service temporarily unavailable")
)

// NewValidationError creates a validation error with details
func NewValidationError(details any) *APIError {
	return &APIError{
		Code:       ErrValidationFailed,
		Message:    "Validation failed",
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return New(ErrInvalidRequest, message)
}
