package server

import (
	"errors"
	"net/http"

	"github.com/gearloop/marketplace/internal/auth"
	"github.com/gearloop/marketplace/internal/chat"
	apierrors "github.com/gearloop/marketplace/internal/errors"
	"github.com/gearloop/marketplace/internal/listing"
	"github.com/gearloop/marketplace/internal/logging"
	"github.com/gearloop/marketplace/internal/middleware"
	"github.com/gearloop/marketplace/internal/review"
	"github.com/gearloop/marketplace/internal/sale"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// errorMappings translates domain errors into API errors.
// Each domain message is user-facing and passed through unchanged.
var errorMappings = []struct {
	target error
	code   apierrors.ErrorCode
}{
	// auth
	{auth.ErrEmailAlreadyExists, apierrors.ErrEmailTaken},
	{auth.ErrUsernameTaken, apierrors.ErrUsernameTaken},
	{auth.ErrInvalidCredentials, apierrors.ErrInvalidCredentials},
	{auth.ErrInvalidToken, apierrors.ErrUnauthorized},
	{auth.ErrTokenExpired, apierrors.ErrTokenExpired},
	{auth.ErrUserNotFound, apierrors.ErrUserNotFound},

	// listing
	{listing.ErrProductNotFound, apierrors.ErrProductNotFound},
	{listing.ErrNotOwner, apierrors.ErrNotOwner},
	{listing.ErrListingLocked, apierrors.ErrListingLocked},
	{listing.ErrSalePending, apierrors.ErrListingLocked},
	{listing.ErrInvalidPrice, apierrors.ErrValidationFailed},

	// chat
	{chat.ErrThreadNotFound, apierrors.ErrThreadNotFound},
	{chat.ErrNotParticipant, apierrors.ErrNotParticipant},
	{chat.ErrNotOwner, apierrors.ErrNotOwner},
	{chat.ErrOwnListing, apierrors.ErrSelfDealing},
	{chat.ErrListingUnavailable, apierrors.ErrListingUnavailable},

	// sale
	{sale.ErrSaleNotFound, apierrors.ErrSaleNotFound},
	{sale.ErrNotOwner, apierrors.ErrNotOwner},
	{sale.ErrNotBuyer, apierrors.ErrNotBuyer},
	{sale.ErrNotSeller, apierrors.ErrNotSeller},
	{sale.ErrNotParticipant, apierrors.ErrNotParticipant},
	{sale.ErrSelfDealing, apierrors.ErrSelfDealing},
	{sale.ErrNoChatThread, apierrors.ErrNoChatThread},
	{sale.ErrAlreadySold, apierrors.ErrAlreadySold},
	{sale.ErrListingUnavailable, apierrors.ErrListingUnavailable},
	{sale.ErrSaleNotPending, apierrors.ErrSaleNotPending},

	// review
	{review.ErrNotParticipant, apierrors.ErrNotParticipant},
	{review.ErrSaleNotCompleted, apierrors.ErrSaleNotCompleted},
	{review.ErrAlreadyReviewed, apierrors.ErrAlreadyReviewed},
	{review.ErrReviewPeriodExpired, apierrors.ErrReviewPeriodExpired},
}

// FieldError describes one failed validation rule
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

// toAPIError maps err to the API error the client sees.
// The second result is false for unexpected errors.
func toAPIError(err error) (*apierrors.APIError, bool) {
	var apiErr *apierrors.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return apierrors.NewValidationError(fieldErrors(verrs)), true
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return apierrors.New(m.code, m.target.Error()), true
		}
	}
	return apierrors.ErrInternalServerError, false
}

func fieldErrors(verrs validator.ValidationErrors) []FieldError {
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fe.Field(), Rule: fe.Tag(), Param: fe.Param()})
	}
	return out
}

// respondError writes err as an error response and logs unexpected failures
func respondError(c *gin.Context, operation string, err error) {
	apiErr, known := toAPIError(err)
	if !known {
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "api", operation)
	}
	middleware.RespondWithError(c, apiErr)
}

// respondBindError reports a malformed or invalid request body
func respondBindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		middleware.RespondWithError(c, apierrors.NewValidationError(fieldErrors(verrs)))
		return
	}
	middleware.RespondWithError(c, apierrors.NewInvalidRequestError("Malformed request body"))
}

// respondOK wraps data in a success envelope
func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func respondNoContent(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true})
}
