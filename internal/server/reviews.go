package server

import (
	"net/http"

	"github.com/gearloop/marketplace/internal/review"
	"github.com/gin-gonic/gin"
)

func (s *APIServer) handleSubmitReview(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}

	var req review.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	result, err := s.reviewService.Submit(c.Request.Context(), userID, &req)
	if err != nil {
		respondError(c, "submit_review", err)
		return
	}
	respondOK(c, http.StatusCreated, result)
}

func (s *APIServer) handlePendingReviews(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}

	pending, err := s.reviewService.Pending(c.Request.Context(), userID)
	if err != nil {
		respondError(c, "pending_reviews", err)
		return
	}
	respondOK(c, http.StatusOK, pending)
}

// handleSaleReviews returns a sale's reviews; withheld pairs come back empty with a message
func (s *APIServer) handleSaleReviews(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}
	saleID, ok := pathID(c)
	if !ok {
		return
	}

	result, err := s.reviewService.SaleReviews(c.Request.Context(), userID, saleID)
	if err != nil {
		respondError(c, "sale_reviews", err)
		return
	}
	respondOK(c, http.StatusOK, result)
}
