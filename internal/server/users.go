package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

var errInvalidRole = errors.New("role must be buyer or seller")

func (s *APIServer) handleUserProfile(c *gin.Context) {
	userID, ok := pathID(c)
	if !ok {
		return
	}

	profile, err := s.authService.PublicProfile(c.Request.Context(), userID)
	if err != nil {
		respondError(c, "user_profile", err)
		return
	}
	respondOK(c, http.StatusOK, profile)
}

// handleUserReviews lists the public reviews about a user
func (s *APIServer) handleUserReviews(c *gin.Context) {
	userID, ok := pathID(c)
	if !ok {
		return
	}

	reviews, err := s.reviewService.ValidPublicReviews(c.Request.Context(), userID)
	if err != nil {
		respondError(c, "user_reviews", err)
		return
	}
	respondOK(c, http.StatusOK, reviews)
}

func (s *APIServer) handleUserRating(c *gin.Context) {
	userID, ok := pathID(c)
	if !ok {
		return
	}

	summary, err := s.reviewService.RatingSummary(c.Request.Context(), userID)
	if err != nil {
		respondError(c, "user_rating", err)
		return
	}
	respondOK(c, http.StatusOK, summary)
}

// handleUserSold lists listings the user has sold, including removed ones
func (s *APIServer) handleUserSold(c *gin.Context) {
	userID, ok := pathID(c)
	if !ok {
		return
	}

	sold, err := s.listingService.UserSoldProducts(c.Request.Context(), userID)
	if err != nil {
		respondError(c, "user_sold", err)
		return
	}
	respondOK(c, http.StatusOK, sold)
}
