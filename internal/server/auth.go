package server

import (
	"errors"
	"net/http"

	"github.com/gearloop/marketplace/internal/auth"
	"github.com/gearloop/marketplace/internal/logging"
	"github.com/gin-gonic/gin"
)

// handleRegister handles user registration
func (s *APIServer) handleRegister(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	resp, err := s.authService.Register(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "register", err)
		return
	}

	respondOK(c, http.StatusCreated, resp)
}

// handleLogin handles user login
func (s *APIServer) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	resp, err := s.authService.Login(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			logging.LogSecurityEvent("login_failed", "", c.ClientIP(), logging.SanitizeForLog(req.Email, 64))
		}
		respondError(c, "login", err)
		return
	}

	respondOK(c, http.StatusOK, resp)
}

// handleLogout handles user logout.
// Tokens are stateless; the client discards them.
func (s *APIServer) handleLogout(c *gin.Context) {
	respondNoContent(c)
}

// handleRefresh handles token refresh
func (s *APIServer) handleRefresh(c *gin.Context) {
	var req auth.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	tokens, err := s.authService.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		respondError(c, "refresh", err)
		return
	}

	respondOK(c, http.StatusOK, tokens)
}

// handleMe returns the authenticated user
func (s *APIServer) handleMe(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}

	user, err := s.authService.GetUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, "me", err)
		return
	}

	respondOK(c, http.StatusOK, auth.UserResponse{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		CreatedAt: user.CreatedAt,
	})
}
