package server

import (
	"context"
	"net/http"

	"github.com/gearloop/marketplace/internal/models"
	"github.com/gearloop/marketplace/internal/sale"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// handleProposeSale picks a buyer for one of the caller's listings
func (s *APIServer) handleProposeSale(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}

	var req sale.ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	created, err := s.saleService.Propose(c.Request.Context(), userID, req.ProductID, req.BuyerID)
	if err != nil {
		respondError(c, "propose_sale", err)
		return
	}
	respondOK(c, http.StatusCreated, created)
}

func (s *APIServer) handleMySales(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}

	role := c.Query("role")
	if role != "" && role != "buyer" && role != "seller" {
		respondBindError(c, errInvalidRole)
		return
	}

	views, err := s.saleService.ListMine(c.Request.Context(), userID, role)
	if err != nil {
		respondError(c, "my_sales", err)
		return
	}
	respondOK(c, http.StatusOK, views)
}

func (s *APIServer) handleGetSale(c *gin.Context) {
	s.saleAction(c, "get_sale", s.saleService.Get)
}

func (s *APIServer) handleConfirmSale(c *gin.Context) {
	s.saleAction(c, "confirm_sale", s.saleService.Confirm)
}

func (s *APIServer) handleDeclineSale(c *gin.Context) {
	s.saleAction(c, "decline_sale", s.saleService.Decline)
}

func (s *APIServer) handleWithdrawSale(c *gin.Context) {
	s.saleAction(c, "withdraw_sale", s.saleService.Withdraw)
}

// saleAction runs a caller-scoped operation on the sale named in the path
func (s *APIServer) saleAction(c *gin.Context, operation string, fn func(context.Context, uuid.UUID, uuid.UUID) (*models.Sale, error)) {
	userID, ok := caller(c)
	if !ok {
		return
	}
	saleID, ok := pathID(c)
	if !ok {
		return
	}

	result, err := fn(c.Request.Context(), userID, saleID)
	if err != nil {
		respondError(c, operation, err)
		return
	}
	respondOK(c, http.StatusOK, result)
}
