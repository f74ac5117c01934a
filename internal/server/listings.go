package server

import (
	"net/http"

	"github.com/gearloop/marketplace/internal/listing"
	"github.com/gin-gonic/gin"
)

func (s *APIServer) handleCreateListing(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}

	var req listing.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	product, err := s.listingService.Create(c.Request.Context(), userID, &req)
	if err != nil {
		respondError(c, "create_listing", err)
		return
	}
	respondOK(c, http.StatusCreated, product)
}

func (s *APIServer) handleMyListings(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}

	products, err := s.listingService.ListByOwner(c.Request.Context(), userID)
	if err != nil {
		respondError(c, "my_listings", err)
		return
	}
	respondOK(c, http.StatusOK, products)
}

func (s *APIServer) handleGetListing(c *gin.Context) {
	productID, ok := pathID(c)
	if !ok {
		return
	}

	product, err := s.listingService.Get(c.Request.Context(), productID)
	if err != nil {
		respondError(c, "get_listing", err)
		return
	}
	respondOK(c, http.StatusOK, product)
}

func (s *APIServer) handleUpdateListing(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}
	productID, ok := pathID(c)
	if !ok {
		return
	}

	var req listing.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	product, err := s.listingService.Update(c.Request.Context(), userID, productID, &req)
	if err != nil {
		respondError(c, "update_listing", err)
		return
	}
	respondOK(c, http.StatusOK, product)
}

func (s *APIServer) handleDeleteListing(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}
	productID, ok := pathID(c)
	if !ok {
		return
	}

	if err := s.listingService.SoftDelete(c.Request.Context(), userID, productID); err != nil {
		respondError(c, "delete_listing", err)
		return
	}
	respondNoContent(c)
}

// handleListingBuyers lists users who can be chosen as the buyer of a listing
func (s *APIServer) handleListingBuyers(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}
	productID, ok := pathID(c)
	if !ok {
		return
	}

	buyers, err := s.chatService.ListProductBuyers(c.Request.Context(), userID, productID)
	if err != nil {
		respondError(c, "listing_buyers", err)
		return
	}
	respondOK(c, http.StatusOK, buyers)
}

// handleListingForTransaction returns a listing even after it was removed,
// for screens that show a sale or review of it.
func (s *APIServer) handleListingForTransaction(c *gin.Context) {
	productID, ok := pathID(c)
	if !ok {
		return
	}

	product, err := s.listingService.GetForTransaction(c.Request.Context(), productID)
	if err != nil {
		respondError(c, "listing_for_transaction", err)
		return
	}
	respondOK(c, http.StatusOK, product)
}
