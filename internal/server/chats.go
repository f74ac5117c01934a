package server

import (
	"net/http"

	"github.com/gearloop/marketplace/internal/chat"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// StartChatRequest opens a conversation about a listing
type StartChatRequest struct {
	ProductID uuid.UUID `json:"product_id" binding:"required"`
}

func (s *APIServer) handleStartChat(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}

	var req StartChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	thread, created, err := s.chatService.StartThread(c.Request.Context(), userID, req.ProductID)
	if err != nil {
		respondError(c, "start_chat", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondOK(c, status, thread)
}

func (s *APIServer) handleListChats(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}

	threads, err := s.chatService.ListThreads(c.Request.Context(), userID)
	if err != nil {
		respondError(c, "list_chats", err)
		return
	}
	respondOK(c, http.StatusOK, threads)
}

func (s *APIServer) handleListMessages(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}
	threadID, ok := pathID(c)
	if !ok {
		return
	}

	messages, err := s.chatService.ListMessages(c.Request.Context(), userID, threadID)
	if err != nil {
		respondError(c, "list_messages", err)
		return
	}
	respondOK(c, http.StatusOK, messages)
}

func (s *APIServer) handlePostMessage(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}
	threadID, ok := pathID(c)
	if !ok {
		return
	}

	var req chat.PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	msg, err := s.chatService.PostMessage(c.Request.Context(), userID, threadID, &req)
	if err != nil {
		respondError(c, "post_message", err)
		return
	}
	respondOK(c, http.StatusCreated, msg)
}

func (s *APIServer) handleDeleteChat(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}
	threadID, ok := pathID(c)
	if !ok {
		return
	}

	if err := s.chatService.DeleteThread(c.Request.Context(), userID, threadID); err != nil {
		respondError(c, "delete_chat", err)
		return
	}
	respondNoContent(c)
}
