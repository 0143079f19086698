package handlers

import (
	"net/http"

	"finadvisor-pipeline/internal/pkg/logger"
	"finadvisor-pipeline/internal/services"

	"github.com/gin-gonic/gin"
)

type ConversationHandler struct {
	store  services.ConversationStore
	logger *logger.Logger
}

func NewConversationHandler(store services.ConversationStore, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{store: store, logger: log}
}

func (h *ConversationHandler) ListConversations(c *gin.Context) {
	summaries, err := h.store.List(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list conversations")
		respondAppError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, "", gin.H{
		"conversations": summaries,
		"count":         len(summaries),
	})
}

func (h *ConversationHandler) GetConversation(c *gin.Context) {
	conv, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondAppError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, "", conv)
}

func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondAppError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, "conversation deleted", nil)
}
