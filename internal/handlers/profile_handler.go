package handlers

import (
	"net/http"

	"finadvisor-pipeline/internal/models"
	"finadvisor-pipeline/internal/pkg/logger"
	"finadvisor-pipeline/internal/services"

	"github.com/gin-gonic/gin"
)

// ProfileHandler stores financial profiles so advice requests can refer to
// them by id. Profiles are validated on write with the same rules the
// pipeline applies.
type ProfileHandler struct {
	store     services.ProfileStore
	validator *services.ContextValidator
	logger    *logger.Logger
}

func NewProfileHandler(store services.ProfileStore, validator *services.ContextValidator, log *logger.Logger) *ProfileHandler {
	return &ProfileHandler{store: store, validator: validator, logger: log}
}

func (h *ProfileHandler) PutProfile(c *gin.Context) {
	var profile models.FinancialProfile
	if err := c.ShouldBindJSON(&profile); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body", err.Error())
		return
	}

	validated, fieldErrs := h.validator.Validate(&profile)
	if len(fieldErrs) > 0 {
		respondError(c, http.StatusUnprocessableEntity, "INVALID_PROFILE", "invalid financial profile", fieldErrs)
		return
	}

	id := c.Param("id")
	if err := h.store.Put(c.Request.Context(), id, &profile); err != nil {
		h.logger.WithError(err).Error("Failed to store profile", "profile_id", id)
		respondAppError(c, err)
		return
	}

	respondSuccess(c, http.StatusOK, "profile stored", gin.H{
		"id":      id,
		"profile": profile,
		"metrics": services.DeriveMetrics(validated),
	})
}

func (h *ProfileHandler) GetProfile(c *gin.Context) {
	profile, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondAppError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, "", profile)
}

func (h *ProfileHandler) DeleteProfile(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondAppError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, "profile deleted", nil)
}
