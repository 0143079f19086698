package handlers

import (
	"errors"
	"net/http"

	"finadvisor-pipeline/internal/models"

	"github.com/gin-gonic/gin"
)

func respondSuccess(c *gin.Context, status int, message string, data any) {
	c.JSON(status, models.APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		RequestID: requestIDFrom(c),
	})
}

func respondError(c *gin.Context, status int, code, message string, details any) {
	c.AbortWithStatusJSON(status, models.APIResponse{
		Success: false,
		Error: &models.APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		RequestID: requestIDFrom(c),
	})
}

// respondAppError maps an error from a store or service onto a response.
func respondAppError(c *gin.Context, err error) {
	var appErr *models.AppError
	if !errors.As(err, &appErr) {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	status := http.StatusInternalServerError
	switch appErr.Type {
	case models.ErrorTypeValidation:
		status = http.StatusBadRequest
	case models.ErrorTypeNotFound:
		status = http.StatusNotFound
	case models.ErrorTypeExternal:
		status = http.StatusBadGateway
	case models.ErrorTypeTimeout:
		status = http.StatusGatewayTimeout
	}

	c.AbortWithStatusJSON(status, models.APIResponse{
		Success: false,
		Error: &models.APIError{
			Code:    appErr.Code,
			Message: appErr.Message,
			Meta:    appErr.Metadata,
		},
		RequestID: requestIDFrom(c),
	})
}

// resultStatus is the HTTP status for a terminal pipeline result. Rejection
// is a valid answer, not a failure.
func resultStatus(result *models.PipelineResult) int {
	if !result.IsError() {
		return http.StatusOK
	}

	switch result.Code {
	case models.FailureCancelled:
		return http.StatusRequestTimeout
	case models.FailureInvalidRequest:
		return http.StatusBadRequest
	case models.FailureInternal:
		return http.StatusInternalServerError
	}

	switch result.Stage {
	case models.StageRequest:
		return http.StatusBadRequest
	case models.StageContextValidation:
		return http.StatusUnprocessableEntity
	case models.StageGeneration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
