package handlers

import (
	"context"
	"net/http"

	"finadvisor-pipeline/internal/models"
	"finadvisor-pipeline/internal/pkg/logger"
	"finadvisor-pipeline/internal/services"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

type AdvicePipeline interface {
	Execute(ctx context.Context, req *models.AdviceRequest) *models.PipelineResult
	GetPipelineStatus(ctx context.Context, pipelineID string) (*models.PipelineSnapshot, error)
	GetStats() map[string]interface{}
}

type AdviceStreamer interface {
	Stream(ctx context.Context, req *models.AdviceRequest, sink services.EventSink) *models.PipelineResult
}

type AdviceHandler struct {
	pipeline AdvicePipeline
	streamer AdviceStreamer
	logger   *logger.Logger
}

func NewAdviceHandler(pipeline AdvicePipeline, streamer AdviceStreamer, log *logger.Logger) *AdviceHandler {
	return &AdviceHandler{
		pipeline: pipeline,
		streamer: streamer,
		logger:   log,
	}
}

func (h *AdviceHandler) bindRequest(c *gin.Context) (*models.AdviceRequest, bool) {
	var req models.AdviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body", err.Error())
		return nil, false
	}
	req.RequestID = requestIDFrom(c)
	return &req, true
}

// Advise returns the pipeline's terminal result as the response body.
func (h *AdviceHandler) Advise(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}

	result := h.pipeline.Execute(c.Request.Context(), req)
	c.JSON(resultStatus(result), result)
}

// StreamAdvice answers with text/event-stream. Once the stream has started
// every outcome, failures included, is reported as events.
func (h *AdviceHandler) StreamAdvice(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", sse.ContentType)
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	result := h.streamer.Stream(c.Request.Context(), req, services.NewSSEWriter(c.Writer))

	h.logger.Debug("Stream finished",
		"request_id", req.RequestID,
		"result", result.Type,
		"stage", result.Stage)
}

func (h *AdviceHandler) GetPipelineStatus(c *gin.Context) {
	snap, err := h.pipeline.GetPipelineStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondAppError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, "", snap)
}

func (h *AdviceHandler) GetActivePipelines(c *gin.Context) {
	respondSuccess(c, http.StatusOK, "", h.pipeline.GetStats())
}
