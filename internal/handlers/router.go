package handlers

import (
	"net/http"

	"finadvisor-pipeline/internal/pkg/logger"

	"github.com/gin-gonic/gin"
)

type RouterConfig struct {
	Advice        *AdviceHandler
	Conversations *ConversationHandler
	Profiles      *ProfileHandler
	Health        *HealthHandler
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *logger.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(RequestID(), RequestLogger(cfg.Logger), Recovery(cfg.Logger))

	router.GET("/health", cfg.Health.Health)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/advice", cfg.Advice.Advise)
		v1.POST("/advice/stream", cfg.Advice.StreamAdvice)
		v1.GET("/pipelines/active", cfg.Advice.GetActivePipelines)
		v1.GET("/pipelines/:id", cfg.Advice.GetPipelineStatus)

		v1.GET("/conversations", cfg.Conversations.ListConversations)
		v1.GET("/conversations/:id", cfg.Conversations.GetConversation)
		v1.DELETE("/conversations/:id", cfg.Conversations.DeleteConversation)

		v1.PUT("/profiles/:id", cfg.Profiles.PutProfile)
		v1.GET("/profiles/:id", cfg.Profiles.GetProfile)
		v1.DELETE("/profiles/:id", cfg.Profiles.DeleteProfile)
	}

	router.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	return router
}
