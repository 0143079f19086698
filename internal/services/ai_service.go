package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"finadvisor-pipeline/internal/config"
	"finadvisor-pipeline/internal/models"
	"finadvisor-pipeline/internal/pkg/logger"
	"finadvisor-pipeline/internal/pkg/metrics"

	"github.com/sony/gobreaker"
	"google.golang.org/genai"
)

// GeminiService is the CompletionProvider backed by the Gemini API. Calls go
// through a circuit breaker; Complete also retries transport failures.
type GeminiService struct {
	client  *genai.Client
	config  config.GeminiConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
	breaker *gobreaker.TwoStepCircuitBreaker
}

func NewGeminiService(cfg config.GeminiConfig, log *logger.Logger, m *metrics.Metrics) (*GeminiService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Gemini API key required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	service := &GeminiService{
		client:  client,
		config:  cfg,
		logger:  log,
		metrics: m,
		breaker: newLLMBreaker("gemini", log),
	}

	log.Info("AI service initialized - Gemini API",
		"model", cfg.Model,
		"max_tokens", cfg.MaxTokens,
		"temperature", cfg.Temperature,
	)

	return service, nil
}

func newLLMBreaker(name string, log *logger.Logger) *gobreaker.TwoStepCircuitBreaker {
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

func (service *GeminiService) ModelName() string {
	return service.config.Model
}

func (service *GeminiService) Complete(ctx context.Context, request *GenerationRequest) (*GenerationResponse, error) {
	startTime := time.Now()

	var response *GenerationResponse
	var err error

	attempts := max(service.config.MaxRetries, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		response, err = service.guardedRequest(ctx, request)
		if err == nil {
			break
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if ctx.Err() != nil {
			service.metrics.ObserveLLMRequest("complete", err)
			return nil, models.NewTimeoutError("GEMINI_CANCELLED", "content generation cancelled").WithCause(ctx.Err())
		}

		if attempt < attempts {
			service.logger.WithFields(logger.Fields{
				"attempt":     attempt,
				"max_retries": attempts,
				"error":       err,
			}).Warn("Generate content failed")

			select {
			case <-time.After(service.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				service.metrics.ObserveLLMRequest("complete", ctx.Err())
				return nil, models.NewTimeoutError("GEMINI_CANCELLED", "content generation cancelled").WithCause(ctx.Err())
			}
		}
	}

	service.metrics.ObserveLLMRequest("complete", err)

	if err != nil {
		service.logger.LogService("gemini", "complete", time.Since(startTime), map[string]interface{}{
			"prompt_length": len(request.Prompt),
			"attempts":      attempts,
		}, err)
		return nil, models.WrapExternalError("GEMINI", err)
	}

	response.ProcessingTime = time.Since(startTime)

	service.logger.LogService("gemini", "complete", response.ProcessingTime, map[string]interface{}{
		"prompt_length":   len(request.Prompt),
		"response_length": len(response.Content),
		"tokens_used":     response.TokensUsed,
		"finish_reason":   response.FinishReason,
	}, nil)

	return response, nil
}

func (service *GeminiService) guardedRequest(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error) {
	done, err := service.breaker.Allow()
	if err != nil {
		return nil, err
	}
	resp, err := service.makeGenerationRequest(ctx, req)
	// caller cancellation says nothing about upstream health
	done(err == nil || ctx.Err() != nil)
	return resp, err
}

func (service *GeminiService) makeGenerationRequest(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error) {
	genCtx, cancel := context.WithTimeout(ctx, service.config.Timeout)
	defer cancel()

	result, err := service.client.Models.GenerateContent(genCtx, service.config.Model, service.buildContents(req), service.buildConfig(req))
	if err != nil {
		return nil, fmt.Errorf("failed to generate gemini content: %w", err)
	}

	if len(result.Candidates) == 0 {
		return nil, errors.New("no response candidates generated")
	}

	candidate := result.Candidates[0]

	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			text.WriteString(part.Text)
		}
	}

	tokensUsed := estimateTokens(req.Prompt, text.String())
	if result.UsageMetadata != nil && result.UsageMetadata.TotalTokenCount > 0 {
		tokensUsed = int(result.UsageMetadata.TotalTokenCount)
	}

	return &GenerationResponse{
		Content:      text.String(),
		TokensUsed:   tokensUsed,
		FinishReason: string(candidate.FinishReason),
	}, nil
}

// Stream yields text increments as Gemini produces them. Streams are not
// retried: once text has been delivered a retry would duplicate it.
func (service *GeminiService) Stream(ctx context.Context, request *GenerationRequest) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		startTime := time.Now()

		done, err := service.breaker.Allow()
		if err != nil {
			service.metrics.ObserveLLMRequest("stream", err)
			yield(StreamChunk{}, models.WrapExternalError("GEMINI", err))
			return
		}

		streamCtx, cancel := context.WithTimeout(ctx, service.config.Timeout)
		defer cancel()

		var (
			finishReason string
			tokensUsed   int
			produced     int
			streamErr    error
		)

		for resp, err := range service.client.Models.GenerateContentStream(streamCtx, service.config.Model, service.buildContents(request), service.buildConfig(request)) {
			if err != nil {
				streamErr = err
				break
			}
			if resp.UsageMetadata != nil && resp.UsageMetadata.TotalTokenCount > 0 {
				tokensUsed = int(resp.UsageMetadata.TotalTokenCount)
			}
			if len(resp.Candidates) == 0 {
				continue
			}
			candidate := resp.Candidates[0]
			if candidate.FinishReason != "" {
				finishReason = string(candidate.FinishReason)
			}
			if candidate.Content == nil {
				continue
			}
			var text strings.Builder
			for _, part := range candidate.Content.Parts {
				text.WriteString(part.Text)
			}
			if text.Len() == 0 {
				continue
			}
			produced += text.Len()
			if !yield(StreamChunk{Text: text.String()}, nil) {
				done(true)
				return
			}
		}

		done(streamErr == nil || ctx.Err() != nil)
		service.metrics.ObserveLLMRequest("stream", streamErr)

		service.logger.LogService("gemini", "stream", time.Since(startTime), map[string]interface{}{
			"prompt_length":   len(request.Prompt),
			"response_length": produced,
			"finish_reason":   finishReason,
		}, streamErr)

		if streamErr != nil {
			yield(StreamChunk{}, models.WrapExternalError("GEMINI", streamErr))
			return
		}

		if tokensUsed == 0 {
			tokensUsed = len(request.Prompt)/4 + produced/4
		}
		yield(StreamChunk{FinishReason: finishReason, TokensUsed: tokensUsed}, nil)
	}
}

func (service *GeminiService) buildConfig(req *GenerationRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if req.SystemRole != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemRole, genai.RoleUser)
	}

	if req.Temperature != nil {
		cfg.Temperature = req.Temperature
	} else {
		cfg.Temperature = float32Ptr(float32(service.config.Temperature))
	}

	if req.MaxTokens != 0 {
		cfg.MaxOutputTokens = req.MaxTokens
	} else {
		cfg.MaxOutputTokens = int32(service.config.MaxTokens)
	}

	if req.ResponseFormat != "" {
		cfg.ResponseMIMEType = req.ResponseFormat
	}

	if req.DisableThinking {
		var budget int32
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget}
	}

	return cfg
}

func (service *GeminiService) buildContents(req *GenerationRequest) []*genai.Content {
	return genai.Text(req.Prompt)
}

func (service *GeminiService) HealthCheck(ctx context.Context) error {
	testCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req := &GenerationRequest{
		Prompt:          "Respond with 'OK' if you can process this request",
		Temperature:     float32Ptr(0),
		MaxTokens:       10,
		DisableThinking: true,
	}

	resp, err := service.makeGenerationRequest(testCtx, req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if resp.Content == "" {
		return errors.New("empty response received")
	}

	return nil
}

func (service *GeminiService) Close() error {
	service.logger.Info("Gemini client closed")
	return nil
}
