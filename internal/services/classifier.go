package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"finadvisor-pipeline/internal/models"
	"finadvisor-pipeline/internal/pkg/logger"
	"finadvisor-pipeline/internal/pkg/metrics"
)

const failOpenConfidence = 0.2

// Classifier decides whether a query belongs to the personal-finance domain.
// It fails open: an unusable classification lets the query through.
type Classifier struct {
	llm     CompletionProvider
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewClassifier(llm CompletionProvider, log *logger.Logger, m *metrics.Metrics) *Classifier {
	return &Classifier{llm: llm, logger: log, metrics: m}
}

func (c *Classifier) Classify(ctx context.Context, query string) models.Outcome[models.ClassificationResult] {
	startTime := time.Now()

	resp, err := c.llm.Complete(ctx, &GenerationRequest{
		Prompt:          buildClassificationPrompt(query),
		SystemRole:      "You are a strict domain classifier for a personal-finance assistant.",
		Temperature:     float32Ptr(0.1),
		MaxTokens:       300,
		ResponseFormat:  ResponseFormatJSON,
		DisableThinking: true,
	})
	if ctx.Err() != nil {
		return models.Unavailable[models.ClassificationResult](ctx.Err())
	}
	if err != nil {
		return c.failOpen(fmt.Sprintf("classifier unavailable: %v", err), err, startTime)
	}

	result, err := parseClassification(resp.Content)
	if err != nil {
		return c.failOpen(fmt.Sprintf("classifier returned malformed output: %v", err), err, startTime)
	}

	c.logger.LogService("classifier", "classify", time.Since(startTime), map[string]interface{}{
		"in_domain":  result.InDomain,
		"confidence": result.Confidence,
	}, nil)

	return models.OK(result)
}

func (c *Classifier) failOpen(reason string, err error, startTime time.Time) models.Outcome[models.ClassificationResult] {
	c.logger.LogService("classifier", "classify", time.Since(startTime), map[string]interface{}{
		"fail_open": true,
	}, err)
	c.metrics.ObserveDegradation("classifier", string(models.OutcomeDegraded))

	return models.Degraded(models.ClassificationResult{
		InDomain:              true,
		Confidence:            failOpenConfidence,
		Reason:                reason,
		NeedsGrounding:        models.BoolPtr(true),
		NeedsStructuredAnswer: models.BoolPtr(true),
	}, reason, err)
}

func parseClassification(raw string) (models.ClassificationResult, error) {
	var payload struct {
		InDomain              *bool    `json:"inDomain"`
		Confidence            *float64 `json:"confidence"`
		Reason                string   `json:"reason"`
		NeedsGrounding        *bool    `json:"needsGrounding"`
		NeedsStructuredAnswer *bool    `json:"needsStructuredAnswer"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &payload); err != nil {
		return models.ClassificationResult{}, fmt.Errorf("decode classification: %w", err)
	}
	if payload.InDomain == nil {
		return models.ClassificationResult{}, fmt.Errorf("classification missing inDomain")
	}

	confidence := 0.5
	if payload.Confidence != nil {
		confidence = min(max(*payload.Confidence, 0), 1)
	}

	return models.ClassificationResult{
		InDomain:              *payload.InDomain,
		Confidence:            confidence,
		Reason:                payload.Reason,
		NeedsGrounding:        payload.NeedsGrounding,
		NeedsStructuredAnswer: payload.NeedsStructuredAnswer,
	}, nil
}

func buildClassificationPrompt(query string) string {
	return fmt.Sprintf(`Classify whether the user query below is within the domain of a personal-finance assistant.

In domain: budgeting, saving, emergency funds, debt, retirement, and investing through fund-type
instruments (index funds, ETFs, mutual funds, debt funds, liquid funds, hybrid funds, tax-saving funds).
Out of domain: anything unrelated to personal finance, requests for help with crypto speculation,
derivatives or intraday trading, and requests to actually execute transactions.

Also decide:
- needsGrounding: true when a good answer depends on current instrument facts (expense ratios,
  recent returns, fund sizes) that should be looked up.
- needsStructuredAnswer: true when the user wants concrete recommendations (what to buy, sell or hold,
  how much to invest); false for purely explanatory questions.

QUERY:
"%s"

Respond with only this JSON object:
{"inDomain": true|false, "confidence": 0.0-1.0, "reason": "<short reason>", "needsGrounding": true|false, "needsStructuredAnswer": true|false}`, query)
}
