package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"finadvisor-pipeline/internal/models"
	"finadvisor-pipeline/internal/pkg/logger"
	"finadvisor-pipeline/internal/pkg/metrics"

	"golang.org/x/sync/singleflight"
)

const maxExtractionInput = 12000

// Grounder resolves instrument facts for a query: cache first, then
// retrieval plus an extraction completion. It fails soft: any failure yields
// a degraded result with no instruments, which is never cached.
type Grounder struct {
	cache     GroundingCache
	retriever Retriever
	llm       CompletionProvider
	group     singleflight.Group
	logger    *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewGrounder(cache GroundingCache, retriever Retriever, llm CompletionProvider, log *logger.Logger, m *metrics.Metrics) *Grounder {
	return &Grounder{
		cache:     cache,
		retriever: retriever,
		llm:       llm,
		logger:    log,
		metrics:   m,
		now:       time.Now,
	}
}

type fetchOutcome struct {
	result *models.GroundingResult
	reason string
	err    error

	// aborted is set when the fetching caller's context ended first.
	aborted bool
}

func (g *Grounder) Ground(ctx context.Context, query string) models.Outcome[models.GroundingResult] {
	key := NormalizeQuery(query)

	cached, ok, err := g.cache.Get(ctx, key)
	if err != nil {
		g.logger.WithError(err).Warn("Grounding cache read failed, treating as miss")
	}
	if ok {
		g.metrics.GroundingCacheHit()
		g.logger.Debug("Grounding cache hit", "key", key)
		return models.OK(*cached)
	}
	g.metrics.GroundingCacheMiss()

	v, _, _ := g.group.Do(key, func() (interface{}, error) {
		out := g.fetch(ctx, key)
		out.aborted = out.err != nil && ctx.Err() != nil
		return out, nil
	})
	out := v.(*fetchOutcome)

	// a shared fetch that died with its owner's context says nothing about ours
	if out.aborted && ctx.Err() == nil {
		out = g.fetch(ctx, key)
	}

	if ctx.Err() != nil {
		return models.Unavailable[models.GroundingResult](ctx.Err())
	}
	if out.err != nil {
		g.metrics.ObserveDegradation("grounder", string(models.OutcomeDegraded))
		return models.Degraded(*g.emptyResult(key), out.reason, out.err)
	}
	return models.OK(*out.result)
}

func (g *Grounder) fetch(ctx context.Context, key string) *fetchOutcome {
	startTime := time.Now()

	search, err := g.retriever.Search(ctx, key)
	if err != nil {
		g.logger.LogService("grounder", "retrieve", time.Since(startTime), map[string]interface{}{"key": key}, err)
		return &fetchOutcome{reason: "retrieval unavailable", err: err}
	}

	instruments, err := g.extract(ctx, key, search.Text)
	if err != nil {
		g.logger.LogService("grounder", "extract", time.Since(startTime), map[string]interface{}{"key": key}, err)
		return &fetchOutcome{reason: "instrument extraction failed", err: err}
	}
	if len(instruments) == 0 {
		return &fetchOutcome{reason: "no instruments found", err: errors.New("extraction produced no instruments")}
	}

	sources := search.Sources
	if sources == nil {
		sources = []string{}
	}
	result := &models.GroundingResult{
		QueryUsed:   key,
		Instruments: instruments,
		FetchedAt:   g.now().UTC(),
		Sources:     sources,
	}

	if err := g.cache.Set(ctx, key, result); err != nil {
		g.logger.WithError(err).Warn("Grounding cache write failed")
	}

	g.logger.LogService("grounder", "ground", time.Since(startTime), map[string]interface{}{
		"key":         key,
		"instruments": len(instruments),
		"sources":     len(sources),
	}, nil)

	return &fetchOutcome{result: result}
}

func (g *Grounder) extract(ctx context.Context, query, text string) ([]models.Instrument, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("retrieval returned no text")
	}
	if len(text) > maxExtractionInput {
		text = safeTruncate(text, maxExtractionInput)
	}

	resp, err := g.llm.Complete(ctx, &GenerationRequest{
		Prompt:          buildExtractionPrompt(query, text),
		SystemRole:      "You extract structured fund facts from web text. You never invent numbers.",
		Temperature:     float32Ptr(0),
		MaxTokens:       2048,
		ResponseFormat:  ResponseFormatJSON,
		DisableThinking: true,
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Instruments []models.Instrument `json:"instruments"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(resp.Content)), &parsed); err != nil {
		return nil, fmt.Errorf("decode extraction: %w", err)
	}

	out := make([]models.Instrument, 0, len(parsed.Instruments))
	for _, inst := range parsed.Instruments {
		inst.Name = strings.TrimSpace(inst.Name)
		inst.Category = normalizeCategory(inst.Category)
		if inst.Name == "" {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

func (g *Grounder) emptyResult(key string) *models.GroundingResult {
	return &models.GroundingResult{
		QueryUsed:   key,
		Instruments: []models.Instrument{},
		FetchedAt:   g.now().UTC(),
		Sources:     []string{},
	}
}

func buildExtractionPrompt(query, text string) string {
	return fmt.Sprintf(`From the web text below, extract the investment funds relevant to the query.

QUERY: "%s"

For each fund report:
- name: the fund's full name
- category: one of index_fund, etf, mutual_fund, debt_fund, liquid_fund, hybrid_fund, elss, or other
- expenseRatio: annual expense ratio in percent
- return1y: trailing 1-year return in percent
- return3y: trailing 3-year annualised return in percent
- fundSize: assets under management as a number in the currency stated by the source
- source: the URL the facts came from

Use the string "unknown" for any number the text does not state. Do not estimate.

WEB TEXT:
%s

Respond with only this JSON object:
{"instruments": [{"name": "...", "category": "...", "expenseRatio": 0.1, "return1y": "unknown", "return3y": 12.3, "fundSize": "unknown", "source": "https://..."}]}`, query, text)
}
