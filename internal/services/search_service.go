package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"finadvisor-pipeline/internal/config"
	"finadvisor-pipeline/internal/models"
	"finadvisor-pipeline/internal/pkg/logger"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// Retriever is the web-retrieval capability used for grounding.
type Retriever interface {
	Search(ctx context.Context, query string) (*models.SearchResult, error)
}

// PageScraper enriches search hits with page text.
type PageScraper interface {
	ScrapePages(ctx context.Context, urls []string) []*ScrapedPage
}

// WebRetriever calls a Tavily-compatible search endpoint and optionally
// scrapes the top hits for fact tables the snippets leave out.
type WebRetriever struct {
	httpClient *http.Client
	config     config.SearchConfig
	limiter    *rate.Limiter
	scraper    PageScraper
	logger     *logger.Logger
}

type searchRequest struct {
	APIKey        string `json:"api_key,omitempty"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	SearchDepth   string `json:"search_depth"`
	IncludeAnswer bool   `json:"include_answer"`
}

type searchResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func NewWebRetriever(cfg config.SearchConfig, scraper PageScraper, log *logger.Logger) *WebRetriever {
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 1
	}
	return &WebRetriever{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		config:     cfg,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		scraper:    scraper,
		logger:     log,
	}
}

func (r *WebRetriever) Search(ctx context.Context, query string) (*models.SearchResult, error) {
	startTime := time.Now()

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, models.NewTimeoutError("SEARCH_RATE_LIMIT", "search rate limiter wait aborted").WithCause(err)
	}

	body, err := json.Marshal(searchRequest{
		APIKey:        r.config.APIKey,
		Query:         query,
		MaxResults:    r.config.MaxResults,
		SearchDepth:   "basic",
		IncludeAnswer: true,
	})
	if err != nil {
		return nil, models.NewInternalError("SEARCH_ENCODE", "failed to encode search request").WithCause(err)
	}

	tries := uint(max(r.config.RetryAttempts, 1))
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	parsed, err := backoff.Retry(ctx, func() (*searchResponse, error) {
		return r.doSearch(ctx, body)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(tries))

	if err != nil {
		r.logger.LogService("search", "search", time.Since(startTime), map[string]interface{}{
			"query": query,
		}, err)
		return nil, models.WrapExternalError("SEARCH", err)
	}

	result := r.assemble(ctx, parsed)

	r.logger.LogService("search", "search", time.Since(startTime), map[string]interface{}{
		"query":       query,
		"results":     len(parsed.Results),
		"text_length": len(result.Text),
	}, nil)

	return result, nil
}

func (r *WebRetriever) doSearch(ctx context.Context, body []byte) (*searchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.APIKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("search endpoint returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("search endpoint returned %d: %s", resp.StatusCode, safeTruncate(string(data), 200)))
	}

	var parsed searchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode search response: %w", err))
	}
	if parsed.Answer == "" && len(parsed.Results) == 0 {
		return nil, backoff.Permanent(errors.New("search returned no results"))
	}
	return &parsed, nil
}

func (r *WebRetriever) assemble(ctx context.Context, parsed *searchResponse) *models.SearchResult {
	var text strings.Builder
	sources := make([]string, 0, len(parsed.Results))

	if parsed.Answer != "" {
		text.WriteString("Summary: ")
		text.WriteString(parsed.Answer)
		text.WriteString("\n\n")
	}

	var scrapeTargets []string
	for i, hit := range parsed.Results {
		fmt.Fprintf(&text, "[%d] %s (%s)\n%s\n\n", i+1, hit.Title, hit.URL, hit.Content)
		if hit.URL != "" {
			sources = append(sources, hit.URL)
			if len(scrapeTargets) < r.config.ScrapeTopN {
				scrapeTargets = append(scrapeTargets, hit.URL)
			}
		}
	}

	if r.scraper != nil && len(scrapeTargets) > 0 {
		for _, page := range r.scraper.ScrapePages(ctx, scrapeTargets) {
			fmt.Fprintf(&text, "Page: %s (%s)\n", page.Title, page.URL)
			for _, fact := range page.Facts {
				text.WriteString("- ")
				text.WriteString(fact)
				text.WriteString("\n")
			}
			if page.Content != "" {
				text.WriteString(page.Content)
				text.WriteString("\n")
			}
			text.WriteString("\n")
		}
	}

	return &models.SearchResult{Text: strings.TrimSpace(text.String()), Sources: sources}
}
