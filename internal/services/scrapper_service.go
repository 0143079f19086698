package services

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"finadvisor-pipeline/internal/config"
	"finadvisor-pipeline/internal/models"
	"finadvisor-pipeline/internal/pkg/logger"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
)

// ScraperService fetches instrument pages (fund fact sheets, ETF pages) and
// reduces them to plain text for the extraction prompt.
type ScraperService struct {
	collector   *colly.Collector
	logger      *logger.Logger
	config      config.ScraperConfig
	rateLimiter chan struct{}
}

type ScrapedPage struct {
	URL       string            `json:"url"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	Facts     []string          `json:"facts"`
	Metadata  map[string]string `json:"metadata"`
	ScrapedAt time.Time         `json:"scraped_at"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
}

var (
	whitespaceRe     = regexp.MustCompile(`\s+`)
	unwantedPatterns = compilePatterns(`(?i)javascript:void\(0\)`, `(?i)advertisement`, `(?i)subscribe to.*newsletter`, `(?i)follow us on`, `(?i)share this (page|article)`)
	factKeywordsRe   = regexp.MustCompile(`(?i)(expense ratio|\bter\b|\baum\b|fund size|net assets|1[- ]?y(ea)?r|3[- ]?y(ea)?r|returns?|\bnav\b|benchmark)`)
)

func compilePatterns(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

func NewScraperService(cfg config.ScraperConfig, log *logger.Logger) *ScraperService {
	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)

	parallelism := max(cfg.Parallelism, 1)
	_ = collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: parallelism,
		Delay:       cfg.Delay,
	})

	if cfg.RequestTimeout > 0 {
		collector.SetRequestTimeout(cfg.RequestTimeout)
	}

	log.Info("Scraper service initialized",
		"parallelism", parallelism,
		"delay", cfg.Delay,
		"timeout", cfg.RequestTimeout)

	return &ScraperService{
		collector:   collector,
		logger:      log,
		config:      cfg,
		rateLimiter: make(chan struct{}, parallelism),
	}
}

func (service *ScraperService) ScrapePage(ctx context.Context, targetURL string) (*ScrapedPage, error) {
	startTime := time.Now()

	page := &ScrapedPage{
		URL:       targetURL,
		ScrapedAt: time.Now(),
		Metadata:  make(map[string]string),
		Facts:     []string{},
	}

	parsedURL, err := url.Parse(targetURL)
	if err != nil || targetURL == "" {
		page.Error = "invalid URL"
		return page, models.NewValidationError("INVALID_URL", "invalid URL").WithMetadata("url", targetURL)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		page.Error = fmt.Sprintf("unsupported URL scheme: %s", parsedURL.Scheme)
		return page, models.NewValidationError("INVALID_URL", page.Error)
	}

	select {
	case service.rateLimiter <- struct{}{}:
		defer func() { <-service.rateLimiter }()
	case <-ctx.Done():
		page.Error = "rate limiter timeout"
		return page, models.NewTimeoutError("SCRAPER_TIMEOUT", "rate limiter timeout").WithCause(ctx.Err())
	}

	c := service.collector.Clone()

	var (
		mu          sync.Mutex
		scrapeErr   error
		statusCode  int
		processedOK bool
	)

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})

	c.OnResponse(func(r *colly.Response) {
		mu.Lock()
		defer mu.Unlock()
		statusCode = r.StatusCode
		page.Metadata["status_code"] = fmt.Sprintf("%d", r.StatusCode)
		page.Metadata["content_type"] = r.Headers.Get("Content-Type")
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		mu.Lock()
		defer mu.Unlock()
		processedOK = true
		page.Title = strings.TrimSpace(e.ChildText("title"))
		if h1 := strings.TrimSpace(e.ChildText("h1")); h1 != "" {
			page.Title = h1
		}
		page.Content = service.extractContent(e.DOM)
		page.Facts = extractFactRows(e.DOM)
		page.Success = page.Content != "" || len(page.Facts) > 0
	})

	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		scrapeErr = err
		if r != nil {
			statusCode = r.StatusCode
		}
		page.Error = fmt.Sprintf("HTTP %d: %v", statusCode, err)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				mu.Lock()
				scrapeErr = fmt.Errorf("scraper panic: %v", r)
				mu.Unlock()
			}
		}()
		if err := c.Visit(targetURL); err != nil {
			mu.Lock()
			if scrapeErr == nil {
				scrapeErr = err
			}
			mu.Unlock()
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		service.logger.Warn("Scraping cancelled", "url", targetURL, "duration", time.Since(startTime))
		return &ScrapedPage{URL: targetURL, Error: "context done"}, models.NewTimeoutError("SCRAPER_TIMEOUT", "scraping request timed out").WithCause(ctx.Err())
	}

	mu.Lock()
	defer mu.Unlock()

	if !processedOK && scrapeErr == nil {
		page.Error = fmt.Sprintf("no HTML content found (HTTP %d)", statusCode)
	}

	service.logger.LogService("scraper", "scrape_page", time.Since(startTime), map[string]interface{}{
		"url":            targetURL,
		"success":        page.Success,
		"content_length": len(page.Content),
		"facts":          len(page.Facts),
		"status_code":    statusCode,
	}, scrapeErr)

	if scrapeErr != nil {
		return page, models.WrapExternalError("SCRAPER", scrapeErr)
	}
	return page, nil
}

// ScrapePages scrapes urls concurrently and returns the successful pages in
// input order. Failures are logged and skipped.
func (service *ScraperService) ScrapePages(ctx context.Context, urls []string) []*ScrapedPage {
	pages := make([]*ScrapedPage, len(urls))

	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(index int, target string) {
			defer wg.Done()
			page, err := service.ScrapePage(ctx, target)
			if err != nil || page == nil || !page.Success {
				service.logger.Debug("Scrape skipped", "url", target, "error", err)
				return
			}
			pages[index] = page
		}(i, u)
	}
	wg.Wait()

	out := make([]*ScrapedPage, 0, len(pages))
	for _, p := range pages {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (service *ScraperService) extractContent(doc *goquery.Selection) string {
	var texts []string
	doc.Find("body p, body li, body td, body h2, body h3").Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered("script, style, nav, footer, header, noscript, form").Length() > 0 {
			return
		}
		text := strings.TrimSpace(s.Text())
		if len(text) > 20 {
			texts = append(texts, text)
		}
	})
	return service.cleanContent(strings.Join(texts, "\n"))
}

// extractFactRows pulls "label: value" pairs from tables and definition lists
// whose label looks like a fund fact.
func extractFactRows(doc *goquery.Selection) []string {
	var facts []string
	seen := make(map[string]bool)
	add := func(label, value string) {
		label = whitespaceRe.ReplaceAllString(strings.TrimSpace(label), " ")
		value = whitespaceRe.ReplaceAllString(strings.TrimSpace(value), " ")
		if label == "" || value == "" || !factKeywordsRe.MatchString(label) {
			return
		}
		row := label + ": " + value
		if !seen[row] {
			seen[row] = true
			facts = append(facts, row)
		}
	}

	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("th, td")
		if cells.Length() >= 2 {
			add(cells.Eq(0).Text(), cells.Eq(1).Text())
		}
	})
	doc.Find("dl").Each(func(_ int, dl *goquery.Selection) {
		dl.Find("dt").Each(func(_ int, dt *goquery.Selection) {
			add(dt.Text(), dt.NextFiltered("dd").Text())
		})
	})
	return facts
}

func (service *ScraperService) cleanContent(content string) string {
	if content == "" {
		return content
	}

	content = whitespaceRe.ReplaceAllString(content, " ")
	for _, re := range unwantedPatterns {
		content = re.ReplaceAllString(content, "")
	}
	content = strings.TrimSpace(content)

	limit := service.config.MaxContentLen
	if limit > 0 && len(content) > limit {
		content = safeTruncate(content, limit)
	}
	return content
}

// safeTruncate cuts s to at most length bytes without splitting a rune.
func safeTruncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	cut := length
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
