package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"finadvisor-pipeline/internal/config"
	"finadvisor-pipeline/internal/models"
	"finadvisor-pipeline/internal/pkg/logger"
)

type GenerationInput struct {
	Query                 string
	Profile               *models.ValidatedProfile
	Metrics               models.DerivedMetrics
	Grounding             *models.GroundingResult
	NeedsStructuredAnswer bool
	Instructions          string

	// Set on repair attempts only.
	PreviousRaw    string
	PreviousErrors []string
}

func (in GenerationInput) IsRepair() bool {
	return len(in.PreviousErrors) > 0
}

// CandidateAnswer is raw model output that has not been validated.
type CandidateAnswer struct {
	Raw          string
	TokensUsed   int
	FinishReason string
}

// Generator builds the advice prompt and asks for one completion. It never
// retries; the repair loop owns that decision.
type Generator struct {
	llm               CompletionProvider
	allowedCategories []string
	fallback          []config.FallbackInstrument
	logger            *logger.Logger
}

func NewGenerator(llm CompletionProvider, cfg config.PipelineConfig, log *logger.Logger) *Generator {
	return &Generator{
		llm:               llm,
		allowedCategories: cfg.AllowedCategories,
		fallback:          cfg.FallbackInstruments,
		logger:            log,
	}
}

func (g *Generator) ModelName() string {
	return g.llm.ModelName()
}

func (g *Generator) Generate(ctx context.Context, in GenerationInput) (*CandidateAnswer, error) {
	startTime := time.Now()

	resp, err := g.llm.Complete(ctx, g.request(in))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, models.ErrEmptyCompletion
	}

	g.logger.LogService("generator", "generate", time.Since(startTime), map[string]interface{}{
		"repair":          in.IsRepair(),
		"structured":      in.NeedsStructuredAnswer,
		"response_length": len(resp.Content),
	}, nil)

	return &CandidateAnswer{Raw: resp.Content, TokensUsed: resp.TokensUsed, FinishReason: resp.FinishReason}, nil
}

// GenerateStream behaves like Generate but reports narrative text through
// onDelta as soon as the scanner confirms it.
func (g *Generator) GenerateStream(ctx context.Context, in GenerationInput, onDelta func(string)) (*CandidateAnswer, error) {
	startTime := time.Now()

	scanner := NewNarrativeScanner()
	var raw strings.Builder
	candidate := &CandidateAnswer{}

	for chunk, err := range g.llm.Stream(ctx, g.request(in)) {
		if err != nil {
			return nil, err
		}
		if chunk.FinishReason != "" {
			candidate.FinishReason = chunk.FinishReason
		}
		if chunk.TokensUsed > 0 {
			candidate.TokensUsed = chunk.TokensUsed
		}
		if chunk.Text == "" {
			continue
		}
		raw.WriteString(chunk.Text)
		if delta := scanner.Feed(chunk.Text); delta != "" && onDelta != nil {
			onDelta(delta)
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	candidate.Raw = raw.String()
	if strings.TrimSpace(candidate.Raw) == "" {
		return nil, models.ErrEmptyCompletion
	}

	g.logger.LogService("generator", "generate_stream", time.Since(startTime), map[string]interface{}{
		"structured":         in.NeedsStructuredAnswer,
		"response_length":    len(candidate.Raw),
		"narrative_streamed": len(scanner.Confirmed()),
	}, nil)

	return candidate, nil
}

func (g *Generator) request(in GenerationInput) *GenerationRequest {
	return &GenerationRequest{
		Prompt:         g.buildPrompt(in),
		SystemRole:     "You are a careful personal-finance advisor. You explain your reasoning plainly and never execute transactions.",
		Temperature:    float32Ptr(0.3),
		ResponseFormat: ResponseFormatJSON,
	}
}

func (g *Generator) buildPrompt(in GenerationInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "USER QUESTION:\n%q\n\n", in.Query)

	if in.Profile != nil {
		b.WriteString("VALIDATED FINANCIAL PROFILE:\n")
		b.WriteString(mustIndentJSON(in.Profile))
		b.WriteString("\n\nDERIVED METRICS:\n")
		b.WriteString(mustIndentJSON(in.Metrics))
		b.WriteString("\n\n")
	}

	b.WriteString(g.groundingSection(in.Grounding))
	b.WriteString("\n")

	if in.Instructions != "" {
		fmt.Fprintf(&b, "ADDITIONAL INSTRUCTIONS FROM THE USER:\n%s\n\n", in.Instructions)
	}

	if in.NeedsStructuredAnswer {
		fmt.Fprintf(&b, `OUTPUT FORMAT:
Respond with exactly one JSON object and nothing else, with these fields and no others:
{
  "narrative": "<plain-language answer to the user, written first>",
  "intentSummary": "<one sentence restating what the user wants>",
  "situation": "<summary of the user's financial situation from the profile>",
  "analysis": "<reasoning that connects the situation to the recommendations>",
  "recommendations": [
    {
      "instrument": {"name": "<fund name>", "category": "<one of: %s>"},
      "action": "BUY" | "SELL" | "HOLD",
      "rationale": "<why>",
      "amount": <number>,
      "executionEnabled": false
    }
  ]
}

RULES:
- BUY and SELL amounts must be greater than 0; HOLD amounts must be 0 or more.
- Total BUY amounts minus total SELL amounts must not exceed the monthly surplus of %.2f.
- If the monthly surplus is zero or negative, do not recommend new purchases; return an empty recommendations array unless a SELL is needed to cover the shortfall.
- Only recommend fund-type instruments. Never mention crypto, derivatives, leveraged, margin or intraday products.
- executionEnabled is always false.
`, strings.Join(g.allowedCategories, ", "), in.Metrics.MonthlySurplus)
	} else {
		b.WriteString(`OUTPUT FORMAT:
Respond with exactly one JSON object and nothing else:
{"narrative": "<plain-language answer to the user>", "intentSummary": "<optional one sentence restating what the user wants>"}
Do not include recommendations.
`)
	}

	if in.IsRepair() {
		b.WriteString("\nYOUR PREVIOUS ANSWER WAS REJECTED.\nPREVIOUS OUTPUT:\n")
		b.WriteString(in.PreviousRaw)
		b.WriteString("\n\nERRORS TO FIX:\n")
		for _, e := range in.PreviousErrors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
		b.WriteString("\nProduce a complete corrected answer in the required format. Do not explain the changes.\n")
	}

	return b.String()
}

func (g *Generator) groundingSection(grounding *models.GroundingResult) string {
	if grounding == nil {
		return "INSTRUMENT DATA: no grounding available. Do not quote specific current figures such as expense ratios or returns.\n"
	}

	if grounding.IsEmpty() {
		var b strings.Builder
		b.WriteString("INSTRUMENT DATA: live instrument data is unavailable right now. ")
		b.WriteString("Limit recommendations to these well-known low-cost instruments, tell the user that current figures could not be checked, and do not quote specific figures:\n")
		for _, inst := range g.fallback {
			fmt.Fprintf(&b, "- %s (%s)\n", inst.Name, inst.Category)
		}
		return b.String()
	}

	return fmt.Sprintf("INSTRUMENT DATA (retrieved %s; \"unknown\" means the figure could not be confirmed):\n%s\n",
		grounding.FetchedAt.Format(time.RFC3339), mustIndentJSON(grounding.Instruments))
}

func mustIndentJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}
