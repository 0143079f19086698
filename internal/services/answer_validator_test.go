package services_test

import (
	"encoding/json"
	"strings"
	"testing"

	"finadvisor-pipeline/internal/config"
	"finadvisor-pipeline/internal/models"
	"finadvisor-pipeline/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func surplus(v float64) models.DerivedMetrics {
	return models.DerivedMetrics{MonthlySurplus: v}
}

func newAnswerValidator() *services.AnswerValidator {
	return services.NewAnswerValidator(config.DefaultPipelineConfig())
}

func requireRejectedWith(t *testing.T, outcome models.ValidationOutcome, fragments ...string) {
	t.Helper()
	require.False(t, outcome.Accepted, "expected rejection")
	assert.Nil(t, outcome.Artifact)
	joined := strings.Join(outcome.Errors, "\n")
	for _, f := range fragments {
		assert.Contains(t, joined, f)
	}
}

func TestAnswerValidatorAcceptsValidArtifact(t *testing.T) {
	raw := artifactJSON("Invest 10000 a month.", buy("Nifty 50 Index Fund", "index_fund", 10000))

	outcome := newAnswerValidator().Validate(raw, surplus(20000), true)

	require.True(t, outcome.Accepted, outcome.Errors)
	assert.Empty(t, outcome.Errors)
	require.NotNil(t, outcome.Artifact)
	assert.Equal(t, "Invest 10000 a month.", outcome.Artifact.Narrative)
	require.Len(t, outcome.Artifact.Recommendations, 1)
	assert.Equal(t, models.ActionBuy, outcome.Artifact.Recommendations[0].Action)
}

func TestAnswerValidatorCategoryNormalisation(t *testing.T) {
	raw := artifactJSON("ok", buy("Nifty 50", "Index Fund", 100), buy("Short bond", "debt-fund", 100))

	outcome := newAnswerValidator().Validate(raw, surplus(1000), true)

	assert.True(t, outcome.Accepted, outcome.Errors)
}

func TestAnswerValidatorRejectsUnknownCategory(t *testing.T) {
	raw := artifactJSON("ok", buy("Apple Inc", "stock", 100))

	outcome := newAnswerValidator().Validate(raw, surplus(1000), true)

	requireRejectedWith(t, outcome, `recommendations[0].instrument.category: "stock" is not an allowed category`)
}

func TestAnswerValidatorDenyList(t *testing.T) {
	tests := []struct {
		name      string
		rec       rec
		wantError string
	}{
		{
			name:      "keyword in name",
			rec:       buy("Bitcoin Tracker Fund", "etf", 100),
			wantError: `recommendations[0].instrument.name: mentions forbidden instrument type "bitcoin"`,
		},
		{
			name: "keyword in rationale",
			rec: func() rec {
				r := buy("Nifty 50 Index Fund", "index_fund", 100)
				r.Rationale = "pairs well with some Options  Trading on the side"
				return r
			}(),
			wantError: `recommendations[0].rationale: mentions forbidden instrument type "options  trading"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := newAnswerValidator().Validate(artifactJSON("ok", tt.rec), surplus(1000), true)
			requireRejectedWith(t, outcome, tt.wantError)
		})
	}
}

func TestAnswerValidatorDenyListIsWordBounded(t *testing.T) {
	r := buy("Nifty 50 Index Fund", "index_fund", 100)
	r.Rationale = "diversified across the sector; no cryptographic gimmicks, unlike nftx"

	outcome := newAnswerValidator().Validate(artifactJSON("ok", r), surplus(1000), true)

	assert.True(t, outcome.Accepted, outcome.Errors)
}

func TestAnswerValidatorDenyListMatchesPlurals(t *testing.T) {
	tests := []struct {
		name    string
		keyword string
	}{
		{"Equity Derivatives Fund", "derivative"},
		{"Cryptocurrencies Index ETF", "cryptocurrencies"},
		{"Bitcoins Tracker Fund", "bitcoin"},
		{"NFTs Growth Fund", "nft"},
		{"Penny Stocks Opportunities Fund", "penny stock"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := newAnswerValidator().Validate(artifactJSON("ok", buy(tt.name, "mutual_fund", 100)), surplus(1000), true)
			requireRejectedWith(t, outcome, `recommendations[0].instrument.name: mentions forbidden instrument type "`+tt.keyword+`"`)
		})
	}
}

func TestAnswerValidatorExecutionEnabled(t *testing.T) {
	t.Run("true", func(t *testing.T) {
		r := buy("Nifty 50 Index Fund", "index_fund", 100)
		r.ExecutionEnabled = true
		outcome := newAnswerValidator().Validate(artifactJSON("ok", r), surplus(1000), true)
		requireRejectedWith(t, outcome, "recommendations[0].executionEnabled: must be false")
	})

	t.Run("missing", func(t *testing.T) {
		raw := `{"narrative":"n","intentSummary":"i","situation":"s","analysis":"a","recommendations":[
			{"instrument":{"name":"Nifty 50","category":"index_fund"},"action":"BUY","rationale":"r","amount":100}
		]}`
		outcome := newAnswerValidator().Validate(raw, surplus(1000), true)
		requireRejectedWith(t, outcome, "recommendations[0].executionEnabled: is required")
	})
}

func TestAnswerValidatorStructuralFailures(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantError string
	}{
		{"empty", "   ", "answer: empty output"},
		{"truncated", `{"narrative": "half`, "answer: truncated JSON"},
		{"unknown field", `{"narrative":"n","intentSummary":"i","situation":"s","analysis":"a","recommendations":[],"confidence":1}`, "confidence: unknown field"},
		{"trailing data", artifactJSON("ok") + ` {"again": true}`, "answer: unexpected data after the JSON object"},
		{"wrong type", `{"narrative": 5}`, "narrative: expected string"},
		{"missing section", `{"narrative":"n","intentSummary":"i","situation":"s","recommendations":[]}`, "analysis: is required"},
		{"bad action", `{"narrative":"n","intentSummary":"i","situation":"s","analysis":"a","recommendations":[
			{"instrument":{"name":"x","category":"etf"},"action":"SHORT","rationale":"r","amount":1,"executionEnabled":false}]}`,
			"recommendations[0].action: must be one of [BUY SELL HOLD]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := newAnswerValidator().Validate(tt.raw, surplus(1000), true)
			requireRejectedWith(t, outcome, tt.wantError)
		})
	}
}

func TestAnswerValidatorStripsCodeFence(t *testing.T) {
	raw := "```json\n" + artifactJSON("fenced", hold("Liquid Fund", "liquid_fund", 0)) + "\n```"

	outcome := newAnswerValidator().Validate(raw, surplus(0), true)

	require.True(t, outcome.Accepted, outcome.Errors)
	assert.Equal(t, "fenced", outcome.Artifact.Narrative)
}

func TestAnswerValidatorNetMoney(t *testing.T) {
	tests := []struct {
		name     string
		recs     []rec
		surplus  float64
		accepted bool
	}{
		{"within surplus", []rec{buy("Nifty 50", "index_fund", 20000)}, 20000, true},
		{"exceeds surplus", []rec{buy("Nifty 50", "index_fund", 20001)}, 20000, false},
		{"sell funds buy", []rec{sell("Liquid Fund", "liquid_fund", 30000), buy("Nifty 50", "index_fund", 45000)}, 20000, true},
		{"negative surplus blocks buys", []rec{buy("Nifty 50", "index_fund", 1)}, -500, false},
		{"hold only", []rec{hold("Liquid Fund", "liquid_fund", 0)}, 0, true},
		{"hold only with a deficit", []rec{hold("Liquid Fund", "liquid_fund", 0)}, -500, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := newAnswerValidator().Validate(artifactJSON("ok", tt.recs...), surplus(tt.surplus), true)
			assert.Equal(t, tt.accepted, outcome.Accepted, outcome.Errors)
			if !tt.accepted {
				assert.Contains(t, strings.Join(outcome.Errors, "\n"), "exceeds monthly surplus")
			}
		})
	}
}

func TestAnswerValidatorAmounts(t *testing.T) {
	outcome := newAnswerValidator().Validate(artifactJSON("ok",
		buy("Nifty 50", "index_fund", 0),
		sell("Liquid Fund", "liquid_fund", -5),
	), surplus(1000), true)

	requireRejectedWith(t, outcome,
		"recommendations[0].amount: BUY amount must be greater than 0",
		"recommendations[1].amount: SELL amount must be greater than 0",
	)
}

func TestAnswerValidatorCollectsAllViolations(t *testing.T) {
	bad := buy("Crypto Index", "crypto", 5000)
	bad.ExecutionEnabled = true

	outcome := newAnswerValidator().Validate(artifactJSON("ok", bad), surplus(100), true)

	require.False(t, outcome.Accepted)
	assert.Len(t, outcome.Errors, 4)
	requireRejectedWith(t, outcome,
		"instrument.category",
		"instrument.name",
		"executionEnabled",
		"exceeds monthly surplus",
	)
}

func TestAnswerValidatorEmptyRecommendations(t *testing.T) {
	outcome := newAnswerValidator().Validate(artifactJSON("Build your emergency fund first."), surplus(-1000), true)

	assert.True(t, outcome.Accepted, outcome.Errors)
}

func TestAnswerValidatorNarrativeOnly(t *testing.T) {
	v := newAnswerValidator()

	outcome := v.Validate(`{"narrative": "An index fund tracks a market index."}`, models.DerivedMetrics{}, false)
	require.True(t, outcome.Accepted, outcome.Errors)
	assert.Equal(t, "An index fund tracks a market index.", outcome.Artifact.Narrative)
	assert.Empty(t, outcome.Artifact.Recommendations)

	outcome = v.Validate(`{"narrative": ""}`, models.DerivedMetrics{}, false)
	requireRejectedWith(t, outcome, "narrative: is required")
}

// Every accepted structured answer satisfies the business rules.
func TestAnswerValidatorAcceptedArtifactsHoldInvariants(t *testing.T) {
	cfg := config.DefaultPipelineConfig()
	v := services.NewAnswerValidator(cfg)
	allowed := map[string]bool{}
	for _, c := range cfg.AllowedCategories {
		allowed[c] = true
	}

	categories := append([]string{"stock", "crypto", "bond"}, cfg.AllowedCategories...)
	names := []string{"Nifty 50 Index Fund", "Bitcoin Trust", "Gold ETF", "Leveraged Nasdaq", "Corporate Bond Fund"}

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 5).Draw(rt, "n")
		recs := make([]rec, n)
		for i := range recs {
			recs[i] = rec{
				Instrument: map[string]string{
					"name":     rapid.SampledFrom(names).Draw(rt, "name"),
					"category": rapid.SampledFrom(categories).Draw(rt, "category"),
				},
				Action:           rapid.SampledFrom([]string{"BUY", "SELL", "HOLD"}).Draw(rt, "action"),
				Rationale:        "fits the plan",
				Amount:           float64(rapid.IntRange(-100, 50000).Draw(rt, "amount")),
				ExecutionEnabled: rapid.Bool().Draw(rt, "exec"),
			}
		}
		monthly := float64(rapid.IntRange(-10000, 60000).Draw(rt, "surplus"))

		outcome := v.Validate(artifactJSON("n", recs...), surplus(monthly), true)
		if !outcome.Accepted {
			if len(outcome.Errors) == 0 {
				rt.Fatalf("rejection without errors")
			}
			return
		}

		var buys, sells float64
		for _, r := range outcome.Artifact.Recommendations {
			if !allowed[r.Instrument.Category] {
				rt.Fatalf("accepted disallowed category %q", r.Instrument.Category)
			}
			if r.ExecutionEnabled == nil || *r.ExecutionEnabled {
				rt.Fatalf("accepted executable recommendation")
			}
			if strings.Contains(strings.ToLower(r.Instrument.Name), "bitcoin") || strings.Contains(strings.ToLower(r.Instrument.Name), "leveraged") {
				rt.Fatalf("accepted forbidden instrument %q", r.Instrument.Name)
			}
			switch r.Action {
			case models.ActionBuy:
				buys += r.AmountValue()
			case models.ActionSell:
				sells += r.AmountValue()
			}
			if r.Action != models.ActionHold && r.AmountValue() <= 0 {
				rt.Fatalf("accepted non-positive %s amount", r.Action)
			}
		}
		if buys-sells > monthly {
			rt.Fatalf("accepted net new money %.2f over surplus %.2f", buys-sells, monthly)
		}

		// accepted artifacts round-trip unchanged
		data, err := json.Marshal(outcome.Artifact)
		if err != nil {
			rt.Fatal(err)
		}
		if again := v.Validate(string(data), surplus(monthly), true); !again.Accepted {
			rt.Fatalf("re-validation failed: %v", again.Errors)
		}
	})
}
