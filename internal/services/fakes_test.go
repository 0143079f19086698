package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"

	"finadvisor-pipeline/internal/config"
	"finadvisor-pipeline/internal/models"
	"finadvisor-pipeline/internal/pkg/logger"
	"finadvisor-pipeline/internal/services"
)

// scripted is one canned completion.
type scripted struct {
	content string
	err     error
	panic   bool
}

const (
	kindClassify = "classify"
	kindExtract  = "extract"
	kindGenerate = "generate"
)

// fakeLLM routes requests by system role and replays scripted responses in
// order. The last response of each kind repeats once the queue is drained.
type fakeLLM struct {
	mu        sync.Mutex
	queues    map[string][]scripted
	calls     map[string]int
	prompts   map[string][]string
	chunkSize int
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		queues:    make(map[string][]scripted),
		calls:     make(map[string]int),
		prompts:   make(map[string][]string),
		chunkSize: 5,
	}
}

func (f *fakeLLM) on(kind string, responses ...scripted) *fakeLLM {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[kind] = append(f.queues[kind], responses...)
	return f
}

func (f *fakeLLM) Calls(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeLLM) Prompts(kind string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts[kind]...)
}

func routeOf(req *services.GenerationRequest) string {
	switch {
	case strings.Contains(req.SystemRole, "classifier"):
		return kindClassify
	case strings.Contains(req.SystemRole, "extract"):
		return kindExtract
	default:
		return kindGenerate
	}
}

func (f *fakeLLM) next(req *services.GenerationRequest) scripted {
	kind := routeOf(req)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[kind]++
	f.prompts[kind] = append(f.prompts[kind], req.Prompt)

	queue := f.queues[kind]
	if len(queue) == 0 {
		return scripted{err: errors.New("no scripted response for " + kind)}
	}
	s := queue[0]
	if len(queue) > 1 {
		f.queues[kind] = queue[1:]
	}
	return s
}

func (f *fakeLLM) Complete(ctx context.Context, req *services.GenerationRequest) (*services.GenerationResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := f.next(req)
	if s.panic {
		panic("scripted panic")
	}
	if s.err != nil {
		return nil, s.err
	}
	return &services.GenerationResponse{Content: s.content, TokensUsed: 10, FinishReason: "STOP"}, nil
}

func (f *fakeLLM) Stream(ctx context.Context, req *services.GenerationRequest) iter.Seq2[services.StreamChunk, error] {
	return func(yield func(services.StreamChunk, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(services.StreamChunk{}, err)
			return
		}
		s := f.next(req)
		if s.err != nil {
			yield(services.StreamChunk{}, s.err)
			return
		}
		for i := 0; i < len(s.content); i += f.chunkSize {
			end := min(i+f.chunkSize, len(s.content))
			if !yield(services.StreamChunk{Text: s.content[i:end]}, nil) {
				return
			}
		}
		yield(services.StreamChunk{FinishReason: "STOP", TokensUsed: 42}, nil)
	}
}

func (f *fakeLLM) ModelName() string { return "fake-model" }

type fakeRetriever struct {
	mu     sync.Mutex
	calls  int
	result *models.SearchResult
	err    error
	gate   chan struct{}
}

func (r *fakeRetriever) Search(ctx context.Context, query string) (*models.SearchResult, error) {
	r.mu.Lock()
	r.calls++
	gate := r.gate
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

func (r *fakeRetriever) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func classificationJSON(inDomain, grounding, structured bool) string {
	data, _ := json.Marshal(map[string]any{
		"inDomain":              inDomain,
		"confidence":            0.9,
		"reason":                "test",
		"needsGrounding":        grounding,
		"needsStructuredAnswer": structured,
	})
	return string(data)
}

const extractionJSON = `{"instruments": [
  {"name": "Nifty 50 Index Fund", "category": "Index Fund", "expenseRatio": 0.2, "return1y": "12.5%", "return3y": "unknown", "fundSize": "1,200", "source": "https://example.com/nifty"}
]}`

type rec struct {
	Instrument       map[string]string `json:"instrument"`
	Action           string            `json:"action"`
	Rationale        string            `json:"rationale"`
	Amount           float64           `json:"amount"`
	ExecutionEnabled bool              `json:"executionEnabled"`
}

func buy(name, category string, amount float64) rec {
	return rec{
		Instrument: map[string]string{"name": name, "category": category},
		Action:     "BUY",
		Rationale:  "low cost diversified exposure",
		Amount:     amount,
	}
}

func sell(name, category string, amount float64) rec {
	r := buy(name, category, amount)
	r.Action = "SELL"
	r.Rationale = "rebalance towards target allocation"
	return r
}

func hold(name, category string, amount float64) rec {
	r := buy(name, category, amount)
	r.Action = "HOLD"
	r.Rationale = "already at target weight"
	return r
}

func artifactJSON(narrative string, recs ...rec) string {
	if recs == nil {
		recs = []rec{}
	}
	data, _ := json.Marshal(map[string]any{
		"narrative":       narrative,
		"intentSummary":   "start a monthly investment",
		"situation":       "positive surplus, no holdings",
		"analysis":        "an index fund fits a long horizon",
		"recommendations": recs,
	})
	return string(data)
}

func ptr[T any](v T) *T { return &v }

// validProfile has a monthly surplus of 20000.
func validProfile() *models.FinancialProfile {
	return &models.FinancialProfile{
		MonthlyIncome:        ptr(80000.0),
		MonthlyExpenses:      ptr(60000.0),
		EmergencyFundBalance: 120000,
		Holdings: []models.Holding{
			{Name: "Liquid Fund", Category: "liquid_fund", Value: 50000},
		},
		RiskTolerance: models.RiskModerate,
		HorizonYears:  10,
	}
}

func testPipelineConfig() config.PipelineConfig {
	return config.DefaultPipelineConfig()
}

type pipelineFixture struct {
	llm       *fakeLLM
	retriever *fakeRetriever
	cache     *services.MemoryGroundingCache
	profiles  *services.MemoryProfileStore
	states    *services.MemoryPipelineStateStore
	repair    *services.RepairCoordinator
	orch      *services.Orchestrator
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	log := logger.NewNop()
	cfg := testPipelineConfig()

	f := &pipelineFixture{
		llm: newFakeLLM(),
		retriever: &fakeRetriever{result: &models.SearchResult{
			Text:    "Nifty 50 Index Fund has an expense ratio of 0.2%",
			Sources: []string{"https://example.com/nifty"},
		}},
		cache:    services.NewMemoryGroundingCache(cfg.GroundingTTL),
		profiles: services.NewMemoryProfileStore(),
		states:   services.NewMemoryPipelineStateStore(cfg.GroundingTTL),
	}

	generator := services.NewGenerator(f.llm, cfg, log)
	f.repair = services.NewRepairCoordinator(generator, services.NewAnswerValidator(cfg), cfg.MaxAttempts, log, nil)
	f.orch = services.NewOrchestrator(
		services.NewClassifier(f.llm, log, nil),
		services.NewContextValidator(),
		services.NewGrounder(f.cache, f.retriever, f.llm, log, nil),
		f.repair,
		f.profiles,
		f.states,
		cfg,
		log,
		nil,
	)
	return f
}
