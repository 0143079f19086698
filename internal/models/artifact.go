package models

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Artifact is an accepted answer. Artifacts only come out of the validator.
type Artifact struct {
	Narrative       string               `json:"narrative" validate:"required"`
	IntentSummary   string               `json:"intentSummary" validate:"required"`
	Situation       string               `json:"situation" validate:"required"`
	Analysis        string               `json:"analysis" validate:"required"`
	Recommendations []RecommendationItem `json:"recommendations" validate:"required,dive"`
}

// NarrativeAnswer is the relaxed shape used when no structured answer is wanted.
type NarrativeAnswer struct {
	Narrative     string `json:"narrative" validate:"required"`
	IntentSummary string `json:"intentSummary,omitempty"`
}

func (n NarrativeAnswer) AsArtifact() *Artifact {
	return &Artifact{Narrative: n.Narrative, IntentSummary: n.IntentSummary}
}

type InstrumentRef struct {
	Name     string `json:"name" validate:"required"`
	Category string `json:"category" validate:"required"`
}

type RecommendationItem struct {
	Instrument       InstrumentRef `json:"instrument"`
	Action           Action        `json:"action" validate:"required,oneof=BUY SELL HOLD"`
	Rationale        string        `json:"rationale" validate:"required"`
	Amount           *float64      `json:"amount" validate:"required"`
	ExecutionEnabled *bool         `json:"executionEnabled" validate:"required"`
}

func (r RecommendationItem) AmountValue() float64 {
	if r.Amount == nil {
		return 0
	}
	return *r.Amount
}

type ValidationOutcome struct {
	Accepted bool      `json:"accepted"`
	Errors   []string  `json:"errors"`
	Artifact *Artifact `json:"artifact,omitempty"`
}

func Rejected(errs ...string) ValidationOutcome {
	return ValidationOutcome{Accepted: false, Errors: errs}
}

func Accepted(a *Artifact) ValidationOutcome {
	return ValidationOutcome{Accepted: true, Errors: []string{}, Artifact: a}
}

// RepairState is local to one repair loop. Each rejected attempt overwrites it.
type RepairState struct {
	Attempt          int
	LastCandidateRaw string
	LastErrors       []string
}

// RepairResult is what the repair loop hands back to the orchestrator.
type RepairResult struct {
	Success      bool      `json:"success"`
	Artifact     *Artifact `json:"artifact,omitempty"`
	Attempts     int       `json:"attempts"`
	Errors       []string  `json:"errors,omitempty"`
	LastRaw      string    `json:"-"`
	TokenCount   int       `json:"-"`
	FinishReason string    `json:"-"`
}
