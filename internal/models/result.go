package models

type ResultType string

const (
	ResultRejection ResultType = "rejection"
	ResultSuccess   ResultType = "success"
	ResultError     ResultType = "error"
)

type Stage string

const (
	StageRequest           Stage = "request"
	StageClassification    Stage = "classification"
	StageContextValidation Stage = "context_validation"
	StageGrounding         Stage = "grounding"
	StageGeneration        Stage = "generation"
)

// PipelineResult is the terminal value of one pipeline run. Type selects
// which of the remaining fields are populated.
type PipelineResult struct {
	Type ResultType `json:"type"`

	Classification *ClassificationResult `json:"classification,omitempty"`
	Message        string                `json:"message,omitempty"`

	Grounding      *GroundingResult `json:"grounding,omitempty"`
	Artifact       *Artifact        `json:"artifact,omitempty"`
	RepairAttempts int              `json:"repairAttempts,omitempty"`

	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Stage   Stage  `json:"stage,omitempty"`
	Details any    `json:"details,omitempty"`
}

func NewRejection(c ClassificationResult, message string) *PipelineResult {
	return &PipelineResult{Type: ResultRejection, Classification: &c, Message: message}
}

func NewSuccess(c ClassificationResult, grounding *GroundingResult, artifact *Artifact, attempts int) *PipelineResult {
	return &PipelineResult{
		Type:           ResultSuccess,
		Classification: &c,
		Grounding:      grounding,
		Artifact:       artifact,
		RepairAttempts: attempts,
	}
}

func NewErrorResult(stage Stage, msg string, details any) *PipelineResult {
	return &PipelineResult{Type: ResultError, Error: msg, Stage: stage, Details: details}
}

// WithCode sets the machine-readable failure code on an error result.
func (r *PipelineResult) WithCode(code string) *PipelineResult {
	r.Code = code
	return r
}

func (r *PipelineResult) IsSuccess() bool   { return r.Type == ResultSuccess }
func (r *PipelineResult) IsRejection() bool { return r.Type == ResultRejection }
func (r *PipelineResult) IsError() bool     { return r.Type == ResultError }
