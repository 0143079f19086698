package models

// ClassificationResult is the classifier's verdict on a query. Only InDomain
// gates the pipeline; the optional flags steer later stages.
type ClassificationResult struct {
	InDomain              bool    `json:"inDomain"`
	Confidence            float64 `json:"confidence"`
	Reason                string  `json:"reason"`
	NeedsGrounding        *bool   `json:"needsGrounding,omitempty"`
	NeedsStructuredAnswer *bool   `json:"needsStructuredAnswer,omitempty"`
}

// WantsGrounding resolves an unset NeedsGrounding to false.
func (c ClassificationResult) WantsGrounding() bool {
	return c.NeedsGrounding != nil && *c.NeedsGrounding
}

// WantsStructuredAnswer resolves an unset NeedsStructuredAnswer to true.
func (c ClassificationResult) WantsStructuredAnswer() bool {
	return c.NeedsStructuredAnswer == nil || *c.NeedsStructuredAnswer
}

func BoolPtr(b bool) *bool {
	return &b
}

func Float64Ptr(f float64) *float64 {
	return &f
}
