package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"finadvisor-pipeline/internal/config"
	"finadvisor-pipeline/internal/models"

	"github.com/go-playground/validator/v10"
)

// netMoneyTolerance absorbs float noise in amount sums.
const netMoneyTolerance = 1e-6

// AnswerValidator checks a candidate answer in two stages: structure first,
// then business rules. Structural failures short-circuit; rule violations
// are all collected.
type AnswerValidator struct {
	validate          *validator.Validate
	allowedCategories map[string]bool
	denyList          *regexp.Regexp
}

func NewAnswerValidator(cfg config.PipelineConfig) *AnswerValidator {
	allowed := make(map[string]bool, len(cfg.AllowedCategories))
	for _, c := range cfg.AllowedCategories {
		allowed[normalizeCategory(c)] = true
	}

	return &AnswerValidator{
		validate:          newStructValidator(),
		allowedCategories: allowed,
		denyList:          compileDenyList(cfg.ForbiddenKeywords),
	}
}

// compileDenyList builds one case-insensitive, word-bounded pattern. Inner
// spaces in a keyword match any run of whitespace and a trailing "s" or "es"
// plural is accepted. Irregular plurals must be listed as keywords.
func compileDenyList(keywords []string) *regexp.Regexp {
	parts := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		words := strings.Fields(kw)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		parts = append(parts, strings.Join(words, `\s+`))
	}
	if len(parts) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)(?:^|[^\pL\pN])(` + strings.Join(parts, "|") + `)(?:e?s)?(?:$|[^\pL\pN])`)
}

func normalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	return strings.Join(strings.FieldsFunc(c, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}

func (v *AnswerValidator) Validate(raw string, metrics models.DerivedMetrics, needsStructuredAnswer bool) models.ValidationOutcome {
	payload := []byte(stripCodeFence(raw))
	if len(bytes.TrimSpace(payload)) == 0 {
		return models.Rejected("answer: empty output")
	}

	if !needsStructuredAnswer {
		var answer models.NarrativeAnswer
		if errs := v.decodeStrict(payload, &answer); len(errs) > 0 {
			return models.Rejected(errs...)
		}
		return models.Accepted(answer.AsArtifact())
	}

	var artifact models.Artifact
	if errs := v.decodeStrict(payload, &artifact); len(errs) > 0 {
		return models.Rejected(errs...)
	}

	if errs := v.checkBusinessRules(&artifact, metrics); len(errs) > 0 {
		return models.Rejected(errs...)
	}
	return models.Accepted(&artifact)
}

// decodeStrict decodes exactly one JSON object with no unknown fields, then
// applies struct tags.
func (v *AnswerValidator) decodeStrict(payload []byte, target any) []string {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	if err := dec.Decode(target); err != nil {
		return []string{describeDecodeError(err)}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return []string{"answer: unexpected data after the JSON object"}
	}

	if err := v.validate.Struct(target); err != nil {
		fes := fieldErrors(err)
		out := make([]string, 0, len(fes))
		for _, fe := range fes {
			out = append(out, fe.String())
		}
		return out
	}
	return nil
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	switch {
	case errors.As(err, &typeErr):
		field := typeErr.Field
		if field == "" {
			field = "answer"
		}
		return fmt.Sprintf("%s: expected %s, got %s", field, typeErr.Type.String(), typeErr.Value)
	case errors.As(err, &syntaxErr):
		return fmt.Sprintf("answer: invalid JSON at offset %d: %v", syntaxErr.Offset, syntaxErr)
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		field := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		return fmt.Sprintf("%s: unknown field", field)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "answer: truncated JSON"
	default:
		return fmt.Sprintf("answer: %v", err)
	}
}

func (v *AnswerValidator) checkBusinessRules(a *models.Artifact, metrics models.DerivedMetrics) []string {
	if len(a.Recommendations) == 0 {
		return nil
	}

	var errs []string
	var buys, sells float64

	for i, rec := range a.Recommendations {
		path := fmt.Sprintf("recommendations[%d]", i)
		amount := rec.AmountValue()

		switch rec.Action {
		case models.ActionBuy, models.ActionSell:
			if amount <= 0 {
				errs = append(errs, fmt.Sprintf("%s.amount: %s amount must be greater than 0, got %.2f", path, rec.Action, amount))
			}
			if rec.Action == models.ActionBuy {
				buys += amount
			} else {
				sells += amount
			}
		case models.ActionHold:
			if amount < 0 {
				errs = append(errs, fmt.Sprintf("%s.amount: HOLD amount must not be negative, got %.2f", path, amount))
			}
		}

		if !v.allowedCategories[normalizeCategory(rec.Instrument.Category)] {
			errs = append(errs, fmt.Sprintf("%s.instrument.category: %q is not an allowed category", path, rec.Instrument.Category))
		}

		if kw := v.forbiddenKeyword(rec.Instrument.Name); kw != "" {
			errs = append(errs, fmt.Sprintf("%s.instrument.name: mentions forbidden instrument type %q", path, kw))
		}
		if kw := v.forbiddenKeyword(rec.Rationale); kw != "" {
			errs = append(errs, fmt.Sprintf("%s.rationale: mentions forbidden instrument type %q", path, kw))
		}

		if rec.ExecutionEnabled == nil || *rec.ExecutionEnabled {
			errs = append(errs, fmt.Sprintf("%s.executionEnabled: must be false", path))
		}
	}

	net := buys - sells
	if net > metrics.MonthlySurplus+netMoneyTolerance {
		errs = append(errs, fmt.Sprintf(
			"recommendations: net new money %.2f (buy %.2f - sell %.2f) exceeds monthly surplus %.2f",
			net, buys, sells, metrics.MonthlySurplus))
	}

	return errs
}

func (v *AnswerValidator) forbiddenKeyword(text string) string {
	if v.denyList == nil || text == "" {
		return ""
	}
	m := v.denyList.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}
