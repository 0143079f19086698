package services

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"finadvisor-pipeline/internal/models"

	"github.com/go-playground/validator/v10"
)

const defaultEmergencyFundMonths = 6

// newStructValidator reports field paths using json names.
func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// fieldErrors converts validator output into path/constraint pairs. The
// root struct name is dropped from each path.
func fieldErrors(err error) []models.FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []models.FieldError{{Field: "", Constraint: "invalid", Message: err.Error()}}
	}

	out := make([]models.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		constraint := fe.Tag()
		if fe.Param() != "" {
			constraint += "=" + fe.Param()
		}
		out = append(out, models.FieldError{
			Field:      path,
			Constraint: constraint,
			Message:    describeConstraint(fe),
		})
	}
	return out
}

func describeConstraint(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed %s constraint", fe.Tag())
	}
}

// ContextValidator checks the caller's financial profile before any
// generation work happens.
type ContextValidator struct {
	validate *validator.Validate
}

func NewContextValidator() *ContextValidator {
	return &ContextValidator{validate: newStructValidator()}
}

func (v *ContextValidator) Validate(raw *models.FinancialProfile) (*models.ValidatedProfile, []models.FieldError) {
	if raw == nil {
		return nil, []models.FieldError{{Field: "profile", Constraint: "required", Message: "is required"}}
	}

	if err := v.validate.Struct(raw); err != nil {
		return nil, fieldErrors(err)
	}

	var errs []models.FieldError
	for i, h := range raw.Holdings {
		if math.IsNaN(h.Value) || math.IsInf(h.Value, 0) {
			errs = append(errs, models.FieldError{
				Field:      fmt.Sprintf("holdings[%d].value", i),
				Constraint: "finite",
				Message:    "must be a finite number",
			})
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	target := raw.TargetEmergencyFundMonths
	if target == 0 {
		target = defaultEmergencyFundMonths
	}

	holdings := make([]models.Holding, len(raw.Holdings))
	copy(holdings, raw.Holdings)

	return &models.ValidatedProfile{
		MonthlyIncome:             *raw.MonthlyIncome,
		MonthlyExpenses:           *raw.MonthlyExpenses,
		EmergencyFundBalance:      raw.EmergencyFundBalance,
		Holdings:                  holdings,
		RiskTolerance:             raw.RiskTolerance,
		HorizonYears:              raw.HorizonYears,
		Dependents:                raw.Dependents,
		TargetEmergencyFundMonths: target,
	}, nil
}

// DeriveMetrics is pure; callers recompute it whenever they need it.
func DeriveMetrics(p *models.ValidatedProfile) models.DerivedMetrics {
	surplus := p.MonthlyIncome - p.MonthlyExpenses

	var savingsRate float64
	if p.MonthlyIncome > 0 {
		savingsRate = round2(surplus / p.MonthlyIncome * 100)
	}

	var total float64
	byCategory := make(map[string]float64)
	for _, h := range p.Holdings {
		total += h.Value
		byCategory[h.Category] += h.Value
	}

	allocation := make(map[string]float64, len(byCategory))
	if total > 0 {
		for category, value := range byCategory {
			allocation[category] = round2(value / total * 100)
		}
	}

	efTarget := p.MonthlyExpenses * p.TargetEmergencyFundMonths

	var monthsCovered float64
	if p.MonthlyExpenses > 0 {
		monthsCovered = round2(p.EmergencyFundBalance / p.MonthlyExpenses)
	}

	return models.DerivedMetrics{
		MonthlySurplus:             surplus,
		SavingsRate:                savingsRate,
		TotalHoldings:              total,
		AllocationPercentages:      allocation,
		EmergencyFundTarget:        efTarget,
		EmergencyFundGap:           math.Max(efTarget-p.EmergencyFundBalance, 0),
		EmergencyFundMonthsCovered: monthsCovered,
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
