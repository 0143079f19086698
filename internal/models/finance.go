package models

import "fmt"

type RiskTolerance string

const (
	RiskConservative RiskTolerance = "conservative"
	RiskModerate     RiskTolerance = "moderate"
	RiskAggressive   RiskTolerance = "aggressive"
)

// FinancialProfile is the caller-supplied profile, untrusted until validated.
// Pointer fields distinguish "missing" from zero.
type FinancialProfile struct {
	MonthlyIncome             *float64      `json:"monthly_income" validate:"required,gt=0"`
	MonthlyExpenses           *float64      `json:"monthly_expenses" validate:"required,gt=0"`
	EmergencyFundBalance      float64       `json:"emergency_fund_balance" validate:"gte=0"`
	Holdings                  []Holding     `json:"holdings" validate:"omitempty,dive"`
	RiskTolerance             RiskTolerance `json:"risk_tolerance" validate:"required,oneof=conservative moderate aggressive"`
	HorizonYears              float64       `json:"horizon_years" validate:"gte=0"`
	Dependents                int           `json:"dependents" validate:"gte=0"`
	TargetEmergencyFundMonths float64       `json:"target_emergency_fund_months" validate:"gte=0,lte=36"`
}

type Holding struct {
	Name     string  `json:"name" validate:"required"`
	Category string  `json:"category" validate:"required"`
	Value    float64 `json:"value" validate:"gte=0"`
}

// ValidatedProfile is a FinancialProfile that passed validation, with
// pointers resolved and defaults applied.
type ValidatedProfile struct {
	MonthlyIncome             float64       `json:"monthly_income"`
	MonthlyExpenses           float64       `json:"monthly_expenses"`
	EmergencyFundBalance      float64       `json:"emergency_fund_balance"`
	Holdings                  []Holding     `json:"holdings"`
	RiskTolerance             RiskTolerance `json:"risk_tolerance"`
	HorizonYears              float64       `json:"horizon_years"`
	Dependents                int           `json:"dependents"`
	TargetEmergencyFundMonths float64       `json:"target_emergency_fund_months"`
}

type DerivedMetrics struct {
	MonthlySurplus             float64            `json:"monthly_surplus"`
	SavingsRate                float64            `json:"savings_rate"`
	TotalHoldings              float64            `json:"total_holdings"`
	AllocationPercentages      map[string]float64 `json:"allocation_percentages"`
	EmergencyFundTarget        float64            `json:"emergency_fund_target"`
	EmergencyFundGap           float64            `json:"emergency_fund_gap"`
	EmergencyFundMonthsCovered float64            `json:"emergency_fund_months_covered"`
}

// FieldError names one violated constraint on one field path.
type FieldError struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
	Message    string `json:"message"`
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
