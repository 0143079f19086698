package models

type OutcomeStatus string

const (
	OutcomeOK          OutcomeStatus = "ok"
	OutcomeDegraded    OutcomeStatus = "degraded"
	OutcomeUnavailable OutcomeStatus = "unavailable"
)

// Outcome tags a component result so callers can tell a real answer from a
// fail-open or fail-soft substitute. Value is meaningful for ok and degraded.
type Outcome[T any] struct {
	Status OutcomeStatus `json:"status"`
	Value  T             `json:"value"`
	Reason string        `json:"reason,omitempty"`
	Err    error         `json:"-"`
}

func OK[T any](v T) Outcome[T] {
	return Outcome[T]{Status: OutcomeOK, Value: v}
}

func Degraded[T any](v T, reason string, err error) Outcome[T] {
	return Outcome[T]{Status: OutcomeDegraded, Value: v, Reason: reason, Err: err}
}

func Unavailable[T any](err error) Outcome[T] {
	o := Outcome[T]{Status: OutcomeUnavailable, Err: err}
	if err != nil {
		o.Reason = err.Error()
	}
	return o
}

func (o Outcome[T]) IsOK() bool          { return o.Status == OutcomeOK }
func (o Outcome[T]) IsDegraded() bool    { return o.Status == OutcomeDegraded }
func (o Outcome[T]) IsUnavailable() bool { return o.Status == OutcomeUnavailable }
