package services

import (
	"context"
	"fmt"
	"time"

	"finadvisor-pipeline/internal/models"
	"finadvisor-pipeline/internal/pkg/logger"
	"finadvisor-pipeline/internal/pkg/metrics"
)

type RepairInput struct {
	Generation GenerationInput
	// OnDelta, when set, streams the first attempt's narrative. Repair
	// attempts are never streamed.
	OnDelta func(string)
	// OnAttempt is called before each attempt with its 1-based number.
	OnAttempt func(attempt int)
}

// RepairCoordinator runs the bounded generate-validate-regenerate loop.
type RepairCoordinator struct {
	generator   *Generator
	validator   *AnswerValidator
	maxAttempts int
	logger      *logger.Logger
	metrics     *metrics.Metrics
}

func NewRepairCoordinator(gen *Generator, val *AnswerValidator, maxAttempts int, log *logger.Logger, m *metrics.Metrics) *RepairCoordinator {
	return &RepairCoordinator{
		generator:   gen,
		validator:   val,
		maxAttempts: max(maxAttempts, 1),
		logger:      log,
		metrics:     m,
	}
}

func (rc *RepairCoordinator) MaxAttempts() int {
	return rc.maxAttempts
}

// Run returns a non-nil error only when ctx is cancelled; every other
// failure is reported through the result.
func (rc *RepairCoordinator) Run(ctx context.Context, input RepairInput) (models.RepairResult, error) {
	var (
		state      models.RepairState
		tokenCount int
	)

	for attempt := 1; attempt <= rc.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return models.RepairResult{Attempts: attempt - 1, Errors: state.LastErrors, LastRaw: state.LastCandidateRaw, TokenCount: tokenCount}, err
		}
		if input.OnAttempt != nil {
			input.OnAttempt(attempt)
		}

		genInput := input.Generation
		if attempt > 1 {
			genInput.PreviousRaw = state.LastCandidateRaw
			genInput.PreviousErrors = state.LastErrors
		}

		startTime := time.Now()
		candidate, err := rc.attempt(ctx, genInput, attempt == 1, input.OnDelta)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return models.RepairResult{Attempts: attempt, Errors: state.LastErrors, LastRaw: state.LastCandidateRaw, TokenCount: tokenCount}, ctxErr
			}
			state = models.RepairState{
				Attempt:    attempt,
				LastErrors: []string{fmt.Sprintf("generation failed: %v", err)},
			}
			rc.logAttempt(attempt, time.Since(startTime), state.LastErrors, err)
			continue
		}
		tokenCount += candidate.TokensUsed

		outcome := rc.validator.Validate(candidate.Raw, genInput.Metrics, genInput.NeedsStructuredAnswer)
		if outcome.Accepted {
			rc.logAttempt(attempt, time.Since(startTime), nil, nil)
			rc.metrics.ObserveRepairAttempts(attempt)
			return models.RepairResult{
				Success:      true,
				Artifact:     outcome.Artifact,
				Attempts:     attempt,
				LastRaw:      candidate.Raw,
				TokenCount:   tokenCount,
				FinishReason: candidate.FinishReason,
			}, nil
		}

		state = models.RepairState{
			Attempt:          attempt,
			LastCandidateRaw: candidate.Raw,
			LastErrors:       outcome.Errors,
		}
		rc.logAttempt(attempt, time.Since(startTime), outcome.Errors, nil)
	}

	rc.metrics.ObserveRepairAttempts(rc.maxAttempts)
	return models.RepairResult{
		Success:    false,
		Attempts:   rc.maxAttempts,
		Errors:     state.LastErrors,
		LastRaw:    state.LastCandidateRaw,
		TokenCount: tokenCount,
	}, nil
}

// attempt turns a panic inside generation into an ordinary failed attempt.
func (rc *RepairCoordinator) attempt(ctx context.Context, in GenerationInput, first bool, onDelta func(string)) (candidate *CandidateAnswer, err error) {
	defer func() {
		if r := recover(); r != nil {
			candidate = nil
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()

	if first && onDelta != nil {
		return rc.generator.GenerateStream(ctx, in, onDelta)
	}
	return rc.generator.Generate(ctx, in)
}

func (rc *RepairCoordinator) logAttempt(attempt int, d time.Duration, errs []string, err error) {
	rc.logger.LogService("repair", "attempt", d, map[string]interface{}{
		"attempt":      attempt,
		"max_attempts": rc.maxAttempts,
		"accepted":     len(errs) == 0 && err == nil,
		"errors":       errs,
	}, err)
}
