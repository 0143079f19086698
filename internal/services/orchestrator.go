package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"finadvisor-pipeline/internal/config"
	"finadvisor-pipeline/internal/models"
	"finadvisor-pipeline/internal/pkg/logger"
	"finadvisor-pipeline/internal/pkg/metrics"
)

// StageUpdatePublisher receives progress updates as stages start and finish.
type StageUpdatePublisher interface {
	PublishStageUpdate(ctx context.Context, update *models.StageUpdate) error
}

type Orchestrator struct {
	classifier       *Classifier
	contextValidator *ContextValidator
	grounder         *Grounder
	repair           *RepairCoordinator
	profiles         ProfileStore
	states           PipelineStateStore
	publisher        StageUpdatePublisher

	config  config.PipelineConfig
	logger  *logger.Logger
	metrics *metrics.Metrics

	activePipelines sync.Map // pipeline_id -> *models.PipelineContext

	startTime time.Time
}

// pipelineExecutor carries the state of one run between stages.
type pipelineExecutor struct {
	orchestrator *Orchestrator
	pipelineCtx  *models.PipelineContext
	request      *models.AdviceRequest
	logger       *logger.Logger

	classification models.ClassificationResult
	profile        *models.ValidatedProfile
	derived        models.DerivedMetrics
	grounding      *models.GroundingResult
	repairResult   models.RepairResult
}

func NewOrchestrator(
	classifier *Classifier,
	contextValidator *ContextValidator,
	grounder *Grounder,
	repair *RepairCoordinator,
	profiles ProfileStore,
	states PipelineStateStore,
	cfg config.PipelineConfig,
	log *logger.Logger,
	m *metrics.Metrics) *Orchestrator {

	orchestrator := &Orchestrator{
		classifier:       classifier,
		contextValidator: contextValidator,
		grounder:         grounder,
		repair:           repair,
		profiles:         profiles,
		states:           states,
		config:           cfg,
		logger:           log,
		metrics:          m,
		startTime:        time.Now(),
	}

	log.Info("Orchestrator initialized",
		"max_attempts", repair.MaxAttempts(),
		"allowed_categories", len(cfg.AllowedCategories),
		"stages", []models.Stage{models.StageClassification, models.StageContextValidation, models.StageGrounding, models.StageGeneration})

	return orchestrator
}

// SetPublisher enables stage progress updates. A nil publisher disables them.
func (orchestrator *Orchestrator) SetPublisher(p StageUpdatePublisher) {
	orchestrator.publisher = p
}

// Execute runs the pipeline to one of its three terminal results. It never
// returns a Go error: every failure is mapped to an error result.
func (orchestrator *Orchestrator) Execute(ctx context.Context, req *models.AdviceRequest) *models.PipelineResult {
	executor := orchestrator.begin(req, false)
	defer orchestrator.activePipelines.Delete(executor.pipelineCtx.ID)

	result := executor.run(ctx, nil)
	orchestrator.finish(ctx, executor, result)
	return result
}

func (orchestrator *Orchestrator) begin(req *models.AdviceRequest, streaming bool) *pipelineExecutor {
	pipelineCtx := models.NewPipelineContext(req.TrimmedQuery(), req.RequestID, streaming)
	orchestrator.activePipelines.Store(pipelineCtx.ID, pipelineCtx)
	orchestrator.logger.LogPipeline(pipelineCtx.ID, "pipeline_started", 0, nil)

	return &pipelineExecutor{
		orchestrator: orchestrator,
		pipelineCtx:  pipelineCtx,
		request:      req,
		logger:       orchestrator.logger,
	}
}

func (orchestrator *Orchestrator) finish(ctx context.Context, executor *pipelineExecutor, result *models.PipelineResult) {
	pipelineCtx := executor.pipelineCtx
	pipelineCtx.SetRepairAttempts(executor.repairResult.Attempts)
	pipelineCtx.Finish(terminalStatus(result))

	stage := result.Stage
	if stage == "" {
		stage = pipelineCtx.CurrentStage()
	}
	orchestrator.metrics.ObservePipelineResult(string(result.Type), string(stage))

	var err error
	if result.IsError() {
		err = errors.New(result.Error)
	}
	orchestrator.logger.LogPipeline(pipelineCtx.ID, "pipeline_"+string(pipelineCtx.Status()), pipelineCtx.GetDuration(), err)

	// the caller may already be gone; the snapshot is still worth keeping
	storeCtx := context.WithoutCancel(ctx)
	if orchestrator.states != nil {
		if err := orchestrator.states.StorePipelineState(storeCtx, pipelineCtx.Snapshot()); err != nil {
			orchestrator.logger.WithError(err).Error("Failed to store final pipeline state")
		}
	}
}

func terminalStatus(result *models.PipelineResult) models.PipelineStatus {
	switch {
	case result.IsSuccess():
		return models.PipelineStatusCompleted
	case result.IsRejection():
		return models.PipelineStatusRejected
	case result.Code == models.FailureCancelled:
		return models.PipelineStatusCancelled
	default:
		return models.PipelineStatusFailed
	}
}

// run sequences the stages. onDelta, when set, streams the first generation
// attempt's narrative.
func (executor *pipelineExecutor) run(ctx context.Context, onDelta func(string)) (result *models.PipelineResult) {
	defer func() {
		if r := recover(); r != nil {
			stage := executor.pipelineCtx.CurrentStage()
			executor.logger.WithFields(logger.Fields{
				"pipeline_id": executor.pipelineCtx.ID,
				"stage":       stage,
				"panic":       fmt.Sprint(r),
			}).Error("Pipeline panic recovered")
			result = models.NewErrorResult(stage, fmt.Sprintf("internal error during %s", stage), nil).WithCode(models.FailureInternal)
		}
	}()

	executor.pipelineCtx.MarkProcessing()

	if executor.pipelineCtx.Query == "" {
		return models.NewErrorResult(models.StageRequest, "query is required", nil).WithCode(models.FailureInvalidRequest)
	}

	if terminal := executor.classify(ctx); terminal != nil {
		return terminal
	}
	if terminal := executor.validateContext(ctx); terminal != nil {
		return terminal
	}
	if terminal := executor.ground(ctx); terminal != nil {
		return terminal
	}
	return executor.generate(ctx, onDelta)
}

func (executor *pipelineExecutor) classify(ctx context.Context) *models.PipelineResult {
	startTime := executor.enterStage(ctx, models.StageClassification)

	outcome := executor.orchestrator.classifier.Classify(ctx, executor.pipelineCtx.Query)
	if outcome.IsUnavailable() {
		executor.finishStage(ctx, models.StageClassification, startTime, "failed", outcome.Reason, outcome.Err)
		return cancelledResult(models.StageClassification, outcome.Err)
	}

	executor.classification = outcome.Value
	executor.finishStage(ctx, models.StageClassification, startTime, string(outcome.Status), outcome.Value.Reason, nil)

	if !outcome.Value.InDomain {
		return models.NewRejection(outcome.Value, executor.orchestrator.config.RejectionMessage)
	}
	return nil
}

func (executor *pipelineExecutor) validateContext(ctx context.Context) *models.PipelineResult {
	startTime := executor.enterStage(ctx, models.StageContextValidation)

	raw, err := executor.resolveProfile(ctx)
	if err != nil {
		executor.finishStage(ctx, models.StageContextValidation, startTime, "failed", err.Error(), err)
		if ctx.Err() != nil {
			return cancelledResult(models.StageContextValidation, ctx.Err())
		}
		if models.IsNotFound(err) {
			return models.NewErrorResult(models.StageContextValidation, "profile not found",
				[]models.FieldError{{Field: "profile_id", Constraint: "exists", Message: "no stored profile with this id"}}).
				WithCode(models.FailureInvalidProfile)
		}
		return models.NewErrorResult(models.StageContextValidation, "could not load profile", nil).WithCode(models.FailureInternal)
	}

	// narrative-only questions may be asked without a profile
	if raw == nil && !executor.classification.WantsStructuredAnswer() {
		executor.finishStage(ctx, models.StageContextValidation, startTime, "skipped", "no profile supplied", nil)
		return nil
	}

	profile, fieldErrs := executor.orchestrator.contextValidator.Validate(raw)
	if len(fieldErrs) > 0 {
		executor.finishStage(ctx, models.StageContextValidation, startTime, "failed", fmt.Sprintf("%d field errors", len(fieldErrs)), nil)
		return models.NewErrorResult(models.StageContextValidation, "invalid financial profile", fieldErrs).
			WithCode(models.FailureInvalidProfile)
	}

	executor.profile = profile
	executor.derived = DeriveMetrics(profile)
	executor.finishStage(ctx, models.StageContextValidation, startTime, "completed", "", nil)
	return nil
}

// resolveProfile prefers the inline profile over a stored one.
func (executor *pipelineExecutor) resolveProfile(ctx context.Context) (*models.FinancialProfile, error) {
	if executor.request.Profile != nil {
		return executor.request.Profile, nil
	}
	if executor.request.ProfileID == "" || executor.orchestrator.profiles == nil {
		return nil, nil
	}
	return executor.orchestrator.profiles.Get(ctx, executor.request.ProfileID)
}

func (executor *pipelineExecutor) ground(ctx context.Context) *models.PipelineResult {
	if !executor.classification.WantsGrounding() {
		executor.pipelineCtx.UpdateStageStats(models.StageGrounding, models.StageStats{
			Name:   string(models.StageGrounding),
			Status: "skipped",
		})
		return nil
	}

	startTime := executor.enterStage(ctx, models.StageGrounding)

	outcome := executor.orchestrator.grounder.Ground(ctx, executor.pipelineCtx.Query)
	if outcome.IsUnavailable() {
		executor.finishStage(ctx, models.StageGrounding, startTime, "failed", outcome.Reason, outcome.Err)
		return cancelledResult(models.StageGrounding, outcome.Err)
	}

	grounding := outcome.Value
	executor.grounding = &grounding
	executor.finishStage(ctx, models.StageGrounding, startTime, string(outcome.Status),
		fmt.Sprintf("%d instruments", len(grounding.Instruments)), outcome.Err)
	return nil
}

func (executor *pipelineExecutor) generate(ctx context.Context, onDelta func(string)) *models.PipelineResult {
	startTime := executor.enterStage(ctx, models.StageGeneration)

	result, err := executor.orchestrator.repair.Run(ctx, RepairInput{
		Generation: GenerationInput{
			Query:                 executor.pipelineCtx.Query,
			Profile:               executor.profile,
			Metrics:               executor.derived,
			Grounding:             executor.grounding,
			NeedsStructuredAnswer: executor.classification.WantsStructuredAnswer(),
			Instructions:          executor.request.Instructions,
		},
		OnDelta: onDelta,
		OnAttempt: func(attempt int) {
			executor.pipelineCtx.SetRepairAttempts(attempt)
		},
	})
	executor.repairResult = result

	if err != nil {
		executor.finishStage(ctx, models.StageGeneration, startTime, "failed", "cancelled", err)
		return cancelledResult(models.StageGeneration, err)
	}
	if !result.Success {
		executor.finishStage(ctx, models.StageGeneration, startTime, "failed",
			fmt.Sprintf("repair exhausted after %d attempts", result.Attempts), nil)
		return models.NewErrorResult(models.StageGeneration,
			fmt.Sprintf("could not produce a valid answer after %d attempts", result.Attempts), result.Errors).
			WithCode(models.FailureRepairExhausted)
	}

	executor.finishStage(ctx, models.StageGeneration, startTime, "completed",
		fmt.Sprintf("accepted on attempt %d", result.Attempts), nil)
	return models.NewSuccess(executor.classification, executor.grounding, result.Artifact, result.Attempts)
}

func cancelledResult(stage models.Stage, err error) *models.PipelineResult {
	msg := "request cancelled"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "request deadline exceeded"
	}
	return models.NewErrorResult(stage, msg, nil).WithCode(models.FailureCancelled)
}

func (executor *pipelineExecutor) enterStage(ctx context.Context, stage models.Stage) time.Time {
	executor.pipelineCtx.EnterStage(stage)
	executor.publishStageUpdate(ctx, stage, "processing", "")
	return time.Now()
}

func (executor *pipelineExecutor) finishStage(ctx context.Context, stage models.Stage, startTime time.Time, status, detail string, err error) {
	duration := time.Since(startTime)

	executor.pipelineCtx.UpdateStageStats(stage, models.StageStats{
		Name:      string(stage),
		Duration:  duration,
		Status:    status,
		StartTime: startTime,
		EndTime:   startTime.Add(duration),
		Detail:    detail,
	})
	executor.orchestrator.metrics.ObserveStage(string(stage), duration)
	executor.logger.LogStage(executor.pipelineCtx.ID, string(stage), status, duration, map[string]interface{}{
		"request_id": executor.pipelineCtx.RequestID,
		"detail":     detail,
	}, err)
	executor.publishStageUpdate(ctx, stage, status, detail)
}

func (executor *pipelineExecutor) publishStageUpdate(ctx context.Context, stage models.Stage, status, message string) {
	publisher := executor.orchestrator.publisher
	if publisher == nil {
		return
	}

	update := &models.StageUpdate{
		PipelineID: executor.pipelineCtx.ID,
		RequestID:  executor.pipelineCtx.RequestID,
		Stage:      stage,
		Status:     status,
		Message:    message,
		Timestamp:  time.Now(),
		Data: map[string]any{
			"streaming": executor.pipelineCtx.Streaming,
		},
	}

	if err := publisher.PublishStageUpdate(context.WithoutCancel(ctx), update); err != nil {
		executor.logger.WithError(err).Warn("Failed to publish stage update")
	}
}

// GetPipelineStatus returns a live snapshot for running pipelines and the
// stored final snapshot otherwise.
func (orchestrator *Orchestrator) GetPipelineStatus(ctx context.Context, pipelineID string) (*models.PipelineSnapshot, error) {
	if pipeline, exists := orchestrator.activePipelines.Load(pipelineID); exists {
		snap := pipeline.(*models.PipelineContext).Snapshot()
		return &snap, nil
	}

	if orchestrator.states == nil {
		return nil, models.ErrPipelineNotFound.WithMetadata("pipeline_id", pipelineID)
	}
	return orchestrator.states.GetPipelineState(ctx, pipelineID)
}

func (orchestrator *Orchestrator) GetActivePipelinesCount() int {
	count := 0
	orchestrator.activePipelines.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func (orchestrator *Orchestrator) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"active_pipelines": orchestrator.GetActivePipelinesCount(),
		"uptime_seconds":   int64(time.Since(orchestrator.startTime).Seconds()),
		"max_attempts":     orchestrator.repair.MaxAttempts(),
		"model":            orchestrator.repair.generator.ModelName(),
	}
}
