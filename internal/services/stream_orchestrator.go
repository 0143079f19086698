package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"finadvisor-pipeline/internal/config"
	"finadvisor-pipeline/internal/models"
	"finadvisor-pipeline/internal/pkg/logger"
	"finadvisor-pipeline/internal/pkg/metrics"

	"github.com/google/uuid"
)

const defaultFinishReason = "stop"

// StreamOrchestrator runs the same stages as Orchestrator and reports them as
// an event stream. The first generation attempt's narrative is streamed as it
// arrives; the completed answer still goes through the validator.
type StreamOrchestrator struct {
	orchestrator      *Orchestrator
	conversations     ConversationStore
	keepaliveInterval time.Duration
	logger            *logger.Logger
	metrics           *metrics.Metrics
}

func NewStreamOrchestrator(orchestrator *Orchestrator, conversations ConversationStore, cfg config.StreamConfig, log *logger.Logger, m *metrics.Metrics) *StreamOrchestrator {
	interval := cfg.KeepaliveInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &StreamOrchestrator{
		orchestrator:      orchestrator,
		conversations:     conversations,
		keepaliveInterval: interval,
		logger:            log,
		metrics:           m,
	}
}

// streamRun is the per-request state of one streamed message.
type streamRun struct {
	emitter  *StreamEmitter
	streamed strings.Builder
	logger   *logger.Logger
}

// Stream writes the whole event sequence for one message to sink and
// returns the pipeline's terminal result. stream.end is always the last
// event written, whatever path the run takes.
func (s *StreamOrchestrator) Stream(ctx context.Context, req *models.AdviceRequest, sink EventSink) *models.PipelineResult {
	run := &streamRun{
		emitter: NewStreamEmitter(uuid.New().String(), sink, s.metrics),
		logger:  s.logger,
	}

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	keepaliveCtx, stopKeepalive := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepalive(keepaliveCtx, run.emitter)
	}()
	defer func() {
		stopKeepalive()
		wg.Wait()
		run.emit(models.EventStreamEnd, map[string]any{})
	}()

	run.emit(models.EventMessageStarted, map[string]any{
		"role":  models.RoleAssistant,
		"model": s.orchestrator.repair.generator.ModelName(),
	})

	conv, isNew := s.resolveConversation(ctx, req)
	run.emit(models.EventConversationInfo, map[string]any{
		"conversationId": conv.ID,
		"isNew":          isNew,
		"title":          conv.Title,
	})

	executor := s.orchestrator.begin(req, true)
	defer s.orchestrator.activePipelines.Delete(executor.pipelineCtx.ID)

	result := executor.run(ctx, run.onDelta)
	s.orchestrator.finish(ctx, executor, result)
	run.closeBlock()

	repair := executor.repairResult
	switch {
	case result.IsRejection():
		run.emitTextBlock(result.Message)
		run.emit(models.EventMessageCompleted, map[string]any{
			"tokenCount":   0,
			"status":       models.CompletionStatusRejected,
			"finishReason": defaultFinishReason,
		})
	case result.IsSuccess():
		// a repaired answer replaces what attempt 1 streamed
		if narrative := result.Artifact.Narrative; narrative != run.streamed.String() {
			run.emitTextBlock(narrative)
		}
		finishReason := repair.FinishReason
		if finishReason == "" {
			finishReason = defaultFinishReason
		}
		run.emit(models.EventMessageCompleted, map[string]any{
			"tokenCount":     repair.TokenCount,
			"status":         models.CompletionStatusCompleted,
			"finishReason":   finishReason,
			"artifact":       result.Artifact,
			"repairAttempts": result.RepairAttempts,
		})
	default:
		payload := map[string]any{
			"error": result.Error,
			"code":  result.Code,
			"stage": result.Stage,
		}
		if result.Details != nil {
			payload["details"] = result.Details
		}
		run.emit(models.EventMessageFailed, payload)
	}

	s.appendToConversation(ctx, conv, req.TrimmedQuery(), result)
	return result
}

func (s *StreamOrchestrator) keepalive(ctx context.Context, emitter *StreamEmitter) {
	ticker := time.NewTicker(s.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := emitter.Emit(models.EventKeepalive, map[string]any{}); err != nil {
				return
			}
		}
	}
}

// resolveConversation loads the referenced conversation or starts a new one.
// An unknown id also starts a new conversation.
func (s *StreamOrchestrator) resolveConversation(ctx context.Context, req *models.AdviceRequest) (*models.Conversation, bool) {
	if req.ConversationID != "" {
		conv, err := s.conversations.Get(ctx, req.ConversationID)
		if err == nil {
			return conv, false
		}
		if !models.IsNotFound(err) {
			s.logger.WithError(err).Warn("Failed to load conversation, starting a new one")
		}
	}
	return models.NewConversation(req.TrimmedQuery()), true
}

func (s *StreamOrchestrator) appendToConversation(ctx context.Context, conv *models.Conversation, query string, result *models.PipelineResult) {
	reply := models.NewTextMessage(models.RoleAssistant, "")
	switch {
	case result.IsSuccess():
		reply.Content[0].Text = result.Artifact.Narrative
		reply.Status = models.CompletionStatusCompleted
		reply.Artifact = result.Artifact
	case result.IsRejection():
		reply.Content[0].Text = result.Message
		reply.Status = models.CompletionStatusRejected
	default:
		reply.Content[0].Text = result.Error
		reply.Status = "failed"
	}

	conv.Append(models.NewTextMessage(models.RoleUser, query), reply)

	if err := s.conversations.Put(context.WithoutCancel(ctx), conv); err != nil {
		s.logger.WithError(err).Error("Failed to save conversation", "conversation_id", conv.ID)
	}
}

func (r *streamRun) emit(eventType models.EventType, payload map[string]any) {
	if err := r.emitter.Emit(eventType, payload); err != nil {
		r.logger.Debug("Stream write failed", "event", eventType, "error", err.Error())
	}
}

func (r *streamRun) onDelta(delta string) {
	if r.emitter.CurrentBlock() == "" {
		r.openBlock()
	}
	r.streamed.WriteString(delta)
	r.emit(models.EventTextDelta, map[string]any{
		"blockId": r.emitter.CurrentBlock(),
		"text":    delta,
	})
}

func (r *streamRun) openBlock() string {
	id := uuid.New().String()
	r.emitter.OpenBlock(id)
	r.emit(models.EventTextBlockStarted, map[string]any{"blockId": id})
	return id
}

func (r *streamRun) closeBlock() {
	if id := r.emitter.CloseBlock(); id != "" {
		r.emit(models.EventTextBlockCompleted, map[string]any{"blockId": id})
	}
}

// emitTextBlock sends text as one complete block.
func (r *streamRun) emitTextBlock(text string) {
	if text == "" {
		return
	}
	id := r.openBlock()
	r.emit(models.EventTextDelta, map[string]any{"blockId": id, "text": text})
	r.closeBlock()
}
