package models

import (
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AdviceRequest is the inbound body for both the synchronous and the
// streaming advice endpoints. Exactly one of Profile and ProfileID is used;
// an inline Profile wins.
type AdviceRequest struct {
	Query          string            `json:"query" binding:"required"`
	Profile        *FinancialProfile `json:"profile,omitempty"`
	ProfileID      string            `json:"profile_id,omitempty"`
	Instructions   string            `json:"instructions,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`

	// RequestID is assigned by the HTTP layer.
	RequestID string `json:"-"`
}

func (r AdviceRequest) TrimmedQuery() string {
	return strings.TrimSpace(r.Query)
}

type PipelineStatus string

const (
	PipelineStatusPending    PipelineStatus = "pending"
	PipelineStatusProcessing PipelineStatus = "processing"
	PipelineStatusCompleted  PipelineStatus = "completed"
	PipelineStatusRejected   PipelineStatus = "rejected"
	PipelineStatusFailed     PipelineStatus = "failed"
	PipelineStatusCancelled  PipelineStatus = "cancelled"
)

type StageStats struct {
	Name      string        `json:"name"`
	Duration  time.Duration `json:"duration"`
	Status    string        `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Detail    string        `json:"detail,omitempty"`
}

// PipelineContext tracks one pipeline run. It is written by the pipeline
// goroutine and read by status lookups, so all access goes through methods.
type PipelineContext struct {
	mu sync.RWMutex

	ID           string
	RequestID    string
	Query        string
	Streaming    bool
	status       PipelineStatus
	currentStage Stage
	startTime    time.Time
	endTime      *time.Time
	stageStats   map[string]StageStats
	attempts     int
}

// PipelineSnapshot is a point-in-time copy of a PipelineContext.
type PipelineSnapshot struct {
	ID             string                `json:"id"`
	RequestID      string                `json:"request_id"`
	Query          string                `json:"query"`
	Streaming      bool                  `json:"streaming"`
	Status         PipelineStatus        `json:"status"`
	CurrentStage   Stage                 `json:"current_stage,omitempty"`
	StartTime      time.Time             `json:"start_time"`
	EndTime        *time.Time            `json:"end_time,omitempty"`
	TotalDuration  time.Duration         `json:"total_duration"`
	StageStats     map[string]StageStats `json:"stage_stats"`
	RepairAttempts int                   `json:"repair_attempts,omitempty"`
}

// StageUpdate is published to the progress stream as stages start and finish.
type StageUpdate struct {
	PipelineID string         `json:"pipeline_id"`
	RequestID  string         `json:"request_id"`
	Stage      Stage          `json:"stage"`
	Status     string         `json:"status"`
	Message    string         `json:"message"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

func NewPipelineContext(query, requestID string, streaming bool) *PipelineContext {
	if requestID == "" {
		requestID = GenerateRequestID()
	}
	return &PipelineContext{
		ID:           GeneratePipelineID(),
		RequestID:    requestID,
		Query:        query,
		Streaming:    streaming,
		status:       PipelineStatusPending,
		currentStage: StageRequest,
		startTime:    time.Now(),
		stageStats:   make(map[string]StageStats),
	}
}

func (pc *PipelineContext) MarkProcessing() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.status = PipelineStatusProcessing
}

func (pc *PipelineContext) EnterStage(stage Stage) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.currentStage = stage
}

func (pc *PipelineContext) CurrentStage() Stage {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.currentStage
}

func (pc *PipelineContext) Status() PipelineStatus {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.status
}

func (pc *PipelineContext) SetRepairAttempts(n int) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.attempts = n
}

func (pc *PipelineContext) UpdateStageStats(stage Stage, stats StageStats) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.stageStats[string(stage)] = stats
}

// Finish records the terminal status. Only the first call has effect.
func (pc *PipelineContext) Finish(status PipelineStatus) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.endTime != nil {
		return
	}
	pc.status = status
	now := time.Now()
	pc.endTime = &now
}

func (pc *PipelineContext) GetDuration() time.Duration {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	if pc.endTime != nil {
		return pc.endTime.Sub(pc.startTime)
	}
	return time.Since(pc.startTime)
}

func (pc *PipelineContext) IsFinished() bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.endTime != nil
}

func (pc *PipelineContext) Snapshot() PipelineSnapshot {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	snap := PipelineSnapshot{
		ID:             pc.ID,
		RequestID:      pc.RequestID,
		Query:          pc.Query,
		Streaming:      pc.Streaming,
		Status:         pc.status,
		CurrentStage:   pc.currentStage,
		StartTime:      pc.startTime,
		StageStats:     maps.Clone(pc.stageStats),
		RepairAttempts: pc.attempts,
	}
	if pc.endTime != nil {
		end := *pc.endTime
		snap.EndTime = &end
		snap.TotalDuration = end.Sub(pc.startTime)
	} else {
		snap.TotalDuration = time.Since(pc.startTime)
	}
	return snap
}

func GenerateRequestID() string {
	return uuid.New().String()
}

func GeneratePipelineID() string {
	return uuid.New().String()
}
