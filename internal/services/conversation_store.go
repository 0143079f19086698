package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"finadvisor-pipeline/internal/models"
)

type ConversationStore interface {
	Get(ctx context.Context, id string) (*models.Conversation, error)
	Put(ctx context.Context, conv *models.Conversation) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]models.ConversationSummary, error)
}

type ProfileStore interface {
	Get(ctx context.Context, id string) (*models.FinancialProfile, error)
	Put(ctx context.Context, id string, profile *models.FinancialProfile) error
	Delete(ctx context.Context, id string) error
}

// MemoryConversationStore keeps conversations for the process lifetime.
// Values are stored as JSON so callers never share mutable state with it.
type MemoryConversationStore struct {
	mu            sync.RWMutex
	conversations map[string][]byte
	summaries     map[string]models.ConversationSummary
}

func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		conversations: make(map[string][]byte),
		summaries:     make(map[string]models.ConversationSummary),
	}
}

func (s *MemoryConversationStore) Get(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	data, ok := s.conversations[id]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrConversationNotFound.WithMetadata("conversation_id", id)
	}

	var conv models.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, models.NewInternalError("DESERIALIZATION_FAILED", "failed to decode conversation").WithCause(err)
	}
	return &conv, nil
}

func (s *MemoryConversationStore) Put(_ context.Context, conv *models.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return models.NewInternalError("SERIALIZATION_FAILED", "failed to encode conversation").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = data
	s.summaries[conv.ID] = conv.Summary()
	return nil
}

func (s *MemoryConversationStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return models.ErrConversationNotFound.WithMetadata("conversation_id", id)
	}
	delete(s.conversations, id)
	delete(s.summaries, id)
	return nil
}

// List returns summaries, most recently updated first.
func (s *MemoryConversationStore) List(_ context.Context) ([]models.ConversationSummary, error) {
	s.mu.RLock()
	out := make([]models.ConversationSummary, 0, len(s.summaries))
	for _, summary := range s.summaries {
		out = append(out, summary)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[string][]byte
}

func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{profiles: make(map[string][]byte)}
}

func (s *MemoryProfileStore) Get(_ context.Context, id string) (*models.FinancialProfile, error) {
	s.mu.RLock()
	data, ok := s.profiles[id]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrProfileNotFound.WithMetadata("profile_id", id)
	}

	var profile models.FinancialProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, models.NewInternalError("DESERIALIZATION_FAILED", "failed to decode profile").WithCause(err)
	}
	return &profile, nil
}

func (s *MemoryProfileStore) Put(_ context.Context, id string, profile *models.FinancialProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return models.NewInternalError("SERIALIZATION_FAILED", "failed to encode profile").WithCause(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[id] = data
	return nil
}

func (s *MemoryProfileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return models.ErrProfileNotFound.WithMetadata("profile_id", id)
	}
	delete(s.profiles, id)
	return nil
}

// PipelineStateStore keeps snapshots of finished pipelines for status lookups.
type PipelineStateStore interface {
	StorePipelineState(ctx context.Context, snap models.PipelineSnapshot) error
	GetPipelineState(ctx context.Context, id string) (*models.PipelineSnapshot, error)
}

type MemoryPipelineStateStore struct {
	states *ttlMap[models.PipelineSnapshot]
}

func NewMemoryPipelineStateStore(ttl time.Duration) *MemoryPipelineStateStore {
	return &MemoryPipelineStateStore{states: newTTLMap[models.PipelineSnapshot](ttl)}
}

func (s *MemoryPipelineStateStore) StorePipelineState(_ context.Context, snap models.PipelineSnapshot) error {
	s.states.sweep()
	s.states.set(snap.ID, snap)
	return nil
}

func (s *MemoryPipelineStateStore) GetPipelineState(_ context.Context, id string) (*models.PipelineSnapshot, error) {
	snap, ok := s.states.get(id)
	if !ok {
		return nil, models.ErrPipelineNotFound.WithMetadata("pipeline_id", id)
	}
	return &snap, nil
}
