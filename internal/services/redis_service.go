package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"finadvisor-pipeline/internal/config"
	"finadvisor-pipeline/internal/models"
	"finadvisor-pipeline/internal/pkg/logger"

	"github.com/redis/go-redis/v9"
)

const (
	stageUpdatesStream  = "pipeline:stage_updates"
	conversationIndex   = "conversations:index"
	conversationTTL     = 7 * 24 * time.Hour
	pipelineStateTTL    = 6 * time.Hour
	stageUpdatesMaxLen  = 1024
	groundingKeyPrefix  = "grounding:"
	profileKeyPrefix    = "profile:"
	conversationKeyFmt  = "conversation:%s"
	pipelineStateKeyFmt = "pipeline:%s:state"
)

type RedisService struct {
	client *redis.Client
	logger *logger.Logger
	config config.RedisConfig
}

func NewRedisService(cfg config.RedisConfig, log *logger.Logger) (*RedisService, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	configureRedisOptions(opt, cfg)

	service := NewRedisServiceFromClient(redis.NewClient(opt), cfg, log)

	if err := service.testConnection(); err != nil {
		return nil, fmt.Errorf("connection to Redis failed: %w", err)
	}

	log.Info("Redis service initialized",
		"addr", opt.Addr,
		"pool_size", cfg.PoolSize,
		"progress_stream", cfg.ProgressStream)

	return service, nil
}

// NewRedisServiceFromClient wraps an existing client without pinging it.
func NewRedisServiceFromClient(client *redis.Client, cfg config.RedisConfig, log *logger.Logger) *RedisService {
	return &RedisService{client: client, logger: log, config: cfg}
}

func configureRedisOptions(opt *redis.Options, cfg config.RedisConfig) {
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout
	opt.DialTimeout = cfg.DialTimeout
}

func (service *RedisService) testConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return service.client.Ping(ctx).Err()
}

func (service *RedisService) HealthCheck(ctx context.Context) error {
	if err := service.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection unhealthy: %w", err)
	}
	return nil
}

func (service *RedisService) Close() error {
	service.logger.Info("Closing Redis service")
	return service.client.Close()
}

// PublishStageUpdate appends a stage transition to the progress stream.
func (service *RedisService) PublishStageUpdate(ctx context.Context, update *models.StageUpdate) error {
	values := map[string]interface{}{
		"type":        "stage_update",
		"pipeline_id": update.PipelineID,
		"request_id":  update.RequestID,
		"stage":       string(update.Stage),
		"status":      update.Status,
		"message":     update.Message,
		"timestamp":   update.Timestamp.Format(time.RFC3339Nano),
	}

	if update.Data != nil {
		dataJSON, err := json.Marshal(update.Data)
		if err == nil {
			values["data"] = string(dataJSON)
		} else {
			service.logger.WithError(err).Warn("Failed to marshal stage update data")
		}
	}

	id, err := service.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stageUpdatesStream,
		Values: values,
		MaxLen: stageUpdatesMaxLen,
		Approx: true,
	}).Result()
	if err != nil {
		service.logger.LogService("redis", "publish_stage_update", 0, map[string]interface{}{
			"pipeline_id": update.PipelineID,
			"stage":       update.Stage,
		}, err)
		return models.NewExternalError("REDIS_PUBLISH_FAILED", "failed to publish stage update").WithCause(err)
	}

	service.logger.WithFields(logger.Fields{
		"stream":      stageUpdatesStream,
		"message_id":  id,
		"pipeline_id": update.PipelineID,
		"stage":       update.Stage,
		"status":      update.Status,
	}).Debug("Published stage update")

	return nil
}

func (service *RedisService) StorePipelineState(ctx context.Context, snap models.PipelineSnapshot) error {
	return service.setJSON(ctx, "store_pipeline_state", fmt.Sprintf(pipelineStateKeyFmt, snap.ID), snap, pipelineStateTTL)
}

func (service *RedisService) GetPipelineState(ctx context.Context, id string) (*models.PipelineSnapshot, error) {
	var snap models.PipelineSnapshot
	err := service.getJSON(ctx, "get_pipeline_state", fmt.Sprintf(pipelineStateKeyFmt, id), &snap)
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrPipelineNotFound.WithMetadata("pipeline_id", id)
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (service *RedisService) setJSON(ctx context.Context, op, key string, value any, ttl time.Duration) error {
	startTime := time.Now()

	data, err := json.Marshal(value)
	if err != nil {
		return models.NewInternalError("SERIALIZATION_FAILED", "failed to serialize value").WithCause(err)
	}

	if err := service.client.Set(ctx, key, data, ttl).Err(); err != nil {
		service.logger.LogService("redis", op, time.Since(startTime), map[string]interface{}{"key": key}, err)
		return models.NewExternalError("REDIS_STORE_FAILED", "failed to store value").WithCause(err)
	}

	service.logger.LogService("redis", op, time.Since(startTime), map[string]interface{}{"key": key}, nil)
	return nil
}

// getJSON returns redis.Nil unwrapped on a miss so callers can map it.
func (service *RedisService) getJSON(ctx context.Context, op, key string, target any) error {
	startTime := time.Now()

	data, err := service.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return redis.Nil
	}
	if err != nil {
		service.logger.LogService("redis", op, time.Since(startTime), map[string]interface{}{"key": key}, err)
		return models.NewExternalError("REDIS_GET_FAILED", "failed to read value").WithCause(err)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return models.NewInternalError("DESERIALIZATION_FAILED", "failed to deserialize value").WithCause(err)
	}

	service.logger.LogService("redis", op, time.Since(startTime), map[string]interface{}{"key": key}, nil)
	return nil
}

// RedisGroundingCache stores grounding results with SET EX, so expiry is
// enforced by Redis itself.
type RedisGroundingCache struct {
	redis *RedisService
	ttl   time.Duration
}

func NewRedisGroundingCache(service *RedisService, ttl time.Duration) *RedisGroundingCache {
	return &RedisGroundingCache{redis: service, ttl: ttl}
}

func (c *RedisGroundingCache) Get(ctx context.Context, key string) (*models.GroundingResult, bool, error) {
	var result models.GroundingResult
	err := c.redis.getJSON(ctx, "get_grounding", groundingKeyPrefix+key, &result)
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &result, true, nil
}

func (c *RedisGroundingCache) Set(ctx context.Context, key string, result *models.GroundingResult) error {
	return c.redis.setJSON(ctx, "set_grounding", groundingKeyPrefix+key, result, c.ttl)
}

type RedisConversationStore struct {
	redis *RedisService
}

func NewRedisConversationStore(service *RedisService) *RedisConversationStore {
	return &RedisConversationStore{redis: service}
}

func (s *RedisConversationStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.redis.getJSON(ctx, "get_conversation", fmt.Sprintf(conversationKeyFmt, id), &conv)
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrConversationNotFound.WithMetadata("conversation_id", id)
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *RedisConversationStore) Put(ctx context.Context, conv *models.Conversation) error {
	startTime := time.Now()

	data, err := json.Marshal(conv)
	if err != nil {
		return models.NewInternalError("SERIALIZATION_FAILED", "failed to serialize conversation").WithCause(err)
	}
	summary, err := json.Marshal(conv.Summary())
	if err != nil {
		return models.NewInternalError("SERIALIZATION_FAILED", "failed to serialize conversation summary").WithCause(err)
	}

	pipe := s.redis.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(conversationKeyFmt, conv.ID), data, conversationTTL)
	pipe.HSet(ctx, conversationIndex+":summaries", conv.ID, summary)
	pipe.ZAdd(ctx, conversationIndex, redis.Z{Score: float64(conv.UpdatedAt.UnixNano()), Member: conv.ID})

	_, err = pipe.Exec(ctx)
	s.redis.logger.LogService("redis", "put_conversation", time.Since(startTime), map[string]interface{}{
		"conversation_id": conv.ID,
		"messages":        len(conv.Messages),
	}, err)
	if err != nil {
		return models.NewExternalError("REDIS_STORE_FAILED", "failed to store conversation").WithCause(err)
	}
	return nil
}

func (s *RedisConversationStore) Delete(ctx context.Context, id string) error {
	pipe := s.redis.client.TxPipeline()
	del := pipe.Del(ctx, fmt.Sprintf(conversationKeyFmt, id))
	pipe.HDel(ctx, conversationIndex+":summaries", id)
	pipe.ZRem(ctx, conversationIndex, id)

	if _, err := pipe.Exec(ctx); err != nil {
		return models.NewExternalError("REDIS_DELETE_FAILED", "failed to delete conversation").WithCause(err)
	}
	if del.Val() == 0 {
		return models.ErrConversationNotFound.WithMetadata("conversation_id", id)
	}
	return nil
}

// List returns summaries, most recently updated first. Index entries whose
// conversation has expired are pruned.
func (s *RedisConversationStore) List(ctx context.Context) ([]models.ConversationSummary, error) {
	ids, err := s.redis.client.ZRevRange(ctx, conversationIndex, 0, -1).Result()
	if err != nil {
		return nil, models.NewExternalError("REDIS_GET_FAILED", "failed to list conversations").WithCause(err)
	}
	if len(ids) == 0 {
		return []models.ConversationSummary{}, nil
	}

	raw, err := s.redis.client.HMGet(ctx, conversationIndex+":summaries", ids...).Result()
	if err != nil {
		return nil, models.NewExternalError("REDIS_GET_FAILED", "failed to list conversations").WithCause(err)
	}

	out := make([]models.ConversationSummary, 0, len(ids))
	var stale []string
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		exists, err := s.redis.client.Exists(ctx, fmt.Sprintf(conversationKeyFmt, ids[i])).Result()
		if err != nil || exists == 0 {
			stale = append(stale, ids[i])
			continue
		}
		var summary models.ConversationSummary
		if err := json.Unmarshal([]byte(str), &summary); err != nil {
			s.redis.logger.WithError(err).Warn("Skipping undecodable conversation summary")
			continue
		}
		out = append(out, summary)
	}

	if len(stale) > 0 {
		members := make([]interface{}, len(stale))
		for i, id := range stale {
			members[i] = id
		}
		s.redis.client.ZRem(ctx, conversationIndex, members...)
		s.redis.client.HDel(ctx, conversationIndex+":summaries", stale...)
	}

	return out, nil
}

type RedisProfileStore struct {
	redis *RedisService
}

func NewRedisProfileStore(service *RedisService) *RedisProfileStore {
	return &RedisProfileStore{redis: service}
}

func (s *RedisProfileStore) Get(ctx context.Context, id string) (*models.FinancialProfile, error) {
	var profile models.FinancialProfile
	err := s.redis.getJSON(ctx, "get_profile", profileKeyPrefix+id, &profile)
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrProfileNotFound.WithMetadata("profile_id", id)
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s *RedisProfileStore) Put(ctx context.Context, id string, profile *models.FinancialProfile) error {
	return s.redis.setJSON(ctx, "put_profile", profileKeyPrefix+id, profile, 0)
}

func (s *RedisProfileStore) Delete(ctx context.Context, id string) error {
	n, err := s.redis.client.Del(ctx, profileKeyPrefix+id).Result()
	if err != nil {
		return models.NewExternalError("REDIS_DELETE_FAILED", "failed to delete profile").WithCause(err)
	}
	if n == 0 {
		return models.ErrProfileNotFound.WithMetadata("profile_id", id)
	}
	return nil
}
