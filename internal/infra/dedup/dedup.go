// Package dedup records external-ID claims per pipeline so a task from an
// upstream system is ingested once.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ─── Memory ─────────────────────────────────────────────────────────────────

// Memory is a process-resident Deduper.
type Memory struct {
	mu     sync.Mutex
	claims map[string]string // pipelineID + "\x00" + externalID → taskID
}

// NewMemory creates an empty in-memory deduper.
func NewMemory() *Memory {
	return &Memory{claims: make(map[string]string)}
}

func memKey(pipelineID, externalID string) string {
	return pipelineID + "\x00" + externalID
}

// Claim records externalID for taskID. Returns false and the owning task ID
// when the external ID was already claimed in this pipeline.
func (m *Memory) Claim(_ context.Context, pipelineID, externalID, taskID string) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(pipelineID, externalID)
	if existing, ok := m.claims[k]; ok {
		return false, existing, nil
	}
	m.claims[k] = taskID
	return true, taskID, nil
}

// Release drops a claim.
func (m *Memory) Release(_ context.Context, pipelineID, externalID string) error {
	m.mu.Lock()
	delete(m.claims, memKey(pipelineID, externalID))
	m.mu.Unlock()
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// ─── Redis ──────────────────────────────────────────────────────────────────

// RedisConfig configures the Redis deduper.
type RedisConfig struct {
	Addr     string        `toml:"addr"`
	Password string        `toml:"password"`
	DB       int           `toml:"db"`
	Prefix   string        `toml:"prefix"`
	TTL      time.Duration `toml:"ttl"` // 0 = claims never expire
}

// Redis is a Deduper shared by every switchboard process pointing at the same
// Redis. Claims are SETNX keys "<prefix><pipeline>:<externalID>" → taskID.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return NewRedisWithClient(client, cfg.Prefix, cfg.TTL, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *Redis {
	if prefix == "" {
		prefix = "switchboard:dedup:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "dedup")),
	}
}

func (r *Redis) key(pipelineID, externalID string) string {
	return r.prefix + pipelineID + ":" + externalID
}

// Claim implements domain.Deduper with SETNX.
func (r *Redis) Claim(ctx context.Context, pipelineID, externalID, taskID string) (bool, string, error) {
	k := r.key(pipelineID, externalID)
	ok, err := r.client.SetNX(ctx, k, taskID, r.ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("claim %s: %w", k, err)
	}
	if ok {
		return true, taskID, nil
	}

	existing, err := r.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// claim expired or was released between SETNX and GET; try once more
		ok, err = r.client.SetNX(ctx, k, taskID, r.ttl).Result()
		if err != nil {
			return false, "", fmt.Errorf("claim %s: %w", k, err)
		}
		if ok {
			return true, taskID, nil
		}
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("read claim %s: %w", k, err)
	}
	r.logger.Debug("duplicate external id",
		zap.String("pipeline_id", pipelineID),
		zap.String("external_id", externalID),
		zap.String("task_id", existing),
	)
	return false, existing, nil
}

// Release implements domain.Deduper.
func (r *Redis) Release(ctx context.Context, pipelineID, externalID string) error {
	if err := r.client.Del(ctx, r.key(pipelineID, externalID)).Err(); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
