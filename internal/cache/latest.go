package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rediscommon "owl-field-agent/common/redis"
	"owl-field-agent/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrCacheMiss 表示缓存不存在
var ErrCacheMiss = errors.New("cache miss")

// KVStore 抽象的 KV 存储（用于在单元测试中替换 Redis）
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// RedisKVStore 基于 go-redis 的 KV 实现
type RedisKVStore struct {
	client *redis.Client
}

// NewRedisKVStore 创建 Redis KV 存储
func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// LatestCacheConfig 最新值缓存配置
type LatestCacheConfig struct {
	KeyPrefix    string        // 如 "owl-field:latest:"
	TTL          time.Duration // 每个点位最新值的过期时间
	DeviceID     string
	Stream       string // 为空时不写 Stream
	StreamMaxLen int64
}

// LatestCache 每个点位最新读数的 Redis 缓存，可选镜像到 Redis Stream
// 仅供本地看板等旁路读取，持久化仍以本地缓冲为准
type LatestCache struct {
	kv     KVStore
	client *redis.Client
	config LatestCacheConfig
	logger *zap.Logger
}

// NewLatestCache 创建最新值缓存
func NewLatestCache(client *redis.Client, cfg LatestCacheConfig, logger *zap.Logger) *LatestCache {
	return &LatestCache{
		kv:     NewRedisKVStore(client),
		client: client,
		config: cfg,
		logger: logger,
	}
}

// Name 观察者名称
func (c *LatestCache) Name() string {
	return "redis-latest"
}

// Observe 写入本周期各点位的最新值
func (c *LatestCache) Observe(ctx context.Context, readings []models.Reading) error {
	var errs []error
	for _, r := range readings {
		payload, err := json.Marshal(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to marshal reading %s: %w", r.SensorName, err))
			continue
		}
		if err := c.kv.Set(ctx, c.key(r.SensorName), string(payload), c.config.TTL); err != nil {
			errs = append(errs, fmt.Errorf("failed to cache reading %s: %w", r.SensorName, err))
		}
	}

	if c.config.Stream != "" && c.client != nil {
		message := map[string]interface{}{
			"device_id": c.config.DeviceID,
			"readings":  readings,
		}
		if _, err := rediscommon.PublishJSONToStream(ctx, c.client, c.config.Stream, message, c.config.StreamMaxLen); err != nil {
			errs = append(errs, fmt.Errorf("failed to publish to stream %s: %w", c.config.Stream, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	c.logger.Debug("Cached latest readings", zap.Int("count", len(readings)))
	return nil
}

// Latest 获取某个点位的最新读数
func (c *LatestCache) Latest(ctx context.Context, sensorName string) (*models.Reading, error) {
	val, err := c.kv.Get(ctx, c.key(sensorName))
	if err != nil {
		return nil, err
	}

	var reading models.Reading
	if err := json.Unmarshal([]byte(val), &reading); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached reading %s: %w", sensorName, err)
	}
	return &reading, nil
}

// Close 关闭 Redis 连接
func (c *LatestCache) Close() error {
	if c.client == nil {
		return nil
	}
	return rediscommon.Close(c.client)
}

func (c *LatestCache) key(sensorName string) string {
	return c.config.KeyPrefix + c.config.DeviceID + ":" + sensorName
}
