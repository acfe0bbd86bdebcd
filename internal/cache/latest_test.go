package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"owl-field-agent/common/config"
	rediscommon "owl-field-agent/common/redis"
	"owl-field-agent/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupCache(t *testing.T, cfg LatestCacheConfig) (*LatestCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client := rediscommon.NewRedisClient(&config.RedisConfig{Addr: mr.Addr()})
	c := NewLatestCache(client, cfg, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func cacheReadings() []models.Reading {
	var pa models.PriorityArray
	pa[7] = models.NumericSlot(24)
	ts := time.Date(2026, 8, 2, 14, 0, 0, 0, time.UTC)
	return []models.Reading{
		{ID: 1, Timestamp: ts, SensorName: "pool_temperature", Value: 26.4, Unit: "°C"},
		{ID: 2, Timestamp: ts, SensorName: "heating_setpoint", Value: 24, Unit: "°C", PriorityArray: &pa, ActivePriority: models.IntPtr(8)},
	}
}

func TestLatestCache_ObserveAndLatest(t *testing.T) {
	c, mr := setupCache(t, LatestCacheConfig{KeyPrefix: "owl-field:latest:", TTL: time.Minute, DeviceID: "dev-1"})
	ctx := context.Background()

	require.NoError(t, c.Observe(ctx, cacheReadings()))

	assert.True(t, mr.Exists("owl-field:latest:dev-1:pool_temperature"))
	assert.Equal(t, time.Minute, mr.TTL("owl-field:latest:dev-1:pool_temperature"))

	latest, err := c.Latest(ctx, "heating_setpoint")
	require.NoError(t, err)
	assert.Equal(t, 24.0, latest.Value)
	require.NotNil(t, latest.ActivePriority)
	assert.Equal(t, 8, *latest.ActivePriority)
	assert.Equal(t, models.NumericSlot(24), latest.PriorityArray[7])
	assert.Equal(t, int64(0), latest.ID)
}

func TestLatestCache_OverwritesWithNewerValue(t *testing.T) {
	c, _ := setupCache(t, LatestCacheConfig{KeyPrefix: "k:", TTL: time.Minute, DeviceID: "dev"})
	ctx := context.Background()

	readings := cacheReadings()
	require.NoError(t, c.Observe(ctx, readings[:1]))
	readings[0].Value = 27.1
	require.NoError(t, c.Observe(ctx, readings[:1]))

	latest, err := c.Latest(ctx, "pool_temperature")
	require.NoError(t, err)
	assert.Equal(t, 27.1, latest.Value)
}

func TestLatestCache_Expired(t *testing.T) {
	c, mr := setupCache(t, LatestCacheConfig{KeyPrefix: "k:", TTL: time.Second, DeviceID: "dev"})
	ctx := context.Background()

	require.NoError(t, c.Observe(ctx, cacheReadings()))
	mr.FastForward(2 * time.Second)

	_, err := c.Latest(ctx, "pool_temperature")
	assert.True(t, errors.Is(err, ErrCacheMiss))
}

func TestLatestCache_StreamMirror(t *testing.T) {
	c, mr := setupCache(t, LatestCacheConfig{
		KeyPrefix:    "k:",
		TTL:          time.Minute,
		DeviceID:     "dev-1",
		Stream:       "owl-field:readings",
		StreamMaxLen: 100,
	})
	ctx := context.Background()

	require.NoError(t, c.Observe(ctx, cacheReadings()))
	require.NoError(t, c.Observe(ctx, cacheReadings()))

	entries, err := mr.Stream("owl-field:readings")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Values 为 field/value 交替排列
	var data string
	for i := 0; i+1 < len(entries[0].Values); i += 2 {
		if entries[0].Values[i] == "data" {
			data = entries[0].Values[i+1]
		}
	}
	require.NotEmpty(t, data)

	var message struct {
		DeviceID string           `json:"device_id"`
		Readings []models.Reading `json:"readings"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &message))
	assert.Equal(t, "dev-1", message.DeviceID)
	assert.Len(t, message.Readings, 2)
}

func TestLatestCache_RedisDown(t *testing.T) {
	c, mr := setupCache(t, LatestCacheConfig{KeyPrefix: "k:", TTL: time.Minute, DeviceID: "dev"})
	mr.Close()

	err := c.Observe(context.Background(), cacheReadings())
	assert.Error(t, err)
}

// fakeKV 内存 KV，用于不依赖 Redis 的测试
type fakeKV struct {
	data map[string]string
}

func (f *fakeKV) Get(ctx context.Context, key string) (string, error) {
	v, ok := f.data[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

func (f *fakeKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	f.data[key] = value
	return nil
}

func TestLatestCache_WithFakeKV(t *testing.T) {
	kv := &fakeKV{data: map[string]string{}}
	c := &LatestCache{kv: kv, config: LatestCacheConfig{KeyPrefix: "p:", DeviceID: "d"}, logger: zap.NewNop()}

	require.NoError(t, c.Observe(context.Background(), cacheReadings()))
	assert.Contains(t, kv.data, "p:d:pool_temperature")

	_, err := c.Latest(context.Background(), "flow_rate")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.NoError(t, c.Close())
	assert.Equal(t, "redis-latest", c.Name())
}
