package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"owl-field-agent/common/database"
	mqttcommon "owl-field-agent/common/mqtt"
	rediscommon "owl-field-agent/common/redis"
	"owl-field-agent/internal/cache"
	"owl-field-agent/internal/client"
	"owl-field-agent/internal/config"
	"owl-field-agent/internal/cycle"
	"owl-field-agent/internal/fieldbus"
	"owl-field-agent/internal/metrics"
	"owl-field-agent/internal/publisher"
	"owl-field-agent/internal/repository"
	"owl-field-agent/internal/status"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// NewAgentService 按配置创建采集代理服务
func NewAgentService(cfg *config.Config, logger *zap.Logger) (*AgentService, error) {
	store, err := OpenStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	deps := Dependencies{
		Reader:    NewReader(cfg, logger),
		Store:     store,
		Client:    NewAPIClient(cfg, logger),
		Observers: newObservers(cfg, logger),
		Metrics:   metrics.NewMetrics(reg),
	}

	s := newAgentService(cfg, deps, logger)
	if cfg.Status.Addr != "" {
		s.status = status.NewServer(cfg.Status.Addr, cfg.Device.ID, store, func() string {
			return s.State().String()
		}, deps.Reader.Connected, reg, logger)
	}
	return s, nil
}

// OpenStore 打开本地缓冲并建表
func OpenStore(cfg *config.Config, logger *zap.Logger) (*repository.ReadingRepository, error) {
	var (
		db      *sql.DB
		dialect repository.Dialect
		err     error
	)

	switch cfg.Store.Driver {
	case "postgres":
		db, err = database.NewPostgresDB(&cfg.Store.Postgres)
		dialect = repository.DialectPostgres
	default:
		db, err = database.NewSQLiteDB(&cfg.Store.SQLite)
		dialect = repository.DialectSQLite
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open reading store: %w", err)
	}

	repo := repository.NewReadingRepository(db, dialect, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := repo.Migrate(ctx); err != nil {
		_ = repo.Close()
		return nil, err
	}

	logger.Info("Reading store ready", zap.String("driver", string(dialect)))
	return repo, nil
}

// NewReader 模拟模式使用模拟器，否则通过网关读取现场设备
func NewReader(cfg *config.Config, logger *zap.Logger) fieldbus.Reader {
	if cfg.SimulateMode {
		logger.Warn("Running in simulation mode, readings are synthetic", zap.Int64("seed", cfg.SimulateSeed))
		return cycle.NewSimulator(cfg.SimulateSeed, cfg.Points)
	}

	return fieldbus.NewGatewayReader(fieldbus.GatewayConfig{
		BaseURL:  cfg.Fieldbus.GatewayURL,
		Address:  cfg.DeviceAddress(),
		DeviceID: cfg.Fieldbus.DeviceID,
		Timeout:  cfg.Fieldbus.ReadTimeout,
		Token:    cfg.API.Token,
	}, logger)
}

// NewAPIClient 创建采集 API 客户端
func NewAPIClient(cfg *config.Config, logger *zap.Logger) *client.CollectorClient {
	return client.NewCollectorClient(client.Config{
		APIURL:       cfg.API.URL,
		HealthURL:    cfg.API.HealthURL,
		HeartbeatURL: cfg.API.HeartbeatURL,
		ConfigURL:    cfg.API.ConfigURL,
		Token:        cfg.API.Token,
		Timeout:      cfg.API.Timeout,
	}, logger)
}

// NewLatestCache 连接 Redis 并创建最新值缓存
func NewLatestCache(cfg *config.Config, logger *zap.Logger) (*cache.LatestCache, error) {
	redisClient := rediscommon.NewRedisClient(&cfg.Redis.RedisConfig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rediscommon.Ping(ctx, redisClient); err != nil {
		_ = rediscommon.Close(redisClient)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return cache.NewLatestCache(redisClient, cache.LatestCacheConfig{
		KeyPrefix:    cfg.Redis.KeyPrefix,
		TTL:          cfg.Redis.LatestTTL,
		DeviceID:     cfg.Device.ID,
		Stream:       cfg.Redis.Stream,
		StreamMaxLen: cfg.Redis.StreamMaxLen,
	}, logger), nil
}

// newObservers 可选的旁路消费者，连接失败只告警不阻止启动
func newObservers(cfg *config.Config, logger *zap.Logger) []cycle.Observer {
	var observers []cycle.Observer

	if cfg.Redis.Enabled {
		latest, err := NewLatestCache(cfg, logger)
		if err != nil {
			logger.Warn("Redis unavailable, latest-value cache disabled",
				zap.String("addr", cfg.Redis.Addr),
				zap.Error(err),
			)
		} else {
			observers = append(observers, latest)
		}
	}

	if cfg.MQTT.Enabled {
		mqttClient, err := mqttcommon.NewClient(&cfg.MQTT.MQTTConfig, logger)
		if err != nil {
			logger.Warn("MQTT unavailable, live publishing disabled",
				zap.String("broker", cfg.MQTT.Broker),
				zap.Error(err),
			)
		} else {
			observers = append(observers, publisher.NewLivePublisher(mqttClient, publisher.Config{
				TopicPrefix: cfg.MQTT.TopicPrefix,
				DeviceID:    cfg.Device.ID,
				QoS:         cfg.MQTT.QoS,
			}, logger))
		}
	}

	return observers
}
