package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"owl-field-agent/internal/models"

	"go.uber.org/zap"
)

// ErrBrokerUnavailable broker 未连接，本周期不推送
var ErrBrokerUnavailable = errors.New("mqtt broker not connected")

// MessagePublisher MQTT 发布能力（common/mqtt.Client 实现）
type MessagePublisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	IsConnected() bool
	Disconnect()
}

// Config 实时推送配置
type Config struct {
	TopicPrefix string // 如 "owl-field"
	DeviceID    string
	QoS         byte
	Retained    bool
}

// LivePublisher 将刚写入缓冲的读数推送到 MQTT
// 主题：{prefix}/{device_id}/{sensor_name}
type LivePublisher struct {
	client MessagePublisher
	config Config
	logger *zap.Logger
}

// NewLivePublisher 创建实时推送器
func NewLivePublisher(client MessagePublisher, cfg Config, logger *zap.Logger) *LivePublisher {
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	return &LivePublisher{
		client: client,
		config: cfg,
		logger: logger,
	}
}

// Name 观察者名称
func (p *LivePublisher) Name() string {
	return "mqtt-live"
}

// Observe 逐条发布读数
// broker 断开期间直接跳过，避免每条消息都等待发布超时
func (p *LivePublisher) Observe(ctx context.Context, readings []models.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.client.IsConnected() {
		return fmt.Errorf("%w: skipped %d readings", ErrBrokerUnavailable, len(readings))
	}

	var errs []error
	published := 0
	for _, r := range readings {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		payload, err := json.Marshal(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to marshal reading %s: %w", r.SensorName, err))
			continue
		}
		if err := p.client.Publish(p.Topic(r.SensorName), p.config.QoS, p.config.Retained, payload); err != nil {
			errs = append(errs, err)
			continue
		}
		published++
	}

	p.logger.Debug("Published live readings",
		zap.Int("published", published),
		zap.Int("total", len(readings)),
	)
	return errors.Join(errs...)
}

// Topic 点位对应的主题
func (p *LivePublisher) Topic(sensorName string) string {
	return p.config.TopicPrefix + "/" + p.config.DeviceID + "/" + sensorName
}

// Close 断开 MQTT 连接
func (p *LivePublisher) Close() error {
	p.client.Disconnect()
	return nil
}
