package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"owl-field-agent/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRetryable 上传失败，数据保留，下个同步周期重试
var ErrRetryable = errors.New("collection api unavailable")

const (
	defaultPostTimeout  = 30 * time.Second
	healthCheckTimeout  = 5 * time.Second
	heartbeatTimeout    = 10 * time.Second
	deviceConfigTimeout = 10 * time.Second
	batchIDHeader       = "X-Batch-ID"
)

// Config 采集 API 客户端配置
type Config struct {
	APIURL       string
	HealthURL    string
	HeartbeatURL string
	ConfigURL    string
	Token        string
	Timeout      time.Duration
}

// batchPayload 批量上传请求体
type batchPayload struct {
	DeviceID string           `json:"device_id"`
	Readings []models.Reading `json:"readings"`
}

// batchResponse 批量上传响应
type batchResponse struct {
	StoredCount *int   `json:"stored_count"`
	Message     string `json:"message,omitempty"`
}

type deviceConfigResponse struct {
	Config map[string]any `json:"config"`
}

// CollectorClient 中心采集 API 客户端
type CollectorClient struct {
	httpClient *resty.Client
	config     Config
	logger     *zap.Logger
}

// NewCollectorClient 创建采集 API 客户端
func NewCollectorClient(cfg Config, logger *zap.Logger) *CollectorClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPostTimeout
	}

	// 不在客户端内部重试，重试节奏由同步周期决定
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &CollectorClient{
		httpClient: client,
		config:     cfg,
		logger:     logger,
	}
}

// PostBatch 上传一批读数
// 仅 200 视为成功；传输错误和非 2xx 均返回包装了 ErrRetryable 的错误
func (c *CollectorClient) PostBatch(ctx context.Context, deviceID string, readings []models.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	batchID := uuid.New().String()
	c.logger.Info("Posting readings to API",
		zap.Int("count", len(readings)),
		zap.String("batch_id", batchID),
	)

	var result batchResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader(batchIDHeader, batchID).
		SetBody(batchPayload{DeviceID: deviceID, Readings: readings}).
		SetResult(&result).
		Post(c.config.APIURL)
	if err != nil {
		c.logger.Error("Connection failed: could not reach API server",
			zap.String("batch_id", batchID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}

	if resp.StatusCode() != 200 {
		c.logger.Error("API returned error status",
			zap.String("batch_id", batchID),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("body", truncate(resp.String(), 512)),
		)
		return fmt.Errorf("%w: status %d", ErrRetryable, resp.StatusCode())
	}

	stored := len(readings)
	if result.StoredCount != nil {
		stored = *result.StoredCount
	}
	c.logger.Info("Successfully posted readings",
		zap.Int("stored_count", stored),
		zap.String("batch_id", batchID),
	)
	return nil
}

// HealthCheck 探测 API 是否可达（仅用于诊断）
func (c *CollectorClient) HealthCheck(ctx context.Context) bool {
	if c.config.HealthURL == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	resp, err := c.httpClient.R().
		SetContext(ctx).
		Get(c.config.HealthURL)
	if err != nil {
		c.logger.Debug("Health check failed", zap.Error(err))
		return false
	}
	return resp.StatusCode() == 200
}

// Heartbeat 上报存活状态，不涉及本地缓冲
func (c *CollectorClient) Heartbeat(ctx context.Context, deviceID string) error {
	if c.config.HeartbeatURL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]string{"device_id": deviceID, "status": "alive"}).
		Post(c.config.HeartbeatURL)
	if err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("heartbeat rejected with status %d", resp.StatusCode())
	}
	return nil
}

// FetchDeviceConfig 获取服务端下发的设备配置（仅记录日志）
func (c *CollectorClient) FetchDeviceConfig(ctx context.Context, deviceID string) (map[string]any, error) {
	if c.config.ConfigURL == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, deviceConfigTimeout)
	defer cancel()

	var result deviceConfigResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]string{"device_id": deviceID}).
		SetResult(&result).
		Post(c.config.ConfigURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch device config: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("failed to fetch device config: status %d", resp.StatusCode())
	}

	if result.Config == nil {
		result.Config = map[string]any{}
	}
	return result.Config, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
