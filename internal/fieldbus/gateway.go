package fieldbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// GatewayConfig BACnet/IP 网关配置
type GatewayConfig struct {
	BaseURL  string
	Address  string // 目标设备 ip:port
	DeviceID uint32
	Timeout  time.Duration
	Token    string
}

// readResponse 网关读取响应
type readResponse struct {
	Value json.RawMessage `json:"value"`
	Error string          `json:"error,omitempty"`
}

// deviceResponse 网关设备信息响应
type deviceResponse struct {
	Name   string `json:"name"`
	Vendor string `json:"vendor"`
	Points []struct {
		Name   string `json:"name"`
		Object string `json:"object"`
	} `json:"points"`
	Error string `json:"error,omitempty"`
}

// GatewayReader 通过 HTTP/JSON BACnet 网关读取点位
type GatewayReader struct {
	httpClient *resty.Client
	config     GatewayConfig
	logger     *zap.Logger
	connected  atomic.Bool
}

// NewGatewayReader 创建网关读取器
func NewGatewayReader(cfg GatewayConfig, logger *zap.Logger) *GatewayReader {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &GatewayReader{
		httpClient: client,
		config:     cfg,
		logger:     logger,
	}
}

// Connect 确认网关可达且目标设备响应
func (g *GatewayReader) Connect(ctx context.Context) error {
	g.logger.Info("Connecting to BACnet device via gateway",
		zap.String("gateway", g.config.BaseURL),
		zap.String("address", g.config.Address),
		zap.Uint32("device_id", g.config.DeviceID),
	)

	var device deviceResponse
	resp, err := g.httpClient.R().
		SetContext(ctx).
		SetPathParam("device", strconv.FormatUint(uint64(g.config.DeviceID), 10)).
		SetQueryParam("address", g.config.Address).
		SetResult(&device).
		SetError(&device).
		Get("/api/v1/devices/{device}")
	if err != nil {
		return fmt.Errorf("failed to reach gateway: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("gateway returned status %d for device %d: %s", resp.StatusCode(), g.config.DeviceID, device.Error)
	}

	g.connected.Store(true)

	g.logger.Info("Connected to device",
		zap.String("device_name", device.Name),
		zap.String("vendor", device.Vendor),
		zap.Int("point_count", len(device.Points)),
	)
	for _, p := range device.Points {
		g.logger.Debug("Available point", zap.String("name", p.Name), zap.String("object", p.Object))
	}

	return nil
}

// Read 读取单个属性
func (g *GatewayReader) Read(ctx context.Context, req ReadRequest) (RawValue, error) {
	if !g.connected.Load() {
		return RawValue{}, ErrNotConnected
	}

	address := req.Address
	if address == "" {
		address = g.config.Address
	}

	var result readResponse
	resp, err := g.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"address":  address,
			"device":   strconv.FormatUint(uint64(g.config.DeviceID), 10),
			"object":   string(req.Object.Type),
			"instance": strconv.FormatUint(uint64(req.Object.Instance), 10),
			"property": string(req.Property),
		}).
		SetResult(&result).
		SetError(&result).
		Get("/api/v1/read")
	if err != nil {
		return RawValue{}, fmt.Errorf("%w: %s %s: %v", ErrPointRead, req.Object, req.Property, err)
	}
	if resp.StatusCode() != 200 {
		return RawValue{}, fmt.Errorf("%w: %s %s: status %d %s", ErrPointRead, req.Object, req.Property, resp.StatusCode(), result.Error)
	}

	value, err := DecodeJSON(result.Value)
	if err != nil {
		return RawValue{}, fmt.Errorf("%w: %s %s: %v", ErrPointRead, req.Object, req.Property, err)
	}
	return value, nil
}

// Connected 会话是否已建立
func (g *GatewayReader) Connected() bool {
	return g.connected.Load()
}

// Close 释放会话
func (g *GatewayReader) Close() error {
	g.connected.Store(false)
	return nil
}
