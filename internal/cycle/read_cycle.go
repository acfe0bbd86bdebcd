package cycle

import (
	"context"
	"fmt"
	"time"

	"owl-field-agent/internal/fieldbus"
	"owl-field-agent/internal/metrics"
	"owl-field-agent/internal/models"
	"owl-field-agent/internal/priority"

	"go.uber.org/zap"
)

// SourceFieldbus 现场设备数据来源标记
const SourceFieldbus = "fieldbus"

// sourced 可报告数据来源的读取器
type sourced interface {
	Source() string
}

// ReadCycle 一次采样：逐点读取、归一化、整批写入缓冲
type ReadCycle struct {
	reader    fieldbus.Reader
	store     ReadingStore
	parser    *priority.Parser
	points    []fieldbus.Point
	address   string
	source    string
	observers []Observer
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewReadCycle 创建读取周期
// address 为目标设备地址（ip:port），留空由读取器决定
func NewReadCycle(reader fieldbus.Reader, store ReadingStore, points []fieldbus.Point, address string, m *metrics.Metrics, logger *zap.Logger) *ReadCycle {
	source := SourceFieldbus
	if s, ok := reader.(sourced); ok {
		source = s.Source()
	}

	return &ReadCycle{
		reader:  reader,
		store:   store,
		parser:  priority.NewParser(logger),
		points:  points,
		address: address,
		source:  source,
		metrics: m,
		logger:  logger.With(zap.String("source", source)),
		now:     time.Now,
	}
}

// AddObserver 注册旁路消费者
func (c *ReadCycle) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

// Source 数据来源
func (c *ReadCycle) Source() string {
	return c.source
}

// Run 执行一次读取周期，返回写入的读数数量
// 单点失败跳过；全部失败不写入也不返回错误；写入失败返回错误
func (c *ReadCycle) Run(ctx context.Context) (int, error) {
	start := time.Now()
	readings, err := c.Sample(ctx)
	if err != nil {
		return 0, err
	}

	if len(readings) == 0 {
		c.logger.Warn("No sensors responded", zap.Int("points", len(c.points)))
		c.metrics.ObserveReadCycle(0, time.Since(start))
		return 0, nil
	}

	n, err := c.store.Append(ctx, readings)
	if err != nil {
		return 0, fmt.Errorf("failed to store readings: %w", err)
	}

	c.logger.Info("Read sensor values",
		zap.Int("read", n),
		zap.Int("points", len(c.points)),
	)
	c.metrics.ObserveReadCycle(n, time.Since(start))

	for _, o := range c.observers {
		if err := o.Observe(ctx, readings); err != nil {
			c.logger.Warn("Observer failed",
				zap.String("observer", o.Name()),
				zap.Error(err),
			)
		}
	}

	return n, nil
}

// Sample 逐点读取，不写入缓冲（诊断工具复用）
// 同一周期内所有读数共享一个时间戳
func (c *ReadCycle) Sample(ctx context.Context) ([]models.Reading, error) {
	timestamp := c.now()
	readings := make([]models.Reading, 0, len(c.points))

	for _, point := range c.points {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		reading, ok := c.readPoint(ctx, point, timestamp)
		if !ok {
			continue
		}
		readings = append(readings, reading)
	}

	return readings, nil
}

func (c *ReadCycle) readPoint(ctx context.Context, point fieldbus.Point, timestamp time.Time) (models.Reading, bool) {
	raw, err := c.reader.Read(ctx, fieldbus.ReadRequest{
		Address:  c.address,
		Object:   point.Object,
		Property: fieldbus.PresentValue,
	})
	if err != nil {
		c.logger.Error("Failed to read sensor",
			zap.String("sensor", point.Name),
			zap.String("object", point.Object.String()),
			zap.Error(err),
		)
		c.metrics.PointReadFailed(point.Name)
		return models.Reading{}, false
	}

	if raw.IsNull() {
		c.logger.Warn("Sensor returned no value", zap.String("sensor", point.Name))
		c.metrics.PointReadFailed(point.Name)
		return models.Reading{}, false
	}

	value, err := raw.Float64()
	if err != nil {
		c.logger.Error("Sensor value is not numeric",
			zap.String("sensor", point.Name),
			zap.String("raw", raw.String()),
			zap.Error(err),
		)
		c.metrics.PointReadFailed(point.Name)
		return models.Reading{}, false
	}

	reading := models.Reading{
		Timestamp:  timestamp,
		SensorName: point.Name,
		Value:      value,
		Unit:       point.Unit,
	}

	if point.Object.Type.IsCommandable() {
		rawPriority, err := c.reader.Read(ctx, fieldbus.ReadRequest{
			Address:  c.address,
			Object:   point.Object,
			Property: fieldbus.PriorityArray,
		})
		if err != nil {
			c.logger.Debug("Could not read priority info",
				zap.String("sensor", point.Name),
				zap.Error(err),
			)
		} else {
			reading.PriorityArray, reading.ActivePriority = c.parser.Parse(rawPriority)
			if reading.PriorityArray == nil && !rawPriority.IsNull() {
				c.logger.Debug("Priority array is not a sequence",
					zap.String("sensor", point.Name),
					zap.String("raw", rawPriority.String()),
				)
			}
		}
	}

	fields := []zap.Field{
		zap.String("sensor", point.Name),
		zap.Float64("value", value),
		zap.String("unit", point.Unit),
	}
	if reading.ActivePriority != nil {
		fields = append(fields, zap.Int("active_priority", *reading.ActivePriority))
	}
	c.logger.Debug("Sensor read", fields...)

	return reading, true
}
