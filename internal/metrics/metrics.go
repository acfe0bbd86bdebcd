package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "owl_field"

// Metrics 采集代理运行指标
// nil *Metrics 上的所有方法均为空操作
type Metrics struct {
	readingsCollected prometheus.Counter
	pointReadErrors   *prometheus.CounterVec
	readCycleDuration prometheus.Histogram

	syncTotal         *prometheus.CounterVec
	readingsDelivered prometheus.Counter
	readingsPruned    prometheus.Counter
	syncDuration      prometheus.Histogram

	pendingReadings prometheus.Gauge
	storedReadings  prometheus.Gauge
}

// NewMetrics 创建并注册指标
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		readingsCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_collected_total",
			Help:      "Readings appended to the local store.",
		}),
		pointReadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "point_read_errors_total",
			Help:      "Failed point reads by sensor name.",
		}, []string{"sensor"}),
		readCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "read_cycle_duration_seconds",
			Help:      "Wall time of one read cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		syncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_total",
			Help:      "Sync cycles by result (success, failure, empty).",
		}, []string{"result"}),
		readingsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_delivered_total",
			Help:      "Readings acknowledged by the collection API.",
		}),
		readingsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_pruned_total",
			Help:      "Delivered readings removed by retention.",
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Wall time of one sync cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		pendingReadings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_readings",
			Help:      "Undelivered readings in the local store.",
		}),
		storedReadings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_readings",
			Help:      "Total readings in the local store.",
		}),
	}

	reg.MustRegister(
		m.readingsCollected,
		m.pointReadErrors,
		m.readCycleDuration,
		m.syncTotal,
		m.readingsDelivered,
		m.readingsPruned,
		m.syncDuration,
		m.pendingReadings,
		m.storedReadings,
	)
	return m
}

// ObserveReadCycle 记录一次读取周期
func (m *Metrics) ObserveReadCycle(appended int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.readingsCollected.Add(float64(appended))
	m.readCycleDuration.Observe(elapsed.Seconds())
}

// PointReadFailed 记录单点读取失败
func (m *Metrics) PointReadFailed(sensor string) {
	if m == nil {
		return
	}
	m.pointReadErrors.WithLabelValues(sensor).Inc()
}

// ObserveSync 记录一次同步周期
func (m *Metrics) ObserveSync(result string, delivered int, pruned int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.syncTotal.WithLabelValues(result).Inc()
	m.readingsDelivered.Add(float64(delivered))
	m.readingsPruned.Add(float64(pruned))
	m.syncDuration.Observe(elapsed.Seconds())
}

// SetStoreStats 更新缓冲水位
func (m *Metrics) SetStoreStats(total, unposted int64) {
	if m == nil {
		return
	}
	m.storedReadings.Set(float64(total))
	m.pendingReadings.Set(float64(unposted))
}
