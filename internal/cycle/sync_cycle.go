package cycle

import (
	"context"
	"fmt"
	"time"

	"owl-field-agent/internal/metrics"
	"owl-field-agent/internal/models"

	"go.uber.org/zap"
)

// DefaultRetention 已上传读数的保留期
const DefaultRetention = 7 * 24 * time.Hour

// SyncResult 一次同步的结果
type SyncResult struct {
	Fetched   int
	Delivered int
	Pruned    int64
	Stats     models.StoreStats
}

// SyncCycle 将缓冲中未上传的读数整批上传
type SyncCycle struct {
	store     ReadingStore
	poster    BatchPoster
	deviceID  string
	retention time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewSyncCycle 创建同步周期
func NewSyncCycle(store ReadingStore, poster BatchPoster, deviceID string, retention time.Duration, m *metrics.Metrics, logger *zap.Logger) *SyncCycle {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &SyncCycle{
		store:     store,
		poster:    poster,
		deviceID:  deviceID,
		retention: retention,
		metrics:   m,
		logger:    logger,
	}
}

// Run 执行一次同步
// 上传成功才标记已上传并清理；失败时全部保持未上传，下个周期重试
func (s *SyncCycle) Run(ctx context.Context) (SyncResult, error) {
	start := time.Now()
	var result SyncResult

	pending, err := s.store.FetchUndelivered(ctx)
	if err != nil {
		s.metrics.ObserveSync("failure", 0, 0, time.Since(start))
		return result, fmt.Errorf("failed to fetch unposted readings: %w", err)
	}
	result.Fetched = len(pending)

	if len(pending) == 0 {
		s.logger.Debug("No readings to sync")
		s.metrics.ObserveSync("empty", 0, 0, time.Since(start))
		return result, nil
	}

	if err := s.poster.PostBatch(ctx, s.deviceID, pending); err != nil {
		s.logger.Warn("Failed to post to API, will retry later",
			zap.Int("pending", len(pending)),
			zap.Error(err),
		)
		s.metrics.ObserveSync("failure", 0, 0, time.Since(start))
		return result, err
	}

	ids := make([]int64, len(pending))
	for i, r := range pending {
		ids[i] = r.ID
	}
	// 标记失败时读数会在下个周期重复上传（至少一次）
	if err := s.store.MarkDelivered(ctx, ids); err != nil {
		s.metrics.ObserveSync("failure", 0, 0, time.Since(start))
		return result, fmt.Errorf("failed to mark readings as posted: %w", err)
	}
	result.Delivered = len(ids)

	pruned, err := s.store.Prune(ctx, s.retention)
	if err != nil {
		s.logger.Warn("Failed to cleanup old data", zap.Error(err))
	}
	result.Pruned = pruned

	s.metrics.ObserveSync("success", result.Delivered, result.Pruned, time.Since(start))

	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Warn("Failed to get store stats", zap.Error(err))
		return result, nil
	}
	result.Stats = stats
	s.metrics.SetStoreStats(stats.Total, stats.Unposted)

	s.logger.Info("Stats",
		zap.Int64("total", stats.Total),
		zap.Int64("pending", stats.Unposted),
		zap.Int("delivered", result.Delivered),
		zap.Int64("pruned", result.Pruned),
	)
	return result, nil
}
