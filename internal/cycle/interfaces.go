package cycle

import (
	"context"
	"time"

	"owl-field-agent/internal/models"
)

// ReadingStore 本地缓冲（repository.ReadingRepository 实现）
type ReadingStore interface {
	Append(ctx context.Context, readings []models.Reading) (int, error)
	FetchUndelivered(ctx context.Context) ([]models.Reading, error)
	MarkDelivered(ctx context.Context, ids []int64) error
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (models.StoreStats, error)
}

// BatchPoster 批量上传（client.CollectorClient 实现）
type BatchPoster interface {
	PostBatch(ctx context.Context, deviceID string, readings []models.Reading) error
}

// Observer 读数写入缓冲后的旁路消费者（缓存、实时推送）
// 失败只记录日志，不影响持久化路径
type Observer interface {
	Name() string
	Observe(ctx context.Context, readings []models.Reading) error
	Close() error
}
