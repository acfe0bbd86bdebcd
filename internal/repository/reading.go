package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"owl-field-agent/common/database"
	"owl-field-agent/internal/models"

	"go.uber.org/zap"
)

// Dialect 存储方言
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// utcLayout 定宽 UTC 时间格式，字典序即时间序
const utcLayout = "2006-01-02T15:04:05.000000000Z"

// markChunkSize 单条 UPDATE 的 id 数量上限（SQLite 绑定参数数量有限）
const markChunkSize = 500

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sensor_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		timestamp_utc TEXT NOT NULL,
		sensor_name TEXT NOT NULL,
		value REAL NOT NULL,
		unit TEXT,
		priority_array TEXT,
		active_priority INTEGER,
		posted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posted ON sensor_readings(posted)`,
	`CREATE INDEX IF NOT EXISTS idx_timestamp ON sensor_readings(timestamp_utc)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sensor_readings (
		id BIGSERIAL PRIMARY KEY,
		timestamp TEXT NOT NULL,
		timestamp_utc TEXT NOT NULL,
		sensor_name TEXT NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		unit TEXT,
		priority_array TEXT,
		active_priority INTEGER,
		posted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posted ON sensor_readings(posted)`,
	`CREATE INDEX IF NOT EXISTS idx_timestamp ON sensor_readings(timestamp_utc)`,
}

// ReadingRepository 本地读数缓冲（存储转发队列）
// 写路径（Append / MarkDelivered / Prune）由主循环串行调用；Stats 可被状态接口并发调用
type ReadingRepository struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
	now     func() time.Time
}

// NewReadingRepository 创建读数仓库
func NewReadingRepository(db *sql.DB, dialect Dialect, logger *zap.Logger) *ReadingRepository {
	return &ReadingRepository{
		db:      db,
		dialect: dialect,
		logger:  logger,
		now:     time.Now,
	}
}

// Migrate 创建表和索引（幂等）
func (r *ReadingRepository) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if r.dialect == DialectPostgres {
		schema = postgresSchema
	}

	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate sensor_readings: %w", err)
		}
	}

	r.logger.Info("Reading store initialized", zap.String("dialect", string(r.dialect)))
	return nil
}

// Append 在一个事务内写入一批读数并回填 ID
// 任一条失败则整批回滚
func (r *ReadingRepository) Append(ctx context.Context, readings []models.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	query := r.rebind(`
		INSERT INTO sensor_readings (
			timestamp, timestamp_utc, sensor_name, value, unit, priority_array, active_priority
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)

	ids := make([]int64, len(readings))
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for i := range readings {
			reading := &readings[i]

			var priorityJSON interface{}
			if reading.PriorityArray != nil {
				encoded, err := json.Marshal(reading.PriorityArray)
				if err != nil {
					return fmt.Errorf("failed to encode priority array for %s: %w", reading.SensorName, err)
				}
				priorityJSON = string(encoded)
			}

			var activePriority interface{}
			if reading.ActivePriority != nil {
				activePriority = int64(*reading.ActivePriority)
			}

			err := stmt.QueryRowContext(ctx,
				reading.Timestamp.Format(time.RFC3339Nano),
				reading.Timestamp.UTC().Format(utcLayout),
				reading.SensorName,
				reading.Value,
				reading.Unit,
				priorityJSON,
				activePriority,
			).Scan(&ids[i])
			if err != nil {
				return fmt.Errorf("failed to insert reading %s: %w", reading.SensorName, err)
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to store readings", zap.Int("count", len(readings)), zap.Error(err))
		return 0, err
	}

	// 提交成功后才回填，回滚时调用方的数据保持原样
	for i := range readings {
		readings[i].ID = ids[i]
		readings[i].Delivered = false
	}

	r.logger.Debug("Stored readings locally", zap.Int("count", len(readings)))
	return len(readings), nil
}

// FetchUndelivered 获取全部未上传读数，按时间升序、ID 升序
func (r *ReadingRepository) FetchUndelivered(ctx context.Context) ([]models.Reading, error) {
	query := `
		SELECT id, timestamp, sensor_name, value, unit, priority_array, active_priority
		FROM sensor_readings
		WHERE posted = FALSE
		ORDER BY timestamp_utc ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query unposted readings: %w", err)
	}
	defer rows.Close()

	var readings []models.Reading
	for rows.Next() {
		var (
			reading        models.Reading
			timestamp      string
			unit           sql.NullString
			priorityJSON   sql.NullString
			activePriority sql.NullInt64
		)
		if err := rows.Scan(
			&reading.ID,
			&timestamp,
			&reading.SensorName,
			&reading.Value,
			&unit,
			&priorityJSON,
			&activePriority,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}

		reading.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp of reading %d: %w", reading.ID, err)
		}
		reading.Unit = unit.String

		if priorityJSON.Valid && priorityJSON.String != "" {
			var array models.PriorityArray
			if err := json.Unmarshal([]byte(priorityJSON.String), &array); err != nil {
				return nil, fmt.Errorf("failed to decode priority array of reading %d: %w", reading.ID, err)
			}
			reading.PriorityArray = &array
		}
		if activePriority.Valid {
			reading.ActivePriority = models.IntPtr(int(activePriority.Int64))
		}

		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}

	return readings, nil
}

// MarkDelivered 标记读数为已上传（幂等，已标记的 ID 不受影响）
func (r *ReadingRepository) MarkDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	var updated int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(ids); start += markChunkSize {
			end := start + markChunkSize
			if end > len(ids) {
				end = len(ids)
			}
			chunk := ids[start:end]

			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
			query := r.rebind(`UPDATE sensor_readings SET posted = TRUE WHERE posted = FALSE AND id IN (` + placeholders + `)`)

			args := make([]interface{}, len(chunk))
			for i, id := range chunk {
				args[i] = id
			}

			result, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to mark readings as posted: %w", err)
			}
			if n, err := result.RowsAffected(); err == nil {
				updated += n
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to mark readings as posted", zap.Int("count", len(ids)), zap.Error(err))
		return err
	}

	r.logger.Debug("Marked readings as posted",
		zap.Int("requested", len(ids)),
		zap.Int64("updated", updated),
	)
	return nil
}

// Prune 删除早于保留期且已上传的读数；未上传数据无论多旧都保留
func (r *ReadingRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := r.now().Add(-olderThan).UTC().Format(utcLayout)

	var deleted int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			r.rebind(`DELETE FROM sensor_readings WHERE posted = TRUE AND timestamp_utc < ?`),
			cutoff,
		)
		if err != nil {
			return fmt.Errorf("failed to cleanup old data: %w", err)
		}
		deleted, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to count deleted rows: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to cleanup old data", zap.Error(err))
		return 0, err
	}

	if deleted > 0 {
		r.logger.Info("Cleaned up old readings",
			zap.Int64("deleted", deleted),
			zap.String("cutoff", cutoff),
		)
	}
	return deleted, nil
}

// Stats 获取缓冲统计
func (r *ReadingRepository) Stats(ctx context.Context) (models.StoreStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN posted = FALSE THEN 1 ELSE 0 END), 0)
		FROM sensor_readings
	`

	var stats models.StoreStats
	if err := r.db.QueryRowContext(ctx, query).Scan(&stats.Total, &stats.Unposted); err != nil {
		return models.StoreStats{}, fmt.Errorf("failed to get stats: %w", err)
	}
	stats.Posted = stats.Total - stats.Unposted
	return stats, nil
}

// Close 关闭底层连接
func (r *ReadingRepository) Close() error {
	return database.Close(r.db)
}

// withTx 事务执行，fn 返回错误时回滚
func (r *ReadingRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// rebind 将 ? 占位符转换为 PostgreSQL 的 $n
func (r *ReadingRepository) rebind(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
