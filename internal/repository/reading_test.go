package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"owl-field-agent/common/config"
	"owl-field-agent/common/database"
	"owl-field-agent/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupSQLiteRepo(t *testing.T) *ReadingRepository {
	t.Helper()

	db, err := database.NewSQLiteDB(&config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "sensor_data.db")})
	require.NoError(t, err)

	repo := NewReadingRepository(db, DialectSQLite, zap.NewNop())
	require.NoError(t, repo.Migrate(context.Background()))
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleReadings(ts time.Time) []models.Reading {
	var pa models.PriorityArray
	pa[9] = models.NumericSlot(21.5)
	pa[15] = models.RawSlot("auto")

	return []models.Reading{
		{Timestamp: ts, SensorName: "pool_temperature", Value: 26.4, Unit: "°C"},
		{Timestamp: ts, SensorName: "pool_ph", Value: 7.2, Unit: "pH"},
		{Timestamp: ts, SensorName: "setpoint", Value: 21.5, Unit: "°C", PriorityArray: &pa, ActivePriority: pa.ActivePriority()},
	}
}

func idsOf(readings []models.Reading) []int64 {
	ids := make([]int64, len(readings))
	for i, r := range readings {
		ids[i] = r.ID
	}
	return ids
}

func TestAppend_AssignsIncreasingIDs(t *testing.T) {
	repo := setupSQLiteRepo(t)
	ctx := context.Background()

	readings := sampleReadings(time.Now())
	n, err := repo.Append(ctx, readings)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Greater(t, readings[0].ID, int64(0))
	assert.Greater(t, readings[1].ID, readings[0].ID)
	assert.Greater(t, readings[2].ID, readings[1].ID)
}

func TestAppend_Empty(t *testing.T) {
	repo := setupSQLiteRepo(t)

	n, err := repo.Append(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFetchUndelivered_RoundTrip(t *testing.T) {
	repo := setupSQLiteRepo(t)
	ctx := context.Background()

	ts := time.Date(2026, 5, 4, 9, 30, 15, 123456789, time.FixedZone("CEST", 2*3600))
	readings := sampleReadings(ts)
	_, err := repo.Append(ctx, readings)
	require.NoError(t, err)

	fetched, err := repo.FetchUndelivered(ctx)
	require.NoError(t, err)
	require.Len(t, fetched, 3)

	for i := range readings {
		assert.Equal(t, readings[i].ID, fetched[i].ID)
		assert.True(t, readings[i].Timestamp.Equal(fetched[i].Timestamp))
		assert.Equal(t, readings[i].SensorName, fetched[i].SensorName)
		assert.Equal(t, readings[i].Value, fetched[i].Value)
		assert.Equal(t, readings[i].Unit, fetched[i].Unit)
		assert.Equal(t, readings[i].PriorityArray, fetched[i].PriorityArray)
		assert.Equal(t, readings[i].ActivePriority, fetched[i].ActivePriority)
		assert.False(t, fetched[i].Delivered)
	}

	_, offset := fetched[0].Timestamp.Zone()
	assert.Equal(t, 2*3600, offset)
	assert.Equal(t, 10, *fetched[2].ActivePriority)
	assert.Equal(t, models.RawSlot("auto"), fetched[2].PriorityArray[15])
}

func TestFetchUndelivered_OrderedByTimestampThenID(t *testing.T) {
	repo := setupSQLiteRepo(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	// 先写入较新的，再写入较旧的
	_, err := repo.Append(ctx, []models.Reading{{Timestamp: base.Add(2 * time.Minute), SensorName: "late", Value: 2}})
	require.NoError(t, err)
	_, err = repo.Append(ctx, []models.Reading{
		{Timestamp: base, SensorName: "early-a", Value: 1},
		{Timestamp: base, SensorName: "early-b", Value: 1},
	})
	require.NoError(t, err)

	fetched, err := repo.FetchUndelivered(ctx)
	require.NoError(t, err)
	require.Len(t, fetched, 3)
	assert.Equal(t, "early-a", fetched[0].SensorName)
	assert.Equal(t, "early-b", fetched[1].SensorName)
	assert.Equal(t, "late", fetched[2].SensorName)
}

func TestFetchUndelivered_OrderAcrossTimezones(t *testing.T) {
	repo := setupSQLiteRepo(t)
	ctx := context.Background()

	utc := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	// 11:30+02:00 == 09:30Z，早于 10:00Z
	plusTwo := time.Date(2026, 1, 1, 11, 30, 0, 0, time.FixedZone("", 2*3600))

	_, err := repo.Append(ctx, []models.Reading{{Timestamp: utc, SensorName: "utc", Value: 1}})
	require.NoError(t, err)
	_, err = repo.Append(ctx, []models.Reading{{Timestamp: plusTwo, SensorName: "plus-two", Value: 1}})
	require.NoError(t, err)

	fetched, err := repo.FetchUndelivered(ctx)
	require.NoError(t, err)
	require.Len(t, fetched, 2)
	assert.Equal(t, "plus-two", fetched[0].SensorName)
}

func TestMarkDelivered_Idempotent(t *testing.T) {
	repo := setupSQLiteRepo(t)
	ctx := context.Background()

	readings := sampleReadings(time.Now())
	_, err := repo.Append(ctx, readings)
	require.NoError(t, err)

	ids := idsOf(readings)
	require.NoError(t, repo.MarkDelivered(ctx, ids))
	first, err := repo.Stats(ctx)
	require.NoError(t, err)

	require.NoError(t, repo.MarkDelivered(ctx, ids))
	second, err := repo.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, models.StoreStats{Total: 3, Unposted: 0, Posted: 3}, second)

	fetched, err := repo.FetchUndelivered(ctx)
	require.NoError(t, err)
	assert.Empty(t, fetched)
}

func TestMarkDelivered_PartialAndUnknownIDs(t *testing.T) {
	repo := setupSQLiteRepo(t)
	ctx := context.Background()

	readings := sampleReadings(time.Now())
	_, err := repo.Append(ctx, readings)
	require.NoError(t, err)

	require.NoError(t, repo.MarkDelivered(ctx, []int64{readings[0].ID, 999999}))
	require.NoError(t, repo.MarkDelivered(ctx, nil))

	fetched, err := repo.FetchUndelivered(ctx)
	require.NoError(t, err)
	require.Len(t, fetched, 2)
	assert.Equal(t, readings[1].ID, fetched[0].ID)
	assert.Equal(t, readings[2].ID, fetched[1].ID)
}

func TestMarkDelivered_ManyIDsChunked(t *testing.T) {
	repo := setupSQLiteRepo(t)
	ctx := context.Background()

	ts := time.Now()
	readings := make([]models.Reading, markChunkSize*2+7)
	for i := range readings {
		readings[i] = models.Reading{Timestamp: ts, SensorName: "flow_rate", Value: float64(i)}
	}
	_, err := repo.Append(ctx, readings)
	require.NoError(t, err)

	require.NoError(t, repo.MarkDelivered(ctx, idsOf(readings)))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(readings)), stats.Total)
	assert.Equal(t, int64(0), stats.Unposted)
}

func TestPrune_RemovesOnlyOldDelivered(t *testing.T) {
	repo := setupSQLiteRepo(t)
	ctx := context.Background()
	now := time.Now()

	delivered := []models.Reading{
		{Timestamp: now.Add(-10 * 24 * time.Hour), SensorName: "old_delivered", Value: 1},
		{Timestamp: now.Add(-1 * time.Hour), SensorName: "recent_delivered", Value: 2},
	}
	_, err := repo.Append(ctx, delivered)
	require.NoError(t, err)
	require.NoError(t, repo.MarkDelivered(ctx, idsOf(delivered)))

	undelivered := []models.Reading{
		{Timestamp: now.Add(-30 * 24 * time.Hour), SensorName: "old_undelivered", Value: 3},
	}
	_, err = repo.Append(ctx, undelivered)
	require.NoError(t, err)

	deleted, err := repo.Prune(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StoreStats{Total: 2, Unposted: 1, Posted: 1}, stats)

	fetched, err := repo.FetchUndelivered(ctx)
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	assert.Equal(t, "old_undelivered", fetched[0].SensorName)
}

func TestPrune_NeverRemovesUndelivered(t *testing.T) {
	repo := setupSQLiteRepo(t)
	ctx := context.Background()

	var readings []models.Reading
	for days := 8; days <= 365; days += 50 {
		readings = append(readings, models.Reading{
			Timestamp:  time.Now().Add(-time.Duration(days) * 24 * time.Hour),
			SensorName: "backlog",
			Value:      float64(days),
		})
	}
	_, err := repo.Append(ctx, readings)
	require.NoError(t, err)

	deleted, err := repo.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)

	fetched, err := repo.FetchUndelivered(ctx)
	require.NoError(t, err)
	assert.Len(t, fetched, len(readings))
}

func TestStats_Empty(t *testing.T) {
	repo := setupSQLiteRepo(t)

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StoreStats{}, stats)
}

func TestMigrate_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensor_data.db")
	ctx := context.Background()

	db, err := database.NewSQLiteDB(&config.SQLiteConfig{Path: path})
	require.NoError(t, err)
	repo := NewReadingRepository(db, DialectSQLite, zap.NewNop())
	require.NoError(t, repo.Migrate(ctx))
	_, err = repo.Append(ctx, sampleReadings(time.Now()))
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	// 进程重启后数据仍在，迁移可重复执行
	db, err = database.NewSQLiteDB(&config.SQLiteConfig{Path: path})
	require.NoError(t, err)
	repo = NewReadingRepository(db, DialectSQLite, zap.NewNop())
	defer repo.Close()
	require.NoError(t, repo.Migrate(ctx))

	fetched, err := repo.FetchUndelivered(ctx)
	require.NoError(t, err)
	assert.Len(t, fetched, 3)
}
