package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"owl-field-agent/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockRepo(t *testing.T, dialect Dialect) (*ReadingRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewReadingRepository(db, dialect, zap.NewNop()), mock
}

func TestAppend_RollbackOnInsertFailure(t *testing.T) {
	repo, mock := setupMockRepo(t, DialectSQLite)

	readings := []models.Reading{
		{Timestamp: time.Now(), SensorName: "pool_temperature", Value: 26.4, Unit: "°C"},
		{Timestamp: time.Now(), SensorName: "pool_ph", Value: 7.2, Unit: "pH"},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO sensor_readings")
	prep.ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(41)))
	prep.ExpectQuery().
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	n, err := repo.Append(context.Background(), readings)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool_ph")
	assert.Equal(t, 0, n)

	// 回滚后不回填 ID
	assert.Equal(t, int64(0), readings[0].ID)
	assert.Equal(t, int64(0), readings[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_CommitFailure(t *testing.T) {
	repo, mock := setupMockRepo(t, DialectSQLite)

	readings := []models.Reading{{Timestamp: time.Now(), SensorName: "flow_rate", Value: 12}}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO sensor_readings")
	prep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	_, err := repo.Append(context.Background(), readings)
	require.Error(t, err)
	assert.Equal(t, int64(0), readings[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDelivered_PostgresPlaceholders(t *testing.T) {
	repo, mock := setupMockRepo(t, DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE sensor_readings SET posted = TRUE WHERE posted = FALSE AND id IN ($1, $2, $3)`)).
		WithArgs(int64(1), int64(2), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	require.NoError(t, repo.MarkDelivered(context.Background(), []int64{1, 2, 3}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDelivered_RollbackOnFailure(t *testing.T) {
	repo, mock := setupMockRepo(t, DialectSQLite)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sensor_readings SET posted = TRUE").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	err := repo.MarkDelivered(context.Background(), []int64{7})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrune_PostgresCutoff(t *testing.T) {
	repo, mock := setupMockRepo(t, DialectPostgres)
	repo.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM sensor_readings WHERE posted = TRUE AND timestamp_utc < $1`)).
		WithArgs("2026-03-03T12:00:00.000000000Z").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	deleted, err := repo.Prune(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStats_QueryError(t *testing.T) {
	repo, mock := setupMockRepo(t, DialectSQLite)

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("no such table: sensor_readings"))

	_, err := repo.Stats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get stats")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	pg := &ReadingRepository{dialect: DialectPostgres}
	lite := &ReadingRepository{dialect: DialectSQLite}

	query := `SELECT * FROM t WHERE a = ? AND b IN (?, ?)`
	assert.Equal(t, `SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)`, pg.rebind(query))
	assert.Equal(t, query, lite.rebind(query))
}
