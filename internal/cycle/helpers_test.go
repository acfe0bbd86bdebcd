package cycle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"owl-field-agent/common/config"
	"owl-field-agent/common/database"
	"owl-field-agent/internal/fieldbus"
	"owl-field-agent/internal/models"
	"owl-field-agent/internal/repository"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockStore ReadingStore 的 mock 实现
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Append(ctx context.Context, readings []models.Reading) (int, error) {
	args := m.Called(ctx, readings)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) FetchUndelivered(ctx context.Context) ([]models.Reading, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Reading), args.Error(1)
}

func (m *MockStore) MarkDelivered(ctx context.Context, ids []int64) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

func (m *MockStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) Stats(ctx context.Context) (models.StoreStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.StoreStats), args.Error(1)
}

// MockPoster BatchPoster 的 mock 实现
type MockPoster struct {
	mock.Mock
}

func (m *MockPoster) PostBatch(ctx context.Context, deviceID string, readings []models.Reading) error {
	args := m.Called(ctx, deviceID, readings)
	return args.Error(0)
}

// fakePoster 可切换成功/失败的上传端，记录每次收到的批次
type fakePoster struct {
	mu      sync.Mutex
	err     error
	batches [][]models.Reading
}

func (f *fakePoster) PostBatch(ctx context.Context, deviceID string, readings []models.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	batch := make([]models.Reading, len(readings))
	copy(batch, readings)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakePoster) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakePoster) delivered() []models.Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []models.Reading
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

// fakeReader 按 对象/属性 返回预设值或错误
type fakeReader struct {
	mu     sync.Mutex
	values map[string]fieldbus.RawValue
	errs   map[string]error
	calls  []fieldbus.ReadRequest
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		values: make(map[string]fieldbus.RawValue),
		errs:   make(map[string]error),
	}
}

func readKey(ref fieldbus.PointRef, prop fieldbus.Property) string {
	return ref.String() + "/" + string(prop)
}

func (f *fakeReader) set(ref fieldbus.PointRef, prop fieldbus.Property, v fieldbus.RawValue) {
	f.values[readKey(ref, prop)] = v
}

func (f *fakeReader) fail(ref fieldbus.PointRef, prop fieldbus.Property, err error) {
	f.errs[readKey(ref, prop)] = err
}

func (f *fakeReader) Connect(ctx context.Context) error { return nil }

func (f *fakeReader) Read(ctx context.Context, req fieldbus.ReadRequest) (fieldbus.RawValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)

	key := readKey(req.Object, req.Property)
	if err, ok := f.errs[key]; ok {
		return fieldbus.RawValue{}, err
	}
	if v, ok := f.values[key]; ok {
		return v, nil
	}
	return fieldbus.RawValue{}, fieldbus.ErrPointRead
}

func (f *fakeReader) Connected() bool { return true }

func (f *fakeReader) Close() error { return nil }

// recordingObserver 记录收到的读数
type recordingObserver struct {
	name     string
	err      error
	received [][]models.Reading
	closed   bool
}

func (o *recordingObserver) Name() string { return o.name }

func (o *recordingObserver) Observe(ctx context.Context, readings []models.Reading) error {
	o.received = append(o.received, readings)
	return o.err
}

func (o *recordingObserver) Close() error {
	o.closed = true
	return nil
}

func setupStore(t *testing.T) *repository.ReadingRepository {
	t.Helper()

	db, err := database.NewSQLiteDB(&config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "sensor_data.db")})
	require.NoError(t, err)

	store := repository.NewReadingRepository(db, repository.DialectSQLite, zap.NewNop())
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

var (
	poolTemperature = fieldbus.Point{Name: "pool_temperature", Object: fieldbus.PointRef{Type: fieldbus.AnalogInput, Instance: 1}, Unit: "°C"}
	poolPH          = fieldbus.Point{Name: "pool_ph", Object: fieldbus.PointRef{Type: fieldbus.AnalogInput, Instance: 2}, Unit: "pH"}
	chlorineLevel   = fieldbus.Point{Name: "chlorine_level", Object: fieldbus.PointRef{Type: fieldbus.AnalogInput, Instance: 3}, Unit: "ppm"}
	heatingSetpoint = fieldbus.Point{Name: "heating_setpoint", Object: fieldbus.PointRef{Type: fieldbus.AnalogValue, Instance: 10}, Unit: "°C"}
)
