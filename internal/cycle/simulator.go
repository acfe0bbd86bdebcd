package cycle

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"owl-field-agent/internal/fieldbus"
)

// SourceSimulated 模拟数据来源标记
const SourceSimulated = "simulated"

// simulatedPriorities 常见的 BACnet 写入优先级
var simulatedPriorities = []int{8, 10, 12, 16}

type valueRange struct {
	min, max float64
}

// unitRanges 按单位给出合理的模拟值范围
var unitRanges = map[string]valueRange{
	"°C":   {20, 30},
	"pH":   {7.0, 7.8},
	"ppm":  {1.0, 3.0},
	"bar":  {1.0, 2.5},
	"m³/h": {10, 50},
	"%":    {40, 60},
	"kPa":  {100, 102},
}

var defaultRange = valueRange{0, 100}

// Simulator 确定性模拟读取器（同一种子产生相同序列）
// 仅在显式开启模拟模式时使用
type Simulator struct {
	mu        sync.Mutex
	rng       *rand.Rand
	ranges    map[fieldbus.PointRef]valueRange
	last      map[fieldbus.PointRef]float64
	connected atomic.Bool
}

// NewSimulator 创建模拟读取器
func NewSimulator(seed int64, points []fieldbus.Point) *Simulator {
	ranges := make(map[fieldbus.PointRef]valueRange, len(points))
	for _, p := range points {
		r, ok := unitRanges[p.Unit]
		if !ok {
			r = defaultRange
		}
		ranges[p.Object] = r
	}

	return &Simulator{
		rng:    rand.New(rand.NewSource(seed)),
		ranges: ranges,
		last:   make(map[fieldbus.PointRef]float64),
	}
}

// Source 数据来源
func (s *Simulator) Source() string {
	return SourceSimulated
}

// Connect 模拟会话始终成功
func (s *Simulator) Connect(ctx context.Context) error {
	s.connected.Store(true)
	return nil
}

// Read 生成模拟值；priority-array 在最近一次 present-value 所在优先级填值
func (s *Simulator) Read(ctx context.Context, req fieldbus.ReadRequest) (fieldbus.RawValue, error) {
	if err := ctx.Err(); err != nil {
		return fieldbus.RawValue{}, err
	}
	if !s.connected.Load() {
		return fieldbus.RawValue{}, fieldbus.ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Property {
	case fieldbus.PriorityArray:
		value, ok := s.last[req.Object]
		if !ok {
			value = s.next(req.Object)
		}
		active := simulatedPriorities[s.rng.Intn(len(simulatedPriorities))]

		slots := make([]fieldbus.RawValue, 16)
		for i := range slots {
			slots[i] = fieldbus.Null()
		}
		slots[active-1] = fieldbus.Number(value)
		return fieldbus.Sequence(slots...), nil

	default:
		value := s.next(req.Object)
		s.last[req.Object] = value
		return fieldbus.Number(value), nil
	}
}

// Connected 会话状态
func (s *Simulator) Connected() bool {
	return s.connected.Load()
}

// Close 结束会话
func (s *Simulator) Close() error {
	s.connected.Store(false)
	return nil
}

func (s *Simulator) next(ref fieldbus.PointRef) float64 {
	r, ok := s.ranges[ref]
	if !ok {
		r = defaultRange
	}
	v := r.min + s.rng.Float64()*(r.max-r.min)
	return math.Round(v*100) / 100
}
