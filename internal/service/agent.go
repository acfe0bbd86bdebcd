package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"owl-field-agent/internal/config"
	"owl-field-agent/internal/cycle"
	"owl-field-agent/internal/fieldbus"
	"owl-field-agent/internal/metrics"
	"owl-field-agent/internal/status"

	"go.uber.org/zap"
)

// Version 代理版本
const Version = "1.0.0"

// finalSyncGrace 关闭时最后一次同步在客户端超时之外的额外时间
const finalSyncGrace = 5 * time.Second

// Store 本地缓冲及其生命周期
type Store interface {
	cycle.ReadingStore
	Close() error
}

// APIClient 采集 API 能力
type APIClient interface {
	cycle.BatchPoster
	HealthCheck(ctx context.Context) bool
	Heartbeat(ctx context.Context, deviceID string) error
	FetchDeviceConfig(ctx context.Context, deviceID string) (map[string]any, error)
}

// Dependencies 服务依赖（测试时注入）
type Dependencies struct {
	Reader    fieldbus.Reader
	Store     Store
	Client    APIClient
	Observers []cycle.Observer
	Metrics   *metrics.Metrics
}

// AgentService 现场采集代理：读取 → 本地缓冲 → 批量同步
// 读取与同步在同一个循环中串行执行，互不重入
type AgentService struct {
	config    *config.Config
	logger    *zap.Logger
	reader    fieldbus.Reader
	store     Store
	client    APIClient
	observers []cycle.Observer
	metrics   *metrics.Metrics
	status    *status.Server

	readCycle *cycle.ReadCycle
	syncCycle *cycle.SyncCycle

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// newAgentService 用给定依赖组装服务
func newAgentService(cfg *config.Config, deps Dependencies, logger *zap.Logger) *AgentService {
	readCycle := cycle.NewReadCycle(deps.Reader, deps.Store, cfg.Points, cfg.DeviceAddress(), deps.Metrics, logger)
	for _, o := range deps.Observers {
		readCycle.AddObserver(o)
	}

	s := &AgentService{
		config:    cfg,
		logger:    logger,
		reader:    deps.Reader,
		store:     deps.Store,
		client:    deps.Client,
		observers: deps.Observers,
		metrics:   deps.Metrics,
		readCycle: readCycle,
		syncCycle: cycle.NewSyncCycle(deps.Store, deps.Client, cfg.Device.ID, cfg.Retention(), deps.Metrics, logger),
		now:       time.Now,
	}
	s.state.Store(int32(StateStopped))
	return s
}

// State 当前状态（可并发读取）
func (s *AgentService) State() State {
	return State(s.state.Load())
}

func (s *AgentService) setState(state State) {
	prev := State(s.state.Swap(int32(state)))
	if prev != state {
		s.logger.Debug("Agent state changed",
			zap.String("from", prev.String()),
			zap.String("to", state.String()),
		)
	}
}

// Start 建立现场会话并在后台启动主循环
// 会话建立失败直接返回错误（模拟模式需显式开启）
func (s *AgentService) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateConnecting)) {
		return errors.New("agent already started")
	}

	s.logStartup(ctx)

	if s.status != nil {
		if err := s.status.Start(ctx); err != nil {
			s.logger.Warn("Failed to start status server", zap.Error(err))
			s.status = nil
		}
	}

	if err := s.reader.Connect(ctx); err != nil {
		s.logger.Error("Cannot start: fieldbus connection failed", zap.Error(err))
		s.logger.Info("Hint: set SIMULATE_MODE=true to run without a field device")
		s.release()
		s.setState(StateStopped)
		return fmt.Errorf("failed to connect fieldbus session: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.setState(StateRunning)

	if s.config.Schedule.HeartbeatInterval > 0 {
		s.wg.Add(1)
		go s.heartbeatLoop(runCtx)
	}

	go func() {
		defer close(s.done)
		s.loop(runCtx)
		s.shutdown()
	}()

	s.logger.Info("Service started successfully", zap.String("source", s.readCycle.Source()))
	return nil
}

// Stop 停止主循环并等待关闭流程完成
func (s *AgentService) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for agent shutdown: %w", ctx.Err())
	}
}

// Done 主循环及关闭流程结束后关闭
func (s *AgentService) Done() <-chan struct{} {
	return s.done
}

// loop 读取 → 到期同步 → 休眠至下个读取周期
func (s *AgentService) loop(ctx context.Context) {
	var lastSync time.Time // 零值：启动后第一个周期即同步积压数据

	for {
		if ctx.Err() != nil {
			return
		}
		cycleStart := s.now()

		if _, err := s.readCycle.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Read cycle failed", zap.Error(err))
		}

		if ctx.Err() == nil && s.now().Sub(lastSync) >= s.config.Schedule.PostInterval {
			if _, err := s.syncCycle.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Sync cycle failed", zap.Error(err))
			}
			lastSync = s.now()
		}

		wait := s.config.Schedule.ReadInterval - s.now().Sub(cycleStart)
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// shutdown 最后一次同步，然后释放资源
func (s *AgentService) shutdown() {
	s.setState(StateShuttingDown)
	s.logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.API.Timeout+finalSyncGrace)
	defer cancel()

	if _, err := s.syncCycle.Run(ctx); err != nil {
		s.logger.Warn("Final sync failed, readings stay buffered", zap.Error(err))
	}

	s.wg.Wait()

	if err := s.reader.Close(); err != nil {
		s.logger.Warn("Failed to close fieldbus session", zap.Error(err))
	} else {
		s.logger.Info("Fieldbus session closed")
	}

	s.release()
	s.setState(StateStopped)
	s.logger.Info("Shutdown complete")
}

// release 关闭状态接口、旁路消费者和本地缓冲
func (s *AgentService) release() {
	if s.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.status.Stop(ctx); err != nil {
			s.logger.Warn("Failed to stop status server", zap.Error(err))
		}
		cancel()
	}

	for _, o := range s.observers {
		if err := o.Close(); err != nil {
			s.logger.Warn("Failed to close observer", zap.String("observer", o.Name()), zap.Error(err))
		}
	}

	if err := s.store.Close(); err != nil {
		s.logger.Warn("Failed to close reading store", zap.Error(err))
	}
}

// heartbeatLoop 周期性上报存活状态，与读取/同步互不影响
func (s *AgentService) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	send := func() {
		if err := s.client.Heartbeat(ctx, s.config.Device.ID); err != nil && ctx.Err() == nil {
			s.logger.Debug("Heartbeat failed", zap.Error(err))
		}
	}

	send()
	ticker := time.NewTicker(s.config.Schedule.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

func (s *AgentService) logStartup(ctx context.Context) {
	s.logger.Info("Field telemetry agent starting",
		zap.String("version", Version),
		zap.String("device_id", s.config.Device.ID),
		zap.String("device_name", s.config.Device.Name),
		zap.String("api_url", s.config.API.URL),
		zap.Duration("read_interval", s.config.Schedule.ReadInterval),
		zap.Duration("post_interval", s.config.Schedule.PostInterval),
		zap.Bool("simulate_mode", s.config.SimulateMode),
		zap.Int("points", len(s.config.Points)),
		zap.String("go_version", runtime.Version()),
	)

	if s.client.HealthCheck(ctx) {
		s.logger.Info("API server is reachable")
	} else {
		s.logger.Warn("Cannot reach API server, will continue and retry later")
	}

	remote, err := s.client.FetchDeviceConfig(ctx, s.config.Device.ID)
	if err != nil {
		s.logger.Warn("Failed to fetch device config", zap.Error(err))
	} else if remote != nil {
		s.logger.Info("Configuration fetched successfully", zap.Any("config", remote))
	}

	if stats, err := s.store.Stats(ctx); err == nil {
		s.metrics.SetStoreStats(stats.Total, stats.Unposted)
		if stats.Unposted > 0 {
			s.logger.Info("Buffered readings from previous run",
				zap.Int64("pending", stats.Unposted),
				zap.Int64("total", stats.Total),
			)
		}
	}
}
