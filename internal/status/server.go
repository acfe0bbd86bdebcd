package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"owl-field-agent/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const statsTimeout = 5 * time.Second

// StatsProvider 缓冲统计来源（可被并发调用）
type StatsProvider interface {
	Stats(ctx context.Context) (models.StoreStats, error)
}

// Server 本地状态接口：/healthz、/stats、/metrics
type Server struct {
	server   *http.Server
	stats    StatsProvider
	state    func() string
	session  func() bool
	deviceID string
	logger   *zap.Logger
}

// NewServer 创建状态接口
// state 返回服务当前状态名；session 报告现场会话是否在线（可为 nil）
// 状态为 "running" 且会话在线才视为健康
func NewServer(addr, deviceID string, stats StatsProvider, state func() string, session func() bool, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	s := &Server{
		stats:    stats,
		state:    state,
		session:  session,
		deviceID: deviceID,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler 路由（测试用）
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start 监听并在后台提供服务
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}

	s.logger.Info("Status server listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status            string `json:"status"`
	State             string `json:"state"`
	DeviceID          string `json:"device_id"`
	FieldbusConnected bool   `json:"fieldbus_connected"`
}

type statsResponse struct {
	DeviceID string            `json:"device_id"`
	State    string            `json:"state"`
	Store    models.StoreStats `json:"store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.state()
	connected := s.session == nil || s.session()
	resp := healthResponse{Status: "ok", State: state, DeviceID: s.deviceID, FieldbusConnected: connected}
	code := http.StatusOK
	if state != "running" || !connected {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
	defer cancel()

	stats, err := s.stats.Stats(ctx)
	if err != nil {
		s.logger.Warn("Failed to get store stats", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get stats"})
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		DeviceID: s.deviceID,
		State:    s.state(),
		Store:    stats,
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("Status request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
