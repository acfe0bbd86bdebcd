package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"owl-field-agent/common/logger"
	"owl-field-agent/internal/config"
	"owl-field-agent/internal/service"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// shutdownTimeout 等待最后一次同步和资源释放的上限
const shutdownTimeout = 90 * time.Second

func main() {
	var (
		pointsFile  string
		simulate    bool
		logLevel    string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("owl-field-agent", pflag.ContinueOnError)
	flagSet.StringVar(&pointsFile, "points", "", "YAML file with point definitions (overrides POINTS_FILE)")
	flagSet.BoolVar(&simulate, "simulate", false, "use simulated readings instead of the field device")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Println("owl-field-agent", service.Version)
		return
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if pointsFile != "" {
		if err := cfg.LoadPoints(pointsFile); err != nil {
			log.Fatalf("Failed to load points: %v", err)
		}
	}
	if flagSet.Changed("simulate") {
		cfg.SimulateMode = simulate
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "owl-field-agent")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	// 创建服务
	agent, err := service.NewAgentService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create agent service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := agent.Start(ctx); err != nil {
		zapLogger.Error("Failed to start agent service", zap.Error(err))
		zapLogger.Sync()
		os.Exit(1)
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case <-agent.Done():
		zapLogger.Warn("Agent stopped unexpectedly")
	}

	// 优雅关闭
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := agent.Stop(stopCtx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}
