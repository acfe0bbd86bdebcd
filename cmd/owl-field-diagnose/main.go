package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"owl-field-agent/common/logger"
	"owl-field-agent/internal/cache"
	"owl-field-agent/internal/config"
	"owl-field-agent/internal/cycle"
	"owl-field-agent/internal/models"
	"owl-field-agent/internal/service"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// diagnoseTimeout 整个诊断流程的上限
const diagnoseTimeout = 2 * time.Minute

func main() {
	var (
		pointsFile string
		simulate   bool
		logLevel   string
		skipStore  bool
	)

	flagSet := pflag.NewFlagSet("owl-field-diagnose", pflag.ContinueOnError)
	flagSet.StringVar(&pointsFile, "points", "", "YAML file with point definitions (overrides POINTS_FILE)")
	flagSet.BoolVar(&simulate, "simulate", false, "use simulated readings instead of the field device")
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level for diagnostic output")
	flagSet.BoolVar(&skipStore, "skip-store", false, "do not open the local reading store")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

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

	zapLogger, err := logger.NewLogger(logLevel, "console", "owl-field-diagnose")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), diagnoseTimeout)
	defer cancel()

	failures := run(ctx, cfg, skipStore, zapLogger)
	if failures > 0 {
		fmt.Printf("\n%d check(s) failed\n", failures)
		zapLogger.Sync()
		os.Exit(1)
	}
	fmt.Println("\nAll checks passed")
}

// run 依次执行诊断步骤，返回失败项数量
func run(ctx context.Context, cfg *config.Config, skipStore bool, zapLogger *zap.Logger) int {
	failures := 0

	fmt.Println("=== Configuration ===")
	fmt.Printf("  device:        %s (%s)\n", cfg.Device.ID, cfg.Device.Name)
	fmt.Printf("  api:           %s\n", cfg.API.URL)
	fmt.Printf("  field device:  %s id=%d\n", cfg.DeviceAddress(), cfg.Fieldbus.DeviceID)
	fmt.Printf("  gateway:       %s\n", cfg.Fieldbus.GatewayURL)
	fmt.Printf("  simulate:      %t\n", cfg.SimulateMode)
	fmt.Printf("  points:        %d\n", len(cfg.Points))
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  [FAIL] %v\n", err)
		failures++
	}

	fmt.Println("\n=== Collection API ===")
	apiClient := service.NewAPIClient(cfg, zapLogger)
	if apiClient.HealthCheck(ctx) {
		fmt.Println("  [OK]   health endpoint reachable")
	} else {
		fmt.Printf("  [FAIL] cannot reach %s\n", cfg.API.HealthURL)
		failures++
	}

	fmt.Println("\n=== Field device ===")
	reader := service.NewReader(cfg, zapLogger)
	defer reader.Close()

	if err := reader.Connect(ctx); err != nil {
		fmt.Printf("  [FAIL] %v\n", err)
		return failures + 1
	}
	fmt.Println("  [OK]   session established")

	readCycle := cycle.NewReadCycle(reader, nil, cfg.Points, cfg.DeviceAddress(), nil, zapLogger)
	readings, err := readCycle.Sample(ctx)
	if err != nil {
		fmt.Printf("  [FAIL] %v\n", err)
		return failures + 1
	}

	byName := make(map[string]models.Reading, len(readings))
	for _, r := range readings {
		byName[r.SensorName] = r
	}
	for _, p := range cfg.Points {
		r, ok := byName[p.Name]
		if !ok {
			fmt.Printf("  [FAIL] %-20s %s no value\n", p.Name, p.Object)
			failures++
			continue
		}
		fmt.Printf("  [OK]   %-20s %s %10.2f %-6s priority=%s\n",
			p.Name, p.Object, r.Value, r.Unit, formatPriority(r.ActivePriority))
	}

	failures += checkLatestCache(ctx, cfg, zapLogger)

	if skipStore {
		return failures
	}

	fmt.Println("\n=== Local store ===")
	store, err := service.OpenStore(cfg, zapLogger)
	if err != nil {
		fmt.Printf("  [FAIL] %v\n", err)
		return failures + 1
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		fmt.Printf("  [FAIL] %v\n", err)
		return failures + 1
	}
	fmt.Printf("  total=%d pending=%d delivered=%d\n", stats.Total, stats.Unposted, stats.Posted)

	return failures
}

// checkLatestCache 显示运行中的代理最近缓存的各点位读数
func checkLatestCache(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) int {
	if !cfg.Redis.Enabled {
		return 0
	}

	fmt.Println("\n=== Latest-value cache ===")
	latest, err := service.NewLatestCache(cfg, zapLogger)
	if err != nil {
		fmt.Printf("  [FAIL] %v\n", err)
		return 1
	}
	defer latest.Close()

	for _, p := range cfg.Points {
		r, err := latest.Latest(ctx, p.Name)
		switch {
		case errors.Is(err, cache.ErrCacheMiss):
			fmt.Printf("  [--]   %-20s not cached\n", p.Name)
		case err != nil:
			fmt.Printf("  [FAIL] %-20s %v\n", p.Name, err)
			return 1
		default:
			fmt.Printf("  [OK]   %-20s %10.2f %-6s age=%s\n",
				p.Name, r.Value, r.Unit, time.Since(r.Timestamp).Round(time.Second))
		}
	}
	return 0
}

func formatPriority(p *int) string {
	if p == nil {
		return "-"
	}
	return strconv.Itoa(*p)
}
