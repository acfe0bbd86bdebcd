package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	"owl-field-agent/common/config"
	"owl-field-agent/internal/fieldbus"
)

// Config 现场采集代理配置
type Config struct {
	Device struct {
		ID   string // 上报时的 device_id
		Name string
	}

	API struct {
		URL          string // 批量上传地址，如 "http://host/api/sensor-data"
		HealthURL    string
		HeartbeatURL string
		ConfigURL    string
		Token        string
		Timeout      time.Duration
	}

	Schedule struct {
		ReadInterval      time.Duration
		PostInterval      time.Duration
		HeartbeatInterval time.Duration
		RetentionDays     int
	}

	Fieldbus struct {
		TargetIP    string
		TargetPort  int
		DeviceID    uint32
		GatewayURL  string // HTTP/JSON BACnet 网关
		ReadTimeout time.Duration
	}

	Store struct {
		Driver   string // sqlite | postgres
		SQLite   config.SQLiteConfig
		Postgres config.DatabaseConfig
	}

	Redis struct {
		config.RedisConfig
		Enabled      bool
		LatestTTL    time.Duration
		KeyPrefix    string
		Stream       string // 为空时不镜像到 Stream
		StreamMaxLen int64
	}

	MQTT struct {
		config.MQTTConfig
		Enabled     bool
		TopicPrefix string
	}

	Status struct {
		Addr string // 为空时不启动状态接口
	}

	PointsFile string
	Points     []fieldbus.Point

	SimulateMode bool
	SimulateSeed int64 // 模拟器种子，同一设备每次运行生成相同序列
	Debug        bool

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.Device.ID = getEnv("DEVICE_ID", "raspberry-pi-001")
	cfg.Device.Name = getEnv("DEVICE_NAME", "AquaticCenter-Pi-001")

	cfg.API.URL = getEnv("API_URL", "http://localhost:8000/api/sensor-data")
	cfg.API.HealthURL = getEnv("API_HEALTH_URL", strings.Replace(cfg.API.URL, "/sensor-data", "/health", 1))
	cfg.API.HeartbeatURL = getEnv("API_HEARTBEAT_URL", strings.Replace(cfg.API.URL, "/sensor-data", "/heartbeat", 1))
	cfg.API.ConfigURL = getEnv("API_CONFIG_URL", "http://localhost:8000/api/device/config")
	cfg.API.Token = getEnv("API_TOKEN", "")
	if cfg.API.Timeout, err = getEnvSeconds("API_TIMEOUT", 30); err != nil {
		return nil, err
	}

	if cfg.Schedule.ReadInterval, err = getEnvSeconds("READ_INTERVAL", 30); err != nil {
		return nil, err
	}
	if cfg.Schedule.PostInterval, err = getEnvSeconds("POST_INTERVAL", 300); err != nil {
		return nil, err
	}
	if cfg.Schedule.HeartbeatInterval, err = getEnvSeconds("HEARTBEAT_INTERVAL", 300); err != nil {
		return nil, err
	}
	if cfg.Schedule.RetentionDays, err = getEnvInt("RETENTION_DAYS", 7); err != nil {
		return nil, err
	}

	cfg.Fieldbus.TargetIP = getEnv("TARGET_DEVICE_IP", "192.168.1.100")
	if cfg.Fieldbus.TargetPort, err = getEnvInt("TARGET_DEVICE_PORT", 47808); err != nil {
		return nil, err
	}
	deviceID, err := getEnvInt("TARGET_DEVICE_ID", 100)
	if err != nil {
		return nil, err
	}
	if deviceID < 0 || deviceID > 4194303 {
		return nil, fmt.Errorf("TARGET_DEVICE_ID out of range: %d", deviceID)
	}
	cfg.Fieldbus.DeviceID = uint32(deviceID)
	cfg.Fieldbus.GatewayURL = getEnv("BACNET_GATEWAY_URL", "http://localhost:47900")
	if cfg.Fieldbus.ReadTimeout, err = getEnvSeconds("BACNET_READ_TIMEOUT", 5); err != nil {
		return nil, err
	}

	cfg.Store.Driver = strings.ToLower(getEnv("STORE_DRIVER", "sqlite"))
	cfg.Store.SQLite.Path = getEnv("DB_PATH", "./data/sensor_data.db")
	cfg.Store.Postgres.Host = "localhost"
	cfg.Store.Postgres.Port = 5432
	cfg.Store.Postgres.User = "postgres"
	cfg.Store.Postgres.Password = "postgres"
	cfg.Store.Postgres.Database = "owl_field"
	cfg.Store.Postgres.SSLMode = "disable"
	cfg.Store.Postgres.LoadFromEnv("DB")

	cfg.Redis.Enabled = getEnvBool("REDIS_ENABLED", false)
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.RedisConfig.LoadFromEnv("REDIS")
	if cfg.Redis.LatestTTL, err = getEnvSeconds("LATEST_CACHE_TTL", 900); err != nil {
		return nil, err
	}
	cfg.Redis.KeyPrefix = getEnv("REDIS_KEY_PREFIX", "owl-field:latest:")
	cfg.Redis.Stream = getEnv("REDIS_STREAM", "")
	maxLen, err := getEnvInt("REDIS_STREAM_MAXLEN", 10000)
	if err != nil {
		return nil, err
	}
	cfg.Redis.StreamMaxLen = int64(maxLen)

	cfg.MQTT.Enabled = getEnvBool("MQTT_ENABLED", false)
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "owl-field-agent-" + cfg.Device.ID
	cfg.MQTT.MQTTConfig.LoadFromEnv("MQTT")
	cfg.MQTT.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", "owl-field")

	cfg.Status.Addr = getEnv("STATUS_ADDR", ":9108")

	cfg.SimulateMode = getEnvBool("SIMULATE_MODE", false)
	if seed := os.Getenv("SIMULATE_SEED"); seed != "" {
		if cfg.SimulateSeed, err = strconv.ParseInt(strings.TrimSpace(seed), 10, 64); err != nil {
			return nil, fmt.Errorf("invalid SIMULATE_SEED %q: %w", seed, err)
		}
	} else {
		cfg.SimulateSeed = DeviceSeed(cfg.Device.ID)
	}
	cfg.Debug = getEnvBool("DEBUG", false)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.PointsFile = getEnv("POINTS_FILE", "")
	if err := cfg.LoadPoints(cfg.PointsFile); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadPoints 加载点位定义；path 为空时使用默认泳池点位
func (c *Config) LoadPoints(path string) error {
	c.PointsFile = path
	if path == "" {
		c.Points = DefaultPoints()
		return nil
	}

	points, err := LoadPointsFile(path)
	if err != nil {
		return err
	}
	c.Points = points
	return nil
}

// Validate 校验关键配置
func (c *Config) Validate() error {
	var errs []error

	if c.API.Token == "" && !c.Debug {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}
	if c.Device.ID == "" {
		errs = append(errs, errors.New("DEVICE_ID is required"))
	}
	if c.API.URL == "" {
		errs = append(errs, errors.New("API_URL is required"))
	}
	if c.Schedule.ReadInterval <= 0 {
		errs = append(errs, errors.New("READ_INTERVAL must be positive"))
	}
	if c.Schedule.PostInterval <= 0 {
		errs = append(errs, errors.New("POST_INTERVAL must be positive"))
	}
	if c.Schedule.RetentionDays <= 0 {
		errs = append(errs, errors.New("RETENTION_DAYS must be positive"))
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			errs = append(errs, errors.New("DB_PATH is required for sqlite store"))
		}
	case "postgres":
		if c.Store.Postgres.Host == "" {
			errs = append(errs, errors.New("DB_HOST is required for postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver))
	}

	if !c.SimulateMode && c.Fieldbus.GatewayURL == "" {
		errs = append(errs, errors.New("BACNET_GATEWAY_URL is required unless SIMULATE_MODE is set"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required when REDIS_ENABLED"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("MQTT_BROKER is required when MQTT_ENABLED"))
	}

	if len(c.Points) == 0 {
		errs = append(errs, errors.New("no points configured"))
	}
	seen := make(map[string]bool, len(c.Points))
	for _, p := range c.Points {
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate point name %q", p.Name))
		}
		seen[p.Name] = true
	}

	return errors.Join(errs...)
}

// DeviceAddress 目标设备地址 ip:port
func (c *Config) DeviceAddress() string {
	return fmt.Sprintf("%s:%d", c.Fieldbus.TargetIP, c.Fieldbus.TargetPort)
}

// Retention 已上传读数的保留期
// DeviceSeed 由设备 ID 推导的默认模拟器种子
func DeviceSeed(deviceID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(deviceID))
	return int64(h.Sum64() &^ (1 << 63))
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Schedule.RetentionDays) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func getEnvSeconds(key string, defaultSeconds int) (time.Duration, error) {
	v, err := getEnvInt(key, defaultSeconds)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return v
}
