package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"wavy-aggregator/common/config"
)

// 台账后端
const (
	RosterBackendFile     = "file"
	RosterBackendPostgres = "postgres"
)

// Config 聚合器配置
type Config struct {
	// 设备接入
	Aggregator struct {
		ID          string        `yaml:"id"`
		ListenAddr  string        `yaml:"listen_addr"`
		MaxSessions int           `yaml:"max_sessions"` // 0 表示不限制
		IdleTimeout time.Duration `yaml:"idle_timeout"` // 设备连接空闲超时
	} `yaml:"aggregator"`

	// 采集服务上行链路
	Upstream struct {
		Addr              string        `yaml:"addr"`
		Timeout           time.Duration `yaml:"timeout"`            // 单次往返超时
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // 心跳间隔，也是重连节奏
	} `yaml:"upstream"`

	Batch struct {
		MaxFlushInterval time.Duration `yaml:"max_flush_interval"`
		SweepInterval    time.Duration `yaml:"sweep_interval"` // 扫描超时缓冲的间隔
	} `yaml:"batch"`

	// 本地持久化
	Storage struct {
		DataDir string `yaml:"data_dir"`
		FileExt string `yaml:"file_ext"`
		Fsync   bool   `yaml:"fsync"`
	} `yaml:"storage"`

	// 设备台账和预处理策略
	Roster struct {
		Backend    string `yaml:"backend"` // file 或 postgres
		File       string `yaml:"file"`
		PolicyFile string `yaml:"policy_file"`
	} `yaml:"roster"`

	Database config.DatabaseConfig `yaml:"database"`
	Redis    config.RedisConfig    `yaml:"redis"`
	MQTT     config.MQTTConfig     `yaml:"mqtt"`

	// 事件扇出
	Events struct {
		Redis struct {
			Enabled bool   `yaml:"enabled"`
			Stream  string `yaml:"stream"`
			MaxLen  int64  `yaml:"max_len"`
		} `yaml:"redis"`
		MQTT struct {
			Enabled     bool   `yaml:"enabled"`
			TopicPrefix string `yaml:"topic_prefix"`
		} `yaml:"mqtt"`
	} `yaml:"events"`

	Metrics struct {
		Addr string `yaml:"addr"` // 为空时不启动
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load 加载配置：默认值 → AGG_CONFIG_FILE（YAML，可选）→ 环境变量
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("AGG_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}

	cfg.Aggregator.ID = "AGG1"
	cfg.Aggregator.ListenAddr = ":5000"
	cfg.Aggregator.IdleTimeout = 5 * time.Minute

	cfg.Upstream.Addr = "127.0.0.1:6000"
	cfg.Upstream.Timeout = 5 * time.Second
	cfg.Upstream.HeartbeatInterval = 10 * time.Second

	cfg.Batch.MaxFlushInterval = 5 * time.Minute
	cfg.Batch.SweepInterval = 30 * time.Second

	cfg.Storage.DataDir = "data"
	cfg.Storage.FileExt = "csv"
	cfg.Storage.Fsync = true

	cfg.Roster.Backend = RosterBackendFile
	cfg.Roster.File = "wavy_config.csv"
	cfg.Roster.PolicyFile = "preprocess_config.csv"

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "wavy"
	cfg.Database.SSLMode = "disable"

	cfg.Redis.Addr = "localhost:6379"

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "wavy-aggregator"
	cfg.MQTT.QoS = 1

	cfg.Events.Redis.Stream = "wavy:events"
	cfg.Events.Redis.MaxLen = 10000
	cfg.Events.MQTT.TopicPrefix = "wavy"

	cfg.Metrics.Addr = ":9100"

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.Aggregator.ID = config.GetEnv("AGG_ID", cfg.Aggregator.ID)
	cfg.Aggregator.ListenAddr = config.GetEnv("AGG_LISTEN_ADDR", cfg.Aggregator.ListenAddr)
	cfg.Aggregator.MaxSessions = config.GetEnvInt("MAX_SESSIONS", cfg.Aggregator.MaxSessions)
	cfg.Aggregator.IdleTimeout = config.GetEnvDuration("DEVICE_IDLE_TIMEOUT", cfg.Aggregator.IdleTimeout)

	cfg.Upstream.Addr = config.GetEnv("UPSTREAM_ADDR", cfg.Upstream.Addr)
	cfg.Upstream.Timeout = config.GetEnvDuration("UPSTREAM_TIMEOUT", cfg.Upstream.Timeout)
	cfg.Upstream.HeartbeatInterval = config.GetEnvDuration("HEARTBEAT_INTERVAL", cfg.Upstream.HeartbeatInterval)

	cfg.Batch.MaxFlushInterval = config.GetEnvDuration("MAX_FLUSH_INTERVAL", cfg.Batch.MaxFlushInterval)
	cfg.Batch.SweepInterval = config.GetEnvDuration("FLUSH_SWEEP_INTERVAL", cfg.Batch.SweepInterval)

	cfg.Storage.DataDir = config.GetEnv("DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.FileExt = config.GetEnv("DATA_FILE_EXT", cfg.Storage.FileExt)
	cfg.Storage.Fsync = config.GetEnvBool("DATA_FSYNC", cfg.Storage.Fsync)

	cfg.Roster.Backend = config.GetEnv("ROSTER_BACKEND", cfg.Roster.Backend)
	cfg.Roster.File = config.GetEnv("ROSTER_FILE", cfg.Roster.File)
	cfg.Roster.PolicyFile = config.GetEnv("POLICY_FILE", cfg.Roster.PolicyFile)

	cfg.Database.LoadFromEnv("DB")
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Events.Redis.Enabled = config.GetEnvBool("EVENTS_REDIS_ENABLED", cfg.Events.Redis.Enabled)
	cfg.Events.Redis.Stream = config.GetEnv("EVENTS_STREAM", cfg.Events.Redis.Stream)
	cfg.Events.MQTT.Enabled = config.GetEnvBool("EVENTS_MQTT_ENABLED", cfg.Events.MQTT.Enabled)
	cfg.Events.MQTT.TopicPrefix = config.GetEnv("EVENTS_MQTT_TOPIC_PREFIX", cfg.Events.MQTT.TopicPrefix)

	// METRICS_ADDR 显式设为空串时关闭指标端口
	if addr, ok := os.LookupEnv("METRICS_ADDR"); ok {
		cfg.Metrics.Addr = addr
	}

	cfg.Log.Level = config.GetEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = config.GetEnv("LOG_FORMAT", cfg.Log.Format)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Aggregator.ID == "" {
		return fmt.Errorf("AGG_ID is required")
	}
	if c.Aggregator.MaxSessions < 0 {
		return fmt.Errorf("MAX_SESSIONS must not be negative, got %d", c.Aggregator.MaxSessions)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive")
	}
	if c.Upstream.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.Batch.MaxFlushInterval <= 0 {
		return fmt.Errorf("MAX_FLUSH_INTERVAL must be positive")
	}
	if c.Batch.SweepInterval <= 0 {
		return fmt.Errorf("FLUSH_SWEEP_INTERVAL must be positive")
	}
	switch c.Roster.Backend {
	case RosterBackendFile, RosterBackendPostgres:
	default:
		return fmt.Errorf("unsupported roster backend: %s", c.Roster.Backend)
	}
	return nil
}
