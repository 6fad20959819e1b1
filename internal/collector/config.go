package collector

import (
	"wavy-aggregator/common/config"
)

// Config 采集服务配置
type Config struct {
	ListenAddr string
	DataDir    string
	FileExt    string
	Fsync      bool

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载采集服务配置
func Load() *Config {
	cfg := &Config{}
	cfg.ListenAddr = config.GetEnv("COLLECTOR_LISTEN_ADDR", ":6000")
	cfg.DataDir = config.GetEnv("COLLECTOR_DATA_DIR", "server_data")
	cfg.FileExt = config.GetEnv("COLLECTOR_FILE_EXT", "csv")
	cfg.Fsync = config.GetEnvBool("COLLECTOR_FSYNC", false)

	cfg.Log.Level = config.GetEnv("LOG_LEVEL", "info")
	cfg.Log.Format = config.GetEnv("LOG_FORMAT", "json")
	return cfg
}
