package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 缓存后端取值。
const (
	BackendFS    = "fs"
	BackendRedis = "redis"
)

// GlobalConfig 描述进程级运行时行为。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	StoragePath       string   `mapstructure:"StoragePath"`
	CacheBackend      string   `mapstructure:"CacheBackend"`
	RedisAddr         string   `mapstructure:"RedisAddr"`
	RedisDB           int      `mapstructure:"RedisDB"`
	RedisPassword     string   `mapstructure:"RedisPassword"`
	RedisPrefix       string   `mapstructure:"RedisPrefix"`
	UpstreamTimeout   Duration `mapstructure:"UpstreamTimeout"`
	InstallTimeout    Duration `mapstructure:"InstallTimeout"`
	WatchConfig       bool     `mapstructure:"WatchConfig"`
	ServeWorkerScript bool     `mapstructure:"ServeWorkerScript"`
}

// WorkerConfig 对应 [Worker] 段：缓存名、预缓存列表与离线兜底页面。
type WorkerConfig struct {
	Origin       string   `mapstructure:"Origin"`
	CacheName    string   `mapstructure:"CacheName"`
	PrecacheURLs []string `mapstructure:"PrecacheURLs"`
	OfflineURL   string   `mapstructure:"OfflineURL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:"Worker"`
}

// Version 返回当前 Worker 配置对应的版本标识，缓存名即版本。
func (w WorkerConfig) Version() string {
	return w.CacheName
}

// UsesRedis 表示是否启用 redis 缓存后端。
func (g GlobalConfig) UsesRedis() bool {
	return strings.EqualFold(g.CacheBackend, BackendRedis)
}
