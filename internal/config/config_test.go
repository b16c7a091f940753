package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 30*time.Second {
		t.Fatalf("UpstreamTimeout 应该自动填充默认值，得到 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.CacheBackend != BackendFS {
		t.Fatalf("默认后端应为 fs，得到 %s", cfg.Global.CacheBackend)
	}
	if !cfg.Global.ServeWorkerScript {
		t.Fatalf("ServeWorkerScript 默认应开启")
	}
	if cfg.Worker.OfflineURL != "/offline" {
		t.Fatalf("OfflineURL 解析错误: %s", cfg.Worker.OfflineURL)
	}
	if len(cfg.Worker.PrecacheURLs) != 4 {
		t.Fatalf("PrecacheURLs 数量错误: %v", cfg.Worker.PrecacheURLs)
	}
}

func TestValidateRejectsMissingOrigin(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateOfflineURLMustBePrecached(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.OfflineURL = "/elsewhere"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("OfflineURL 不在预缓存列表中应报错")
	}
	fieldErr, ok := err.(FieldError)
	if !ok || fieldErr.Field != "Worker.OfflineURL" {
		t.Fatalf("期望 Worker.OfflineURL 字段错误，得到 %v", err)
	}
}

func TestValidateRejectsDuplicatePrecacheURL(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.PrecacheURLs = []string{"/app", "/offline", "/app"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("重复的预缓存 URL 应报错")
	}
}

func TestValidateCacheBackend(t *testing.T) {
	testCases := []struct {
		name      string
		backend   string
		redisAddr string
		shouldErr bool
	}{
		{"fs ok", BackendFS, "", false},
		{"redis ok", BackendRedis, "127.0.0.1:6379", false},
		{"redis without addr", BackendRedis, "", true},
		{"unknown backend", "memcached", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.CacheBackend = tc.backend
			cfg.Global.RedisAddr = tc.redisAddr
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for backend %q", tc.backend)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for backend %q: %v", tc.backend, err)
			}
		})
	}
}

func TestValidateOriginScheme(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.Origin = "ftp://example.com"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("非 http/https 源站应报错")
	}
}

func TestValidateCacheNameRejectsDotSegments(t *testing.T) {
	for _, name := range []string{".", "..", "a/b", `a\b`} {
		cfg := validConfig()
		cfg.Worker.CacheName = name
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("缓存名 %q 应报错", name)
		}
		if !strings.Contains(err.Error(), "CacheName") {
			t.Fatalf("错误应指向 CacheName，得到 %v", err)
		}
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./data",
			CacheBackend:    BackendFS,
			UpstreamTimeout: Duration(time.Second),
			InstallTimeout:  Duration(time.Minute),
		},
		Worker: WorkerConfig{
			Origin:       "http://127.0.0.1:8080",
			CacheName:    "test-cache-v1",
			PrecacheURLs: []string{"/app", "/offline"},
			OfflineURL:   "/offline",
		},
	}
}
