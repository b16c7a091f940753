package config

import (
	"testing"
	"time"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, `
[Worker]
Origin = "http://127.0.0.1:8080"
CacheName = "app-v1"
`)

	changes := make(chan *Config, 4)
	Watch(path, func(cfg *Config) { changes <- cfg }, nil)

	overwriteConfig(t, path, `
[Worker]
Origin = "http://127.0.0.1:8080"
CacheName = "app-v2"
`)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Worker.CacheName == "app-v2" {
				return
			}
		case <-deadline:
			t.Fatalf("配置写入后未触发重新加载")
		}
	}
}

func TestWatchReportsInvalidConfig(t *testing.T) {
	path := writeTempConfig(t, `
[Worker]
Origin = "http://127.0.0.1:8080"
`)

	failures := make(chan error, 4)
	Watch(path, nil, func(err error) { failures <- err })

	overwriteConfig(t, path, `
[Worker]
Origin = "ftp://127.0.0.1"
`)

	select {
	case err := <-failures:
		if err == nil {
			t.Fatalf("expected a validation error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("无效配置未触发 onError")
	}
}
