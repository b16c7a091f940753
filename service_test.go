package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/worker"
)

// originStub 模拟被代理的 Web 应用，记录请求次数。
type originStub struct {
	*httptest.Server
	hits atomic.Int64
}

func newOriginStub(t *testing.T, pages map[string]string) *originStub {
	t.Helper()
	stub := &originStub{}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.hits.Add(1)
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(stub.Close)
	return stub
}

func testConfig(t *testing.T, origin string) *config.Config {
	t.Helper()
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:        5000,
			StoragePath:       t.TempDir(),
			CacheBackend:      config.BackendFS,
			UpstreamTimeout:   config.Duration(5 * time.Second),
			InstallTimeout:    config.Duration(10 * time.Second),
			ServeWorkerScript: true,
		},
		Worker: config.WorkerConfig{
			Origin:       origin,
			CacheName:    "app-v1",
			PrecacheURLs: []string{"/app", "/offline"},
			OfflineURL:   "/offline",
		},
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestService(t *testing.T, cfg *config.Config) *service {
	t.Helper()
	svc, err := newService(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("newService error: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func doGet(t *testing.T, svc *service, path string) (*http.Response, string) {
	t.Helper()
	resp, err := svc.app.Test(httptest.NewRequest("GET", "http://localhost:5000"+path, nil))
	if err != nil {
		t.Fatalf("app.Test %s failed: %v", path, err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestServiceOfflineScenario(t *testing.T) {
	origin := newOriginStub(t, map[string]string{
		"/app":     "app shell",
		"/offline": "sem conexão",
		"/fresh":   "fresh page",
	})
	svc := newTestService(t, testConfig(t, origin.URL))

	if err := svc.Install(context.Background(), svc.cfg.Worker); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if got := origin.hits.Load(); got != 2 {
		t.Fatalf("expected 2 precache requests, got %d", got)
	}

	resp, body := doGet(t, svc, "/app")
	if body != "app shell" || resp.Header.Get(worker.SourceHeader) != "cache" {
		t.Fatalf("expected cached app shell, got %q from %s", body, resp.Header.Get(worker.SourceHeader))
	}
	if got := origin.hits.Load(); got != 2 {
		t.Fatalf("cache hit must not reach origin, hits=%d", got)
	}

	resp, body = doGet(t, svc, "/fresh")
	if body != "fresh page" || resp.Header.Get(worker.SourceHeader) != "network" {
		t.Fatalf("expected network page, got %q from %s", body, resp.Header.Get(worker.SourceHeader))
	}
	resp, _ = doGet(t, svc, "/fresh")
	if resp.Header.Get(worker.SourceHeader) != "network" {
		t.Fatalf("network responses must not be written back to cache")
	}

	origin.Close()

	resp, body = doGet(t, svc, "/missing")
	if resp.StatusCode != http.StatusOK || body != "sem conexão" {
		t.Fatalf("expected offline page, got %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get(worker.SourceHeader) != "offline" {
		t.Fatalf("expected offline source, got %s", resp.Header.Get(worker.SourceHeader))
	}
}

func TestServiceInstallFailureLeavesNoActiveVersion(t *testing.T) {
	origin := newOriginStub(t, map[string]string{"/app": "app shell"})
	svc := newTestService(t, testConfig(t, origin.URL))

	if err := svc.Install(context.Background(), svc.cfg.Worker); err == nil {
		t.Fatalf("expected install to fail when /offline is missing")
	}
	if _, ok := svc.registration.Active(); ok {
		t.Fatalf("failed install must not activate a version")
	}

	// 没有激活版本时请求直接走网络。
	resp, body := doGet(t, svc, "/app")
	if body != "app shell" || resp.Header.Get(worker.SourceHeader) != "network" {
		t.Fatalf("expected passthrough to origin, got %q from %s", body, resp.Header.Get(worker.SourceHeader))
	}
}

func TestServiceReloadActivatesNewCacheName(t *testing.T) {
	origin := newOriginStub(t, map[string]string{
		"/app":     "app shell",
		"/offline": "offline",
		"/v2":      "second release",
	})
	svc := newTestService(t, testConfig(t, origin.URL))
	if err := svc.Install(context.Background(), svc.cfg.Worker); err != nil {
		t.Fatalf("install error: %v", err)
	}

	next := *svc.cfg
	next.Worker.CacheName = "app-v2"
	next.Worker.PrecacheURLs = []string{"/v2", "/offline"}
	svc.Reload(context.Background(), &next)

	active, ok := svc.registration.Active()
	if !ok || active.ID != "app-v2" {
		t.Fatalf("expected app-v2 to be active, got %+v", active)
	}
	if got := svc.workerOptions().CacheName; got != "app-v2" {
		t.Fatalf("expected worker options to follow reload, got %s", got)
	}

	names, err := svc.caches.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if strings.Join(names, ",") != "app-v1,app-v2" {
		t.Fatalf("old buckets must be kept, got %v", names)
	}

	_, body := doGet(t, svc, "/sw.js")
	if !strings.Contains(body, `"app-v2"`) {
		t.Fatalf("expected script to carry the reloaded cache name, got %s", body)
	}
}

func TestServiceReloadIgnoresOriginChange(t *testing.T) {
	origin := newOriginStub(t, map[string]string{"/app": "a", "/offline": "o"})
	svc := newTestService(t, testConfig(t, origin.URL))
	if err := svc.Install(context.Background(), svc.cfg.Worker); err != nil {
		t.Fatalf("install error: %v", err)
	}

	next := *svc.cfg
	next.Worker.Origin = "http://other.test"
	next.Worker.CacheName = "app-v9"
	svc.Reload(context.Background(), &next)

	if active, _ := svc.registration.Active(); active.ID != "app-v1" {
		t.Fatalf("origin change must not install a new version, active=%s", active.ID)
	}
}

func TestServiceRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	origin := newOriginStub(t, map[string]string{"/app": "app shell", "/offline": "offline"})

	cfg := testConfig(t, origin.URL)
	cfg.Global.CacheBackend = config.BackendRedis
	cfg.Global.RedisAddr = mr.Addr()
	cfg.Global.RedisPrefix = "test"
	svc := newTestService(t, cfg)

	if err := svc.Install(context.Background(), cfg.Worker); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if !mr.Exists("test:buckets") {
		t.Fatalf("expected bucket index in redis")
	}

	resp, body := doGet(t, svc, "/app")
	if body != "app shell" || resp.Header.Get(worker.SourceHeader) != "cache" {
		t.Fatalf("expected redis-backed cache hit, got %q from %s", body, resp.Header.Get(worker.SourceHeader))
	}
}

func TestServiceStatusEndpoint(t *testing.T) {
	origin := newOriginStub(t, map[string]string{"/app": "a", "/offline": "o"})
	svc := newTestService(t, testConfig(t, origin.URL))
	if err := svc.Install(context.Background(), svc.cfg.Worker); err != nil {
		t.Fatalf("install error: %v", err)
	}

	resp, body := doGet(t, svc, "/-/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, `"app-v1"`) || !strings.Contains(body, `"activated"`) {
		t.Fatalf("unexpected status payload %s", body)
	}
	if origin.hits.Load() != 2 {
		t.Fatalf("diagnostics must not reach origin")
	}
}
