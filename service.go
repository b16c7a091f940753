package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/metrics"
	"github.com/any-hub/offline-hub/internal/network"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/worker"
)

// service 把缓存、网络、生命周期与 Fiber app 串起来，整个进程共享一份实例。
type service struct {
	cfg          *config.Config
	logger       *logrus.Logger
	store        cache.Store
	network      *network.Client
	caches       *cache.Storage
	metrics      *metrics.Metrics
	registration *lifecycle.Registration
	app          *fiber.App

	mu      sync.Mutex
	current atomic.Pointer[config.WorkerConfig]
}

func newService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	origin, err := url.Parse(cfg.Worker.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}

	store, err := openStore(ctx, cfg.Global)
	if err != nil {
		return nil, err
	}

	client := network.NewClient(network.NewHTTPClient(cfg), origin)
	svc := &service{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		network:      client,
		caches:       cache.NewStorage(store, client, origin),
		metrics:      metrics.New(),
		registration: lifecycle.NewRegistration(client, logger),
	}

	var localPaths []string
	if cfg.Global.ServeWorkerScript {
		localPaths = append(localPaths, routes.ScriptPath)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewHandler(svc.registration, origin, logger),
		ListenPort: cfg.Global.ListenPort,
		LocalPaths: localPaths,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.DiagnosticsOptions{
		Registration: svc.registration,
		Caches:       svc.caches,
		Current:      svc.workerOptions,
		Metrics:      svc.metrics,
	})
	if cfg.Global.ServeWorkerScript {
		routes.RegisterScriptRoute(app, svc.workerOptions)
	}
	svc.app = app
	return svc, nil
}

// openStore 按 CacheBackend 选择磁盘或 redis 后端。
func openStore(ctx context.Context, global config.GlobalConfig) (cache.Store, error) {
	if global.UsesRedis() {
		store, err := cache.NewRedisStore(ctx, cache.RedisOptions{
			Addr:     global.RedisAddr,
			DB:       global.RedisDB,
			Password: global.RedisPassword,
			Prefix:   global.RedisPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 redis 缓存失败: %w", err)
		}
		return store, nil
	}
	store, err := cache.NewStore(global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	return store, nil
}

// Install 以 wc 构造新 worker 版本并安装，成功后该版本接管全部请求。
func (s *service) Install(ctx context.Context, wc config.WorkerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts := worker.OptionsFromConfig(wc)
	w := worker.New(opts, s.caches, s.network, s.logger, s.metrics)
	d := lifecycle.NewDispatcher(s.network)
	if err := w.Register(d); err != nil {
		return err
	}

	installCtx, cancel := context.WithTimeout(ctx, s.cfg.Global.InstallTimeout.DurationValue())
	defer cancel()
	if err := s.registration.Register(installCtx, opts.CacheName, d); err != nil {
		return err
	}
	s.current.Store(&wc)
	return nil
}

// Reload 在 [Worker] 段变化时安装新版本；Origin 与全局参数需要重启才能生效。
func (s *service) Reload(ctx context.Context, next *config.Config) {
	fields := logging.WorkerFields("reload", next.Worker.CacheName)
	if prev := s.current.Load(); prev != nil && reflect.DeepEqual(*prev, next.Worker) {
		return
	}
	if next.Worker.Origin != s.cfg.Worker.Origin {
		s.logger.WithFields(fields).
			WithField("origin", next.Worker.Origin).
			Warn("origin change requires restart")
		return
	}
	if err := s.Install(ctx, next.Worker); err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("reload install failed, keeping previous version")
		return
	}
	s.logger.WithFields(fields).Info("worker reloaded")
}

func (s *service) workerOptions() worker.Options {
	if wc := s.current.Load(); wc != nil {
		return worker.OptionsFromConfig(*wc)
	}
	return worker.OptionsFromConfig(s.cfg.Worker)
}

func (s *service) Listen() error {
	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Global.ListenPort))
}

func (s *service) Close() error {
	if closer, ok := s.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
