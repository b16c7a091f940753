// Package worker 实现离线缓存代理：install 时预取固定资源，fetch 时按
// 缓存 -> 网络 -> 离线页的顺序应答。
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/logging"
)

// SourceHeader 标记响应来自哪一路。
const SourceHeader = "X-Offline-Hub-Source"

// Source 表示一次 fetch 的应答来源。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceOffline Source = "offline"
)

// ErrOfflineUnavailable 表示网络失败且离线页不在缓存中。
var ErrOfflineUnavailable = errors.New("offline fallback not cached")

// Recorder 接收安装与 fetch 结果，metrics.Metrics 满足该接口。
type Recorder interface {
	ObserveFetch(source string)
	ObserveInstall(cacheName string, err error)
}

// Options 是 worker 的静态参数。
type Options struct {
	CacheName    string
	PrecacheURLs []string
	OfflineURL   string
}

// OptionsFromConfig 从 [Worker] 配置段构造 Options。
func OptionsFromConfig(cfg config.WorkerConfig) Options {
	return Options{
		CacheName:    cfg.CacheName,
		PrecacheURLs: append([]string(nil), cfg.PrecacheURLs...),
		OfflineURL:   cfg.OfflineURL,
	}
}

// Worker 持有缓存名、预取列表与离线页，向 Dispatcher 注册 install/fetch 处理器。
type Worker struct {
	opts     Options
	caches   *cache.Storage
	network  lifecycle.Fetcher
	logger   *logrus.Logger
	recorder Recorder
}

// New 构造 Worker；logger 与 recorder 可为 nil。
func New(opts Options, caches *cache.Storage, network lifecycle.Fetcher, logger *logrus.Logger, recorder Recorder) *Worker {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Worker{
		opts:     opts,
		caches:   caches,
		network:  network,
		logger:   logger,
		recorder: recorder,
	}
}

// Options 返回 worker 参数副本。
func (w *Worker) Options() Options {
	opts := w.opts
	opts.PrecacheURLs = append([]string(nil), w.opts.PrecacheURLs...)
	return opts
}

// Register 把两个生命周期处理器挂到 d 上，每个 Dispatcher 只能注册一次。
func (w *Worker) Register(d *lifecycle.Dispatcher) error {
	if err := d.OnInstall(w.handleInstall); err != nil {
		return err
	}
	return d.OnFetch(w.handleFetch)
}

func (w *Worker) handleInstall(e *lifecycle.ExtendableEvent) {
	err := e.WaitUntil(func(ctx context.Context) error {
		err := w.precache(ctx)
		if w.recorder != nil {
			w.recorder.ObserveInstall(w.opts.CacheName, err)
		}
		return err
	})
	if err != nil {
		w.logger.WithFields(logging.WorkerFields("install", w.opts.CacheName)).
			WithError(err).Warn("install_extend_failed")
	}
}

func (w *Worker) precache(ctx context.Context) error {
	bucket, err := w.caches.Open(ctx, w.opts.CacheName)
	if err != nil {
		return err
	}
	if err := bucket.AddAll(ctx, w.opts.PrecacheURLs); err != nil {
		return fmt.Errorf("precache %s: %w", w.opts.CacheName, err)
	}
	w.logger.WithFields(logging.WorkerFields("install", w.opts.CacheName)).
		WithField("urls", len(w.opts.PrecacheURLs)).
		Info("precache_completed")
	return nil
}

func (w *Worker) handleFetch(e *lifecycle.FetchEvent) {
	req := e.Request
	err := e.RespondWith(func(ctx context.Context) (*http.Response, error) {
		resp, source, err := w.respond(ctx, req)
		if w.recorder != nil {
			if err != nil {
				w.recorder.ObserveFetch("error")
			} else {
				w.recorder.ObserveFetch(string(source))
			}
		}
		return resp, err
	})
	if err != nil {
		w.logger.WithFields(logging.WorkerFields("fetch", w.opts.CacheName)).
			WithError(err).
			Debug("respond_with_rejected")
	}
}

// respond 依次尝试缓存、网络与离线页，网络响应不回写缓存。
func (w *Worker) respond(ctx context.Context, req *http.Request) (*http.Response, Source, error) {
	resp, err := w.caches.Match(ctx, req)
	if err == nil {
		return tag(resp, SourceCache), SourceCache, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, "", fmt.Errorf("cache match %s: %w", req.URL, err)
	}

	resp, netErr := w.network.Fetch(ctx, req)
	if netErr == nil {
		return tag(resp, SourceNetwork), SourceNetwork, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, "", ctxErr
	}

	fallback, err := w.caches.MatchURL(ctx, w.opts.OfflineURL)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, "", fmt.Errorf("%w: %w", ErrOfflineUnavailable, netErr)
		}
		return nil, "", fmt.Errorf("offline fallback %s: %w", w.opts.OfflineURL, err)
	}
	w.logger.WithFields(logging.WorkerFields("fetch", w.opts.CacheName)).
		WithField("path", req.URL.Path).
		WithError(netErr).
		Debug("serving_offline_fallback")
	return tag(fallback, SourceOffline), SourceOffline, nil
}

func tag(resp *http.Response, source Source) *http.Response {
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set(SourceHeader, string(source))
	return resp
}
