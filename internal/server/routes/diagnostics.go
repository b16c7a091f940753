package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/metrics"
	"github.com/any-hub/offline-hub/internal/worker"
)

// DiagnosticsOptions 汇总 /-/ 诊断接口依赖的组件。
type DiagnosticsOptions struct {
	Registration *lifecycle.Registration
	Caches       *cache.Storage
	// Current 返回当前生效的 worker 参数，配置热加载后随之变化。
	Current func() worker.Options
	Metrics *metrics.Metrics
}

// RegisterDiagnosticsRoutes 暴露 /-/status 与 /-/metrics，供 SRE 查询当前版本与缓存状态。
func RegisterDiagnosticsRoutes(app *fiber.App, opts DiagnosticsOptions) {
	if app == nil || opts.Registration == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := statusPayload{
			History: opts.Registration.History(),
		}
		if active, ok := opts.Registration.Active(); ok {
			payload.Active = &active
		}
		if opts.Current != nil {
			current := opts.Current()
			payload.Worker = &workerPayload{
				CacheName:    current.CacheName,
				PrecacheURLs: current.PrecacheURLs,
				OfflineURL:   current.OfflineURL,
			}
		}
		if opts.Caches != nil {
			names, err := opts.Caches.Keys(c.Context())
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_unavailable"})
			}
			payload.Caches = names
		}
		return c.JSON(payload)
	})

	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))
	}
}

type statusPayload struct {
	Active  *lifecycle.VersionInfo  `json:"active,omitempty"`
	Worker  *workerPayload          `json:"worker,omitempty"`
	Caches  []string                `json:"caches"`
	History []lifecycle.VersionInfo `json:"history"`
}

type workerPayload struct {
	CacheName    string   `json:"cache_name"`
	PrecacheURLs []string `json:"precache_urls"`
	OfflineURL   string   `json:"offline_url"`
}
