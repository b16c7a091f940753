package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/worker"
)

// ScriptPath 是浏览器端 service worker 脚本的固定路径。
const ScriptPath = "/sw.js"

// RegisterScriptRoute 以当前 worker 参数渲染 /sw.js。
func RegisterScriptRoute(app *fiber.App, current func() worker.Options) {
	if app == nil || current == nil {
		return
	}

	app.Get(ScriptPath, func(c fiber.Ctx) error {
		script, err := worker.RenderScript(current())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "script_render_failed"})
		}
		c.Set(fiber.HeaderContentType, "application/javascript; charset=utf-8")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set("Service-Worker-Allowed", "/")
		return c.Send(script)
	})
}
