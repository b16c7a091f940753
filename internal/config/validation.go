package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch g.CacheBackend {
	case BackendFS:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case BackendRedis:
		if strings.TrimSpace(g.RedisAddr) == "" {
			return newFieldError("Global.RedisAddr", "redis 后端必须配置地址")
		}
	default:
		return newFieldError("Global.CacheBackend", "仅支持 fs|redis")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallTimeout.DurationValue() <= 0 {
		return newFieldError("Global.InstallTimeout", "必须大于 0")
	}

	return c.Worker.validate()
}

func (w WorkerConfig) validate() error {
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("%s: %w", workerField("Origin"), err)
	}
	if w.CacheName == "" {
		return newFieldError(workerField("CacheName"), "不能为空")
	}
	if w.CacheName == "." || w.CacheName == ".." {
		return newFieldError(workerField("CacheName"), "不能为 . 或 ..")
	}
	if strings.ContainsAny(w.CacheName, `/\`) {
		return newFieldError(workerField("CacheName"), "不允许包含路径分隔符")
	}
	if len(w.PrecacheURLs) == 0 {
		return newFieldError(workerField("PrecacheURLs"), "至少需要一个 URL")
	}

	seen := make(map[string]struct{}, len(w.PrecacheURLs))
	for _, raw := range w.PrecacheURLs {
		if _, err := url.Parse(raw); err != nil {
			return newFieldError(workerField("PrecacheURLs"), fmt.Sprintf("非法 URL %q", raw))
		}
		if _, exists := seen[raw]; exists {
			return newFieldError(workerField("PrecacheURLs"), fmt.Sprintf("重复 URL %q", raw))
		}
		seen[raw] = struct{}{}
	}

	if w.OfflineURL == "" {
		return newFieldError(workerField("OfflineURL"), "不能为空")
	}
	if _, ok := seen[w.OfflineURL]; !ok {
		return newFieldError(workerField("OfflineURL"), "必须出现在 PrecacheURLs 中")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}
