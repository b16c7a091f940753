package logging

import "github.com/sirupsen/logrus"

// BaseFields 构造 CLI 启动/校验阶段的通用日志字段。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// WorkerFields 描述一个 Worker 版本（缓存名即版本号）。
func WorkerFields(action, cacheName string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"cache_name": cacheName,
	}
}

// RequestFields 提供请求方法/路径/响应来源字段，供代理请求日志复用。
func RequestFields(method, path, source, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"action": "fetch",
		"method": method,
		"path":   path,
		"source": source,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
