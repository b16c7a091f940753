// Package metrics exposes Prometheus counters for worker installs and fetch
// outcomes. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 持有独立的 Registry，避免测试之间重复注册。
type Metrics struct {
	registry *prometheus.Registry
	fetches  *prometheus.CounterVec
	installs *prometheus.CounterVec
}

// New 创建并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_hub",
			Name:      "fetch_total",
			Help:      "Fetch signals by response source (cache, network, offline, error).",
		}, []string{"source"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_hub",
			Name:      "install_total",
			Help:      "Worker installs by cache name and result.",
		}, []string{"cache_name", "result"}),
	}
	m.registry.MustRegister(
		m.fetches,
		m.installs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveFetch 记录一次 fetch 的响应来源。
func (m *Metrics) ObserveFetch(source string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(source).Inc()
}

// ObserveInstall 记录一次安装结果。
func (m *Metrics) ObserveInstall(cacheName string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.installs.WithLabelValues(cacheName, result).Inc()
}

// Registry 返回底层 Registry。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 Prometheus exposition handler。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
