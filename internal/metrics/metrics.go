// Package metrics 会话、收集流程与运行时启动器共用的 prometheus 指标
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CollectionsTotal 按模式和结果统计的收集次数
	CollectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inspectorlens_collections_total",
		Help: "Total collections by mode and result",
	}, []string{"mode", "result"})

	// CollectionDuration 单次收集耗时
	CollectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inspectorlens_collection_duration_seconds",
		Help:    "Collection duration in seconds, runtime launch included",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	}, []string{"mode"})

	// CommandsTotal 按域和结果统计的命令数
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inspectorlens_commands_total",
		Help: "Total inspector commands by domain and result",
	}, []string{"domain", "result"})

	// CommandDuration 命令往返耗时
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inspectorlens_command_duration_seconds",
		Help:    "Inspector command round trip in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
	}, []string{"domain"})

	// EventsTotal 收到的事件数
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inspectorlens_events_total",
		Help: "Inspector events received by kind",
	}, []string{"kind"})

	// ActiveSessions 当前活跃会话数
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inspectorlens_active_sessions",
		Help: "Inspector sessions currently connected",
	})

	// HTTPRequestsTotal 按路由和状态码统计的 HTTP 请求数
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inspectorlens_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})

	// HTTPRequestDuration HTTP 请求耗时
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inspectorlens_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// RuntimeLaunches 运行时启动次数
	RuntimeLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inspectorlens_runtime_launches_total",
		Help: "Instrumentable runtime launches by result",
	}, []string{"result"})
)

// Result 将错误映射为标签值
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveCommand 记录一次命令
func ObserveCommand(domain string, started time.Time, err error) {
	CommandsTotal.WithLabelValues(domain, Result(err)).Inc()
	CommandDuration.WithLabelValues(domain).Observe(time.Since(started).Seconds())
}

// ObserveCollection 记录一次收集
func ObserveCollection(mode string, started time.Time, err error) {
	CollectionsTotal.WithLabelValues(mode, Result(err)).Inc()
	CollectionDuration.WithLabelValues(mode).Observe(time.Since(started).Seconds())
}
