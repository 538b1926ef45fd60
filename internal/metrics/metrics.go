// Package metrics 会话与工具调用的 Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/javaos74/uipath-mcp-server/internal/models"
)

// Metrics 所有指标注册在独立的 registry 上，测试之间互不影响
type Metrics struct {
	registry *prometheus.Registry

	// ActiveSessions 当前会话数，标签 transport (sse|streamable)
	ActiveSessions *prometheus.GaugeVec

	// SessionsOpened 累计创建的会话数
	SessionsOpened *prometheus.CounterVec

	// AuthFailures 连接鉴权失败次数
	AuthFailures *prometheus.CounterVec

	// ToolCalls 工具调用次数，标签 branch (uipath|builtin), kind (ok 或错误类型)
	ToolCalls *prometheus.CounterVec

	// ToolCallDuration 工具调用耗时（秒），远程作业可能持续数分钟
	ToolCallDuration *prometheus.HistogramVec
}

// New 创建并注册指标
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "uipath_mcp_active_sessions",
				Help: "Number of live MCP sessions by transport",
			},
			[]string{"transport"},
		),
		SessionsOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uipath_mcp_sessions_opened_total",
				Help: "Total number of MCP sessions opened by transport",
			},
			[]string{"transport"},
		),
		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uipath_mcp_auth_failures_total",
				Help: "Total number of rejected MCP connection attempts by transport",
			},
			[]string{"transport"},
		),
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uipath_mcp_tool_calls_total",
				Help: "Total number of tool calls by branch and result kind",
			},
			[]string{"branch", "kind"},
		),
		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "uipath_mcp_tool_call_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"branch"},
		),
	}
}

// Registry 指标所在的 registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 端点
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionOpened(transport string) {
	m.SessionsOpened.WithLabelValues(transport).Inc()
	m.ActiveSessions.WithLabelValues(transport).Inc()
}

func (m *Metrics) SessionClosed(transport string) {
	m.ActiveSessions.WithLabelValues(transport).Dec()
}

func (m *Metrics) AuthFailed(transport string) {
	m.AuthFailures.WithLabelValues(transport).Inc()
}

// ObserveToolCall 记录一次工具调用；未找到的工具没有分支，记为 unknown
func (m *Metrics) ObserveToolCall(branch models.ToolKind, kind string, d time.Duration) {
	label := string(branch)
	if label == "" {
		label = "unknown"
	}
	m.ToolCalls.WithLabelValues(label, kind).Inc()
	m.ToolCallDuration.WithLabelValues(label).Observe(d.Seconds())
}
