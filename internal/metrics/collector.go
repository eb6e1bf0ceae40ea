// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/types"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。
// 同时实现 longrunning.Metrics、autonomous.Metrics 与 worker.Recorder。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 任务与迭代指标
	jobsTotal         *prometheus.CounterVec
	iterationsTotal   *prometheus.CounterVec
	iterationDuration *prometheus.HistogramVec
	tokensUsed        *prometheus.CounterVec
	tokenCost         *prometheus.CounterVec

	// 工具与摘要指标
	toolCallsTotal    *prometheus.CounterVec
	toolCallDuration  *prometheus.HistogramVec
	toolCallAttempts  *prometheus.HistogramVec
	summarizations    *prometheus.CounterVec
	summarizedTokens  *prometheus.CounterVec
	summarizationGain *prometheus.HistogramVec

	// 自主循环指标
	phaseDuration *prometheus.HistogramVec
	sessionsTotal *prometheus.CounterVec

	// 队列指标
	queueMessagesTotal *prometheus.CounterVec
	queueHandleSeconds *prometheus.HistogramVec
	queueDepth         *prometheus.GaugeVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 任务与迭代指标
	c.jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Job status transitions",
		},
		[]string{"status"},
	)

	c.iterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Total number of iterations",
		},
		[]string{"model", "status"},
	)

	c.iterationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "iteration_duration_seconds",
			Help:      "Iteration duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"model"},
	)

	c.tokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"model", "type"}, // type: prompt, completion
	)

	c.tokenCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cost_total",
			Help:      "Total model cost in USD",
		},
		[]string{"model"},
	)

	// 工具与摘要指标
	c.toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls",
		},
		[]string{"tool", "status"},
	)

	c.toolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tool"},
	)

	c.toolCallAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_attempts",
			Help:      "Attempts per tool call",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
		[]string{"tool"},
	)

	c.summarizations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summarizations_total",
			Help:      "Total number of context summarizations",
		},
		[]string{"model"},
	)

	c.summarizedTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summarized_tokens_saved_total",
			Help:      "Tokens removed from the context by summarization",
		},
		[]string{"model"},
	)

	c.summarizationGain = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "summarization_ratio",
			Help:      "Context size after summarization divided by size before",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		},
		[]string{"model"},
	)

	// 自主循环指标
	c.phaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "autonomous_phase_duration_seconds",
			Help:      "Autonomous loop phase duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"phase"},
	)

	c.sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autonomous_sessions_total",
			Help:      "Autonomous sessions by final status",
		},
		[]string{"status"},
	)

	// 队列指标
	c.queueMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_messages_total",
			Help:      "Processed queue messages by outcome",
		},
		[]string{"outcome"},
	)

	c.queueHandleSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_handle_duration_seconds",
			Help:      "Time spent handling one queue message",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		},
		[]string{"outcome"},
	)

	c.queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queue messages by state",
		},
		[]string{"state"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔁 任务与迭代指标记录
// =============================================================================

// RecordJob 记录任务状态变化
func (c *Collector) RecordJob(status string) {
	c.jobsTotal.WithLabelValues(status).Inc()
}

// RecordIteration 记录一次迭代及其 Token 用量
func (c *Collector) RecordIteration(model, status string, duration time.Duration, usage types.TokenUsage) {
	c.iterationsTotal.WithLabelValues(model, status).Inc()
	c.iterationDuration.WithLabelValues(model).Observe(duration.Seconds())
	c.tokensUsed.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	c.tokensUsed.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
	if usage.Cost > 0 {
		c.tokenCost.WithLabelValues(model).Add(usage.Cost)
	}
}

// =============================================================================
// 🔧 工具与摘要指标记录
// =============================================================================

// RecordToolCall 记录工具调用
func (c *Collector) RecordToolCall(tool string, success bool, attempts int, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	c.toolCallsTotal.WithLabelValues(tool, status).Inc()
	c.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
	c.toolCallAttempts.WithLabelValues(tool).Observe(float64(attempts))
}

// RecordSummarization 记录一次上下文摘要
func (c *Collector) RecordSummarization(model string, tokensBefore, tokensAfter int) {
	c.summarizations.WithLabelValues(model).Inc()
	if saved := tokensBefore - tokensAfter; saved > 0 {
		c.summarizedTokens.WithLabelValues(model).Add(float64(saved))
	}
	if tokensBefore > 0 {
		c.summarizationGain.WithLabelValues(model).Observe(float64(tokensAfter) / float64(tokensBefore))
	}
}

// =============================================================================
// 🧭 自主循环指标记录
// =============================================================================

// RecordPhase 记录自主迭代阶段耗时
func (c *Collector) RecordPhase(phase string, duration time.Duration) {
	c.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordSession 记录会话结束状态
func (c *Collector) RecordSession(status string) {
	c.sessionsTotal.WithLabelValues(status).Inc()
}

// =============================================================================
// 📬 队列指标记录
// =============================================================================

// RecordMessage 记录一条队列消息的处理结果
func (c *Collector) RecordMessage(outcome string, duration time.Duration) {
	c.queueMessagesTotal.WithLabelValues(outcome).Inc()
	c.queueHandleSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordQueueDepth 记录队列深度
func (c *Collector) RecordQueueDepth(ready, delayed, processing, failed int64) {
	c.queueDepth.WithLabelValues("ready").Set(float64(ready))
	c.queueDepth.WithLabelValues("delayed").Set(float64(delayed))
	c.queueDepth.WithLabelValues("processing").Set(float64(processing))
	c.queueDepth.WithLabelValues("failed").Set(float64(failed))
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown_" + strconv.Itoa(code)
	}
}
