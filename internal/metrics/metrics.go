// Package metrics 聚合器 Prometheus 指标
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "wavy_aggregator_"

	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

var (
	registerOnce sync.Once

	sessionsActive  prometheus.Gauge
	framesTotal     *prometheus.CounterVec
	readingsTotal   *prometheus.CounterVec
	flushesTotal    *prometheus.CounterVec
	flushSize       prometheus.Histogram
	upstreamUp      prometheus.Gauge
	heartbeatsTotal *prometheus.CounterVec
	forwardLatency  *prometheus.HistogramVec
)

// Init 注册指标，重复调用只生效一次
func Init() {
	registerOnce.Do(func() {
		sessionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "sessions_active",
				Help: "Device sessions currently open",
			},
		)
		framesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "frames_total",
				Help: "Device frames handled by command and response",
			},
			[]string{"command", "response"},
		)
		readingsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_recorded_total",
				Help: "Readings appended to local durability store by result",
			},
			[]string{"result"},
		)
		flushesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "flushes_total",
				Help: "Batch flushes by trigger and forward result",
			},
			[]string{"trigger", "result"},
		)
		flushSize = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "flush_batch_size",
				Help:    "Readings per flushed envelope",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		)
		upstreamUp = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "upstream_connected",
				Help: "1 when the upstream link is connected",
			},
		)
		heartbeatsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "heartbeats_total",
				Help: "Heartbeat ticks by outcome",
			},
			[]string{"result"},
		)
		forwardLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "forward_latency_seconds",
				Help:    "Upstream forward round trip in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			sessionsActive,
			framesTotal,
			readingsTotal,
			flushesTotal,
			flushSize,
			upstreamUp,
			heartbeatsTotal,
			forwardLatency,
		)
	})
}

// SessionOpened 会话建立
func SessionOpened() {
	if sessionsActive != nil {
		sessionsActive.Inc()
	}
}

// SessionClosed 会话结束
func SessionClosed() {
	if sessionsActive != nil {
		sessionsActive.Dec()
	}
}

// IncFrame 记录一帧的命令和响应；未知命令归为 unknown，避免标签基数失控
func IncFrame(command, response string) {
	switch command {
	case "CONNECT_REQUEST", "SEND_DATA", "END_CONN":
	default:
		command = "unknown"
	}
	if framesTotal != nil {
		framesTotal.WithLabelValues(command, response).Inc()
	}
}

// IncReading 记录一次本地落盘
func IncReading(result string) {
	if readingsTotal != nil {
		readingsTotal.WithLabelValues(result).Inc()
	}
}

// ObserveFlush 记录一次 flush
func ObserveFlush(trigger, result string, size int) {
	if flushesTotal != nil {
		flushesTotal.WithLabelValues(trigger, result).Inc()
	}
	if flushSize != nil {
		flushSize.Observe(float64(size))
	}
}

// SetUpstreamConnected 上行链路状态
func SetUpstreamConnected(connected bool) {
	if upstreamUp == nil {
		return
	}
	if connected {
		upstreamUp.Set(1)
	} else {
		upstreamUp.Set(0)
	}
}

// IncHeartbeat 心跳结果
func IncHeartbeat(result string) {
	if heartbeatsTotal != nil {
		heartbeatsTotal.WithLabelValues(result).Inc()
	}
}

// ObserveForward 转发耗时
func ObserveForward(result string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	if forwardLatency != nil {
		forwardLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}
