// Package metrics provides Prometheus instrumentation for the watermark proxy.
//
// Metrics registered here:
//
//	watermark_cache_lookups_total{result}          cache hits and misses
//	watermark_productions_total{outcome}           pipeline runs by error code
//	watermark_production_duration_seconds{outcome} fetch + watermark + commit latency
//	watermark_follower_joins_total{mode}           requests that attached to an in-flight task
//	watermark_origin_bytes_total                   bytes downloaded from the origin
//	watermark_inflight_tasks                       tasks currently in the registry
//
// A nil *Collector is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 持有所有指标实例。
type Collector struct {
	cacheLookups  *prometheus.CounterVec
	productions   *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	followerJoins *prometheus.CounterVec
	originBytes   prometheus.Counter
}

// New 创建指标并注册到 reg；重复注册同一 reg 会 panic。
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watermark_cache_lookups_total",
			Help: "Cache lookups by result.",
		}, []string{"result"}),
		productions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watermark_productions_total",
			Help: "Fetch-and-watermark runs by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "watermark_production_duration_seconds",
			Help:    "Duration of fetch-and-watermark runs.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		followerJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watermark_follower_joins_total",
			Help: "Requests that found a production already in flight.",
		}, []string{"mode"}),
		originBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watermark_origin_bytes_total",
			Help: "Bytes downloaded from the origin.",
		}),
	}
	reg.MustRegister(c.cacheLookups, c.productions, c.duration, c.followerJoins, c.originBytes)
	return c
}

// RegisterInflight 以 GaugeFunc 暴露当前进行中的任务数。
func RegisterInflight(reg prometheus.Registerer, fn func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "watermark_inflight_tasks",
		Help: "Productions currently registered in the in-flight guard.",
	}, func() float64 { return float64(fn()) }))
}

// CacheLookup 记录一次缓存查询。
func (c *Collector) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// Production 记录一次生产的结果与耗时，outcome 通常是 ok 或错误码。
func (c *Collector) Production(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.productions.WithLabelValues(outcome).Inc()
	c.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// FollowerJoin 记录一次 follower 加入。
func (c *Collector) FollowerJoin(mode string) {
	if c == nil {
		return
	}
	c.followerJoins.WithLabelValues(mode).Inc()
}

// OriginBytes 累加回源下载字节数。
func (c *Collector) OriginBytes(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.originBytes.Add(float64(n))
}

// Handler 返回 Prometheus 抓取端点。
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
