// ============================================================================
// Substrender Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露渲染排程器的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - render_pushes_total: 成功 push 的圖實例數
//      - render_runs_total{mode}: run() 次數，mode = sync / async
//      - render_jobs_canceled_total: 被取消的任務數
//      - render_jobs_duplicated_total: 因 Replace/First 重播而複製的任務數
//      - render_jobs_completed_total: 標記為 Done 的任務數
//      - render_outputs_computed_total: 成功兌現的 RenderToken 數
//      - render_links_total / render_link_failures_total: link 次數 / 失敗次數
//      - render_textures_released_total: 在渲染執行緒上歸還的紋理數
//
//   2. 性能指標 (Histogram) - 分佈統計：
//      - render_job_latency_seconds: 任務從 run() 到 Done 的時間
//      - render_link_duration_seconds: 單次 link（含建立 handle）耗時
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - render_jobs_pending: 鏈上尚未完成的任務數
//      - render_memory_budget_bytes / render_cores: 目前的硬體資源設定
//
// Prometheus 查詢示例:
//
//   # 95 分位任務延遲
//   histogram_quantile(0.95, rate(render_job_latency_seconds_bucket[5m]))
//
//   # 取消比例
//   rate(render_jobs_canceled_total[5m]) / rate(render_jobs_completed_total[5m])
//
// HTTP 端點:
//   通過 /metrics 端點暴露，默認端口 9090
//
// 所有 Record 方法對 nil *Collector 都是空操作，渲染器可以不帶指標運行。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	pushes           prometheus.Counter
	runs             *prometheus.CounterVec
	jobsCanceled     prometheus.Counter
	jobsDuplicated   prometheus.Counter
	jobsCompleted    prometheus.Counter
	outputsComputed  prometheus.Counter
	links            prometheus.Counter
	linkFailures     prometheus.Counter
	texturesReleased prometheus.Counter

	// 效能指標
	jobLatency   prometheus.Histogram
	linkDuration prometheus.Histogram

	// 狀態指標
	jobsPending  prometheus.Gauge
	memoryBudget prometheus.Gauge
	cores        prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "render_pushes_total",
			Help: "Total number of graph instances pushed with at least one dirty output",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "render_runs_total",
			Help: "Total number of run() calls that scheduled a job",
		}, []string{"mode"}),
		jobsCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "render_jobs_canceled_total",
			Help: "Total number of render jobs canceled",
		}),
		jobsDuplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "render_jobs_duplicated_total",
			Help: "Total number of canceled jobs replayed as duplicates",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "render_jobs_completed_total",
			Help: "Total number of render jobs marked done",
		}),
		outputsComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "render_outputs_computed_total",
			Help: "Total number of render tokens fulfilled",
		}),
		links: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "render_links_total",
			Help: "Total number of engine links",
		}),
		linkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "render_link_failures_total",
			Help: "Total number of engine links that failed",
		}),
		texturesReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "render_textures_released_total",
			Help: "Total number of engine textures released on the render thread",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "render_job_latency_seconds",
			Help:    "Time from run() to job done in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		linkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "render_link_duration_seconds",
			Help:    "Engine link duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "render_jobs_pending",
			Help: "Current number of jobs on the chain that are not done",
		}),
		memoryBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "render_memory_budget_bytes",
			Help: "Configured engine memory budget",
		}),
		cores: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "render_cores",
			Help: "Configured engine core count",
		}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.pushes)
	prometheus.MustRegister(c.runs)
	prometheus.MustRegister(c.jobsCanceled)
	prometheus.MustRegister(c.jobsDuplicated)
	prometheus.MustRegister(c.jobsCompleted)
	prometheus.MustRegister(c.outputsComputed)
	prometheus.MustRegister(c.links)
	prometheus.MustRegister(c.linkFailures)
	prometheus.MustRegister(c.texturesReleased)
	prometheus.MustRegister(c.jobLatency)
	prometheus.MustRegister(c.linkDuration)
	prometheus.MustRegister(c.jobsPending)
	prometheus.MustRegister(c.memoryBudget)
	prometheus.MustRegister(c.cores)

	return c
}

// RecordPush 記錄一次成功的 push
func (c *Collector) RecordPush() {
	if c == nil {
		return
	}
	c.pushes.Inc()
}

// RecordRun 記錄一次 run()
func (c *Collector) RecordRun(async bool) {
	if c == nil {
		return
	}
	mode := "sync"
	if async {
		mode = "async"
	}
	c.runs.WithLabelValues(mode).Inc()
}

// RecordCanceled 記錄取消的任務數
func (c *Collector) RecordCanceled(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.jobsCanceled.Add(float64(n))
}

// RecordDuplicated 記錄重播複製的任務數
func (c *Collector) RecordDuplicated(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.jobsDuplicated.Add(float64(n))
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(latencySeconds float64) {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordOutputComputed 記錄一個 token 被兌現
func (c *Collector) RecordOutputComputed() {
	if c == nil {
		return
	}
	c.outputsComputed.Inc()
}

// RecordLink 記錄一次 link
func (c *Collector) RecordLink(seconds float64, err error) {
	if c == nil {
		return
	}
	c.links.Inc()
	c.linkDuration.Observe(seconds)
	if err != nil {
		c.linkFailures.Inc()
	}
}

// RecordTexturesReleased 記錄歸還的紋理數
func (c *Collector) RecordTexturesReleased(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.texturesReleased.Add(float64(n))
}

// SetPendingJobs 更新鏈上未完成任務數
func (c *Collector) SetPendingJobs(n int) {
	if c == nil {
		return
	}
	c.jobsPending.Set(float64(n))
}

// SetHardResources 更新硬體資源設定
func (c *Collector) SetHardResources(memoryBudget uint64, cores int) {
	if c == nil {
		return
	}
	c.memoryBudget.Set(float64(memoryBudget))
	c.cores.Set(float64(cores))
}

// Handler 返回 /metrics 的 HTTP handler
func Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if g, ok := prometheus.DefaultRegisterer.(prometheus.Gatherer); ok {
		gatherer = g
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
