// ============================================================================
// postbox Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 把每次排程操作的 Report 轉成 Prometheus 指標
//
// 指標分類:
//
//   1. 操作計數器 (Counter)：
//      - postbox_operations_total{op,result}: 操作次數，result = ok / error
//      - postbox_admitted_total: 由 schedule file 建立並排入 chain 的任務數
//      - postbox_transitions_total{to}: 任務狀態轉換次數
//      - postbox_failures_total{op,kind}: 未中止操作的單項失敗
//      - postbox_warnings_total{op,kind}: 警告（例如未套用的參數）
//
//   2. 性能指標 (Histogram)：
//      - postbox_operation_duration_seconds{op}
//
//   3. 狀態指標 (Gauge) - 每次操作結束後的快照：
//      - postbox_jobs{status}
//      - postbox_chains_total / postbox_chains_busy
//      - postbox_last_success_timestamp_seconds{op}
//
// 使用方式:
//   Collector 實作 scheduler.Observer，在 scheduler.Options.Observers 註冊即可。
//   Handler 回傳對應 registry 的 /metrics 端點，由 server 掛載。
//
// ============================================================================

package metrics

import (
	"context"
	"net/http"

	"github.com/ChuLiYu/postbox/internal/scheduler"
	"github.com/ChuLiYu/postbox/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "postbox"

// Collector Prometheus 指標收集器
type Collector struct {
	operations  *prometheus.CounterVec
	admitted    prometheus.Counter
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	warnings    *prometheus.CounterVec

	duration *prometheus.HistogramVec

	jobs        *prometheus.GaugeVec
	chainsTotal prometheus.Gauge
	chainsBusy  prometheus.Gauge
	lastSuccess *prometheus.GaugeVec
}

// NewCollector 創建指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Scheduler operations by name and result",
		}, []string{"op", "result"}),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admitted_total",
			Help:      "Schedule entries turned into scheduled jobs",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Job state transitions by target status",
		}, []string{"to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Per-entry and per-job failures by kind",
		}, []string{"op", "kind"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warnings_total",
			Help:      "Non-fatal warnings by kind",
		}, []string{"op", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of scheduler operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Jobs in the database by status",
		}, []string{"status"}),
		chainsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chains_total",
			Help:      "Chains in the configured range",
		}),
		chainsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chains_busy",
			Help:      "Chains bound to a scheduled or running job",
		}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Finish time of the last successful operation",
		}, []string{"op"}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.operations,
		c.admitted,
		c.transitions,
		c.failures,
		c.warnings,
		c.duration,
		c.jobs,
		c.chainsTotal,
		c.chainsBusy,
		c.lastSuccess,
	)
	return c
}

// Observe 記錄一次操作的結果
func (c *Collector) Observe(ctx context.Context, r *scheduler.Report) {
	op := string(r.Op)

	result := "ok"
	if r.Err != nil {
		result = "error"
	}
	c.operations.WithLabelValues(op, result).Inc()
	c.duration.WithLabelValues(op).Observe(r.Duration().Seconds())

	c.admitted.Add(float64(len(r.Admitted)))
	for _, t := range r.Transitions {
		c.transitions.WithLabelValues(string(t.To)).Inc()
	}
	for _, f := range r.Failures {
		c.failures.WithLabelValues(op, scheduler.ErrorKind(f.Err)).Inc()
	}
	for _, w := range r.Warnings {
		c.warnings.WithLabelValues(op, scheduler.ErrorKind(w.Err)).Inc()
	}

	// 操作在載入前失敗時沒有狀態快照，保留上一次的值
	if r.Stats != nil {
		for _, s := range types.Statuses {
			c.jobs.WithLabelValues(string(s)).Set(float64(r.Stats[s]))
		}
		c.chainsTotal.Set(float64(r.ChainsTotal))
		c.chainsBusy.Set(float64(r.ChainsBusy))
	}

	if r.Err == nil {
		c.lastSuccess.WithLabelValues(op).Set(float64(r.FinishedAt.Unix()))
	}
}

// Handler 回傳 registry 的 /metrics HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
