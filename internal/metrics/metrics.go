// ============================================================================
// oqdist Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 governing process 的分發指標並通過 /metrics 暴露
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - oqdist_tasks_dispatched_total{backend}: 已分派任務總數
//      - oqdist_results_total{status}: 收到的結果訊息（ok / error）
//      - oqdist_phases_total{state}: 結束的階段（completed / failed / cancelled）
//      - oqdist_runs_total{state}: 結束的 run
//      - oqdist_job_cancellations_total: 對 backend 發出的取消
//
//   2. 分佈 (Histogram):
//      - oqdist_phase_duration_seconds{phase}: 提交到收齊結果的時間
//        * 桶分佈: 1s 到約 4.5h，指數增長（slurm 階段可能很長）
//
//   3. 狀態 (Gauge):
//      - oqdist_runs_queued: 等待 admission slot 的 run 數
//      - oqdist_runs_active: 正在分發的 run 數（0 或 1）
//
// Prometheus 查詢示例:
//
//   # 任務錯誤率
//   rate(oqdist_results_total{status="error"}[5m]) / rate(oqdist_results_total[5m])
//
//   # 95 分位階段時間
//   histogram_quantile(0.95, rate(oqdist_phase_duration_seconds_bucket[1h]))
//
// 每個 Collector 註冊到自己的 Registerer，多個實例（測試）互不衝突。
// 所有方法對 nil *Collector 安全，未啟用 metrics 時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

const namespace = "oqdist"

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	tasksDispatched  *prometheus.CounterVec
	results          *prometheus.CounterVec
	phases           *prometheus.CounterVec
	runs             *prometheus.CounterVec
	jobCancellations prometheus.Counter

	phaseDuration *prometheus.HistogramVec

	runsQueued prometheus.Gauge
	runsActive prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到新的 registry（含 Go runtime 與 process 指標）
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Total number of tasks handed to a distribution backend",
		}, []string{"backend"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Result messages received, by status",
		}, []string{"status"}),
		phases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phases_total",
			Help:      "Phases that reached a terminal state",
		}, []string{"state"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs that reached a terminal state",
		}, []string{"state"}),
		jobCancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_cancellations_total",
			Help:      "Cancellations issued to a distribution backend",
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Time from phase submission to the last result",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 15),
		}, []string{"phase"}),
		runsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_queued",
			Help:      "Runs waiting for the admission slot",
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Runs currently dispatching or awaiting results",
		}),
	}

	c.registry.MustRegister(
		c.tasksDispatched,
		c.results,
		c.phases,
		c.runs,
		c.jobCancellations,
		c.phaseDuration,
		c.runsQueued,
		c.runsActive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry 回傳底層 registry（測試與自訂 exporter 用）
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordDispatch 記錄 n 個任務交給 backend
func (c *Collector) RecordDispatch(backend string, n int) {
	if c == nil {
		return
	}
	c.tasksDispatched.WithLabelValues(backend).Add(float64(n))
}

// RecordResult 記錄一則結果訊息
func (c *Collector) RecordResult(status types.ResultStatus) {
	if c == nil {
		return
	}
	c.results.WithLabelValues(string(status)).Inc()
}

// RecordPhase 記錄階段結束狀態與耗時
func (c *Collector) RecordPhase(phase string, state types.PhaseState, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.phases.WithLabelValues(string(state)).Inc()
	c.phaseDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
}

// RecordRun 記錄 run 結束狀態
func (c *Collector) RecordRun(state types.RunState) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(string(state)).Inc()
}

// RecordCancel 記錄一次 backend 取消
func (c *Collector) RecordCancel() {
	if c == nil {
		return
	}
	c.jobCancellations.Inc()
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(queued, active int) {
	if c == nil {
		return
	}
	c.runsQueued.Set(float64(queued))
	c.runsActive.Set(float64(active))
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer 啟動獨立的 Prometheus metrics HTTP 伺服器，直到 ctx 結束
func (c *Collector) StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
