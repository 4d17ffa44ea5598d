// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// パイプライン、音声合成エンジン、定期実行ジョブから利用する。
type MetricsCollector interface {
	RecordRun(status string)
	RecordRunDuration(duration time.Duration)
	RecordStageDegraded(stage string)
	RecordRecoveryTier(tier string)
	RecordSynthesisAttempt(backend string, result string)
	RecordSynthesisChunk(kind string)
	RecordHTTPStatus(statusCode int)
	RecordFeedFetch(result string)
	RecordFetchLatency(duration time.Duration)
	RecordDueCheckTask(result string)
	RecordTasksExpired(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	runs              *prometheus.CounterVec
	runDuration       prometheus.Histogram
	stageDegraded     *prometheus.CounterVec
	recoveryTier      *prometheus.CounterVec
	synthesisAttempts *prometheus.CounterVec
	synthesisChunks   *prometheus.CounterVec
	httpStatus        *prometheus.CounterVec
	feedFetch         *prometheus.CounterVec
	fetchLatency      prometheus.Histogram
	dueCheckTasks     *prometheus.CounterVec
	tasksExpired      prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestcast_runs_total",
			Help: "ダイジェスト実行の終了状態別の合計数",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "digestcast_run_duration_seconds",
			Help:    "ダイジェスト実行1回あたりの所要時間（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		stageDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestcast_stage_degraded_total",
			Help: "劣化して継続したステージ別の合計数",
		}, []string{"stage"}),
		recoveryTier: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestcast_recovery_tier_total",
			Help: "構造化出力の復元段階別の合計数",
		}, []string{"tier"}),
		synthesisAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestcast_synthesis_attempts_total",
			Help: "音声合成の試行結果別の合計数",
		}, []string{"backend", "result"}),
		synthesisChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestcast_synthesis_chunks_total",
			Help: "音声合成チャンクの種別（real/fallbackSilence）別の合計数",
		}, []string{"kind"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestcast_upstream_http_status_total",
			Help: "外部サービスが返したHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		feedFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestcast_feed_fetch_total",
			Help: "フィード取得の結果別の合計数",
		}, []string{"result"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "digestcast_feed_fetch_latency_seconds",
			Help:    "フィード取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		dueCheckTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestcast_due_check_tasks_total",
			Help: "定期実行判定の結果別のタスク数",
		}, []string{"result"}),
		tasksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digestcast_tasks_expired_total",
			Help: "有効期限切れで削除された定期実行タスクの合計数",
		}),
	}

	reg.MustRegister(
		c.runs,
		c.runDuration,
		c.stageDegraded,
		c.recoveryTier,
		c.synthesisAttempts,
		c.synthesisChunks,
		c.httpStatus,
		c.feedFetch,
		c.fetchLatency,
		c.dueCheckTasks,
		c.tasksExpired,
	)

	return c
}

// RecordRun は実行の終了状態（delivered/failed）を記録する。
func (c *Collector) RecordRun(status string) {
	c.runs.WithLabelValues(status).Inc()
}

// RecordRunDuration は実行の所要時間を記録する。
func (c *Collector) RecordRunDuration(duration time.Duration) {
	c.runDuration.Observe(duration.Seconds())
}

// RecordStageDegraded は劣化して継続したステージを記録する。
func (c *Collector) RecordStageDegraded(stage string) {
	c.stageDegraded.WithLabelValues(stage).Inc()
}

// RecordRecoveryTier は構造化出力を復元した段階を記録する。
func (c *Collector) RecordRecoveryTier(tier string) {
	c.recoveryTier.WithLabelValues(tier).Inc()
}

// RecordSynthesisAttempt は音声合成の試行結果を記録する。
func (c *Collector) RecordSynthesisAttempt(backend string, result string) {
	c.synthesisAttempts.WithLabelValues(backend, result).Inc()
}

// RecordSynthesisChunk は音声合成チャンクの種別を記録する。
func (c *Collector) RecordSynthesisChunk(kind string) {
	c.synthesisChunks.WithLabelValues(kind).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFeedFetch はフィード取得の結果（success/failure）を記録する。
func (c *Collector) RecordFeedFetch(result string) {
	c.feedFetch.WithLabelValues(result).Inc()
}

// RecordFetchLatency はフィード取得のレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordDueCheckTask は定期実行判定の結果を記録する。
func (c *Collector) RecordDueCheckTask(result string) {
	c.dueCheckTasks.WithLabelValues(result).Inc()
}

// RecordTasksExpired は削除した期限切れタスク数を記録する。
func (c *Collector) RecordTasksExpired(count int) {
	c.tasksExpired.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
