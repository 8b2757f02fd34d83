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
// パイプライン・キューワーカー・クォータ制御・HTTP層から利用する。
type MetricsCollector interface {
	RecordPipelineRun(outcome string, duration time.Duration)
	RecordArticleSaved(source string)
	RecordArticleSkipped(reason string)
	RecordCategoryError(category string)
	RecordEnrichmentJob(outcome string)
	RecordQuotaDeleted(kind string, count int)
	RecordHTTPRequest(method, route string, statusCode int, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	pipelineRuns     *prometheus.CounterVec
	pipelineDuration prometheus.Histogram
	articlesSaved    *prometheus.CounterVec
	articlesSkipped  *prometheus.CounterVec
	categoryErrors   *prometheus.CounterVec
	enrichmentJobs   *prometheus.CounterVec
	quotaDeleted     *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trendboard_pipeline_runs_total",
			Help: "パイプライン実行の結果別件数",
		}, []string{"outcome"}),
		pipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trendboard_pipeline_duration_seconds",
			Help:    "パイプライン1回の所要時間（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		articlesSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trendboard_articles_saved_total",
			Help: "保存された記事数（エンリッチメントの出所別）",
		}, []string{"source"}),
		articlesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trendboard_articles_skipped_total",
			Help: "保存されなかった記事数（理由別）",
		}, []string{"reason"}),
		categoryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trendboard_category_fetch_errors_total",
			Help: "カテゴリ単位の取得エラー数",
		}, []string{"category"}),
		enrichmentJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trendboard_enrichment_jobs_total",
			Help: "キューワーカーが処理したジョブ数（結果別）",
		}, []string{"outcome"}),
		quotaDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trendboard_quota_deleted_articles_total",
			Help: "クォータ制御で削除された記事数",
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trendboard_http_requests_total",
			Help: "HTTPリクエスト数",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trendboard_http_request_duration_seconds",
			Help:    "HTTPリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		c.pipelineRuns,
		c.pipelineDuration,
		c.articlesSaved,
		c.articlesSkipped,
		c.categoryErrors,
		c.enrichmentJobs,
		c.quotaDeleted,
		c.httpRequests,
		c.httpDuration,
	)

	return c
}

// RecordPipelineRun はパイプライン実行の結果と所要時間を記録する。
// スキップされた実行は所要時間を記録しない。
func (c *Collector) RecordPipelineRun(outcome string, duration time.Duration) {
	c.pipelineRuns.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		c.pipelineDuration.Observe(duration.Seconds())
	}
}

// RecordArticleSaved は記事の保存を記録する。
func (c *Collector) RecordArticleSaved(source string) {
	c.articlesSaved.WithLabelValues(source).Inc()
}

// RecordArticleSkipped は保存されなかった記事を記録する。
func (c *Collector) RecordArticleSkipped(reason string) {
	c.articlesSkipped.WithLabelValues(reason).Inc()
}

// RecordCategoryError はカテゴリ単位の取得エラーを記録する。
func (c *Collector) RecordCategoryError(category string) {
	c.categoryErrors.WithLabelValues(category).Inc()
}

// RecordEnrichmentJob はキュージョブの処理結果を記録する。
func (c *Collector) RecordEnrichmentJob(outcome string) {
	c.enrichmentJobs.WithLabelValues(outcome).Inc()
}

// RecordQuotaDeleted はクォータ制御による削除件数を記録する。
func (c *Collector) RecordQuotaDeleted(kind string, count int) {
	if count > 0 {
		c.quotaDeleted.WithLabelValues(kind).Add(float64(count))
	}
}

// RecordHTTPRequest はHTTPリクエストを記録する。
func (c *Collector) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordPipelineRun(string, time.Duration) {}
func (Nop) RecordArticleSaved(string) {}
func (Nop) RecordArticleSkipped(string) {}
func (Nop) RecordCategoryError(string) {}
func (Nop) RecordEnrichmentJob(string) {}
func (Nop) RecordQuotaDeleted(string, int) {}
func (Nop) RecordHTTPRequest(string, string, int, time.Duration) {}

// OrNop はmがnilの場合にNopを返す。
func OrNop(m MetricsCollector) MetricsCollector {
	if m == nil {
		return Nop{}
	}
	return m
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
