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
// syncワーカーと動的APIハンドラーから利用する。
type MetricsCollector interface {
	RecordSyncSuccess(handle string)
	RecordSyncFailure(handle string)
	RecordSyncLatency(duration time.Duration)
	RecordAPIRequest(handle, method string, statusCode int)
	RecordAPILatency(duration time.Duration)
	RecordRecordsWritten(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncSuccess    *prometheus.CounterVec
	syncFail       *prometheus.CounterVec
	syncLatency    prometheus.Histogram
	apiRequests    *prometheus.CounterVec
	apiLatency     prometheus.Histogram
	recordsWritten prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octbase_sync_success_total",
			Help: "アプリsync成功の合計数",
		}, []string{"handle"}),
		syncFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octbase_sync_fail_total",
			Help: "アプリsync失敗の合計数",
		}, []string{"handle"}),
		syncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "octbase_sync_latency_seconds",
			Help:    "アプリsyncのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octbase_api_requests_total",
			Help: "動的APIのリクエスト数",
		}, []string{"handle", "method", "status_code"}),
		apiLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "octbase_api_latency_seconds",
			Help:    "動的APIのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		recordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "octbase_records_written_total",
			Help: "書き込まれたレコードの合計数",
		}),
	}

	reg.MustRegister(
		c.syncSuccess,
		c.syncFail,
		c.syncLatency,
		c.apiRequests,
		c.apiLatency,
		c.recordsWritten,
	)

	return c
}

// RecordSyncSuccess はsync成功を記録する。
func (c *Collector) RecordSyncSuccess(handle string) {
	c.syncSuccess.WithLabelValues(handle).Inc()
}

// RecordSyncFailure はsync失敗を記録する。
func (c *Collector) RecordSyncFailure(handle string) {
	c.syncFail.WithLabelValues(handle).Inc()
}

// RecordSyncLatency はsyncのレイテンシを記録する。
func (c *Collector) RecordSyncLatency(duration time.Duration) {
	c.syncLatency.Observe(duration.Seconds())
}

// RecordAPIRequest は動的APIのリクエストを記録する。
func (c *Collector) RecordAPIRequest(handle, method string, statusCode int) {
	c.apiRequests.WithLabelValues(handle, method, strconv.Itoa(statusCode)).Inc()
}

// RecordAPILatency は動的APIのレイテンシを記録する。
func (c *Collector) RecordAPILatency(duration time.Duration) {
	c.apiLatency.Observe(duration.Seconds())
}

// RecordRecordsWritten は書き込まれたレコード数を記録する。
func (c *Collector) RecordRecordsWritten(count int) {
	c.recordsWritten.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
