// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// スキャン処理の結果ラベル
const (
	OutcomeRecorded      = "recorded"
	OutcomeDuplicate     = "duplicate"
	OutcomeQuotaExceeded = "quota_exceeded"
	OutcomeNotFound      = "not_found"
	OutcomeError         = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 取り込み処理・バックグラウンド処理から利用する。
type MetricsCollector interface {
	RecordScan(outcome string)
	RecordIngestLatency(duration time.Duration)
	RecordAlert(category string)
	RecordWebhookDelivery(statusCode int, success bool)
	RecordWebhookLatency(duration time.Duration)
	RecordTaskDropped(task string)
	RecordTaskFailure(task string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	scans          *prometheus.CounterVec
	ingestLatency  prometheus.Histogram
	alerts         *prometheus.CounterVec
	webhookStatus  *prometheus.CounterVec
	webhookFail    prometheus.Counter
	webhookLatency prometheus.Histogram
	tasksDropped   *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "theqrcode_scans_total",
			Help: "処理結果別のスキャン信号数",
		}, []string{"outcome"}),
		ingestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "theqrcode_ingest_latency_seconds",
			Help:    "スキャン取り込みのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "theqrcode_alerts_total",
			Help: "種別ごとの通知作成数",
		}, []string{"category"}),
		webhookStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "theqrcode_webhook_status_total",
			Help: "Webhook配信先のHTTPステータスコード別の応答数",
		}, []string{"status_code"}),
		webhookFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "theqrcode_webhook_fail_total",
			Help: "Webhook配信失敗の合計数",
		}),
		webhookLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "theqrcode_webhook_latency_seconds",
			Help:    "Webhook配信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		tasksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "theqrcode_tasks_dropped_total",
			Help: "キューが満杯のため破棄したバックグラウンド処理の数",
		}, []string{"task"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "theqrcode_tasks_failed_total",
			Help: "エラーまたはpanicで終了したバックグラウンド処理の数",
		}, []string{"task"}),
	}

	reg.MustRegister(
		c.scans,
		c.ingestLatency,
		c.alerts,
		c.webhookStatus,
		c.webhookFail,
		c.webhookLatency,
		c.tasksDropped,
		c.tasksFailed,
	)

	return c
}

// RecordScan はスキャン信号の処理結果を記録する。
func (c *Collector) RecordScan(outcome string) {
	c.scans.WithLabelValues(outcome).Inc()
}

// RecordIngestLatency は取り込みのレイテンシを記録する。
func (c *Collector) RecordIngestLatency(duration time.Duration) {
	c.ingestLatency.Observe(duration.Seconds())
}

// RecordAlert は通知の作成を記録する。
func (c *Collector) RecordAlert(category string) {
	c.alerts.WithLabelValues(category).Inc()
}

// RecordWebhookDelivery はWebhook配信の結果を記録する。
// 接続エラーなど応答がない場合はstatusCodeに0を渡す。
func (c *Collector) RecordWebhookDelivery(statusCode int, success bool) {
	if statusCode > 0 {
		c.webhookStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	}
	if !success {
		c.webhookFail.Inc()
	}
}

// RecordWebhookLatency はWebhook配信のレイテンシを記録する。
func (c *Collector) RecordWebhookLatency(duration time.Duration) {
	c.webhookLatency.Observe(duration.Seconds())
}

// RecordTaskDropped はバックグラウンド処理の破棄を記録する。
func (c *Collector) RecordTaskDropped(task string) {
	c.tasksDropped.WithLabelValues(task).Inc()
}

// RecordTaskFailure はバックグラウンド処理の失敗を記録する。
func (c *Collector) RecordTaskFailure(task string) {
	c.tasksFailed.WithLabelValues(task).Inc()
}

// Nop は何も記録しないMetricsCollector。メトリクスを使わない構成やテストで使う。
type Nop struct{}

func (Nop) RecordScan(string) {}
func (Nop) RecordIngestLatency(time.Duration) {}
func (Nop) RecordAlert(string) {}
func (Nop) RecordWebhookDelivery(int, bool) {}
func (Nop) RecordWebhookLatency(time.Duration) {}
func (Nop) RecordTaskDropped(string) {}
func (Nop) RecordTaskFailure(string) {}

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

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
