// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// セッションエンジン、永続化ワーカー、HTTPミドルウェアから利用する。
type Collector struct {
	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	samplesIngested  prometheus.Counter
	cyclesCompleted  prometheus.Counter
	cycleScore       prometheus.Histogram
	framesDropped    prometheus.Counter
	archiveSaved     prometheus.Counter
	archiveFailures  prometheus.Counter
	httpStatus       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breathwork_sessions_started_total",
			Help: "種別ごとの開始セッション数",
		}, []string{"type"}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breathwork_sessions_finished_total",
			Help: "終了結果（completed/aborted）ごとの終了セッション数",
		}, []string{"outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "breathwork_active_sessions",
			Help: "レジストリに登録されているセッション数",
		}),
		samplesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "breathwork_samples_ingested_total",
			Help: "取り込んだサンプルの合計数",
		}),
		cyclesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "breathwork_cycles_completed_total",
			Help: "完了した呼吸サイクルの合計数",
		}),
		cycleScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "breathwork_cycle_score",
			Help:    "呼吸サイクルごとの一貫性スコア",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "breathwork_stream_frames_dropped_total",
			Help: "バックプレッシャーにより破棄されたストリームフレームの合計数",
		}),
		archiveSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "breathwork_archive_saved_total",
			Help: "永続化に成功したセッションの合計数",
		}),
		archiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "breathwork_archive_failures_total",
			Help: "永続化に失敗または破棄されたセッションの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breathwork_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.sessionsStarted,
		c.sessionsFinished,
		c.activeSessions,
		c.samplesIngested,
		c.cyclesCompleted,
		c.cycleScore,
		c.framesDropped,
		c.archiveSaved,
		c.archiveFailures,
		c.httpStatus,
	)

	return c
}

// RecordSessionStarted はセッション開始を記録する。
func (c *Collector) RecordSessionStarted(sessionType string) {
	c.sessionsStarted.WithLabelValues(sessionType).Inc()
}

// RecordSessionFinished はセッション終了を記録する。
func (c *Collector) RecordSessionFinished(outcome string) {
	c.sessionsFinished.WithLabelValues(outcome).Inc()
}

// RecordSamplesIngested は取り込んだサンプル数を記録する。
func (c *Collector) RecordSamplesIngested(count int) {
	c.samplesIngested.Add(float64(count))
}

// RecordCycleCompleted はサイクル完了とそのスコアを記録する。
func (c *Collector) RecordCycleCompleted(score float64) {
	c.cyclesCompleted.Inc()
	c.cycleScore.Observe(score)
}

// RecordFrameDropped はストリームフレームの破棄を記録する。
func (c *Collector) RecordFrameDropped() {
	c.framesDropped.Inc()
}

// SetActiveSessions はレジストリのセッション数を設定する。
func (c *Collector) SetActiveSessions(count int) {
	c.activeSessions.Set(float64(count))
}

// RecordArchiveSaved は永続化成功を記録する。
func (c *Collector) RecordArchiveSaved() {
	c.archiveSaved.Inc()
}

// RecordArchiveFailure は永続化失敗を記録する。
func (c *Collector) RecordArchiveFailure() {
	c.archiveFailures.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
