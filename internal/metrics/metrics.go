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
// 認証フロー、ミドルウェア、ハンドラーから利用する。
type MetricsCollector interface {
	RecordLogin(result string)
	RecordFlowFailure(category string)
	RecordCSRFRejection(reason string)
	RecordSessionRejection(reason string)
	RecordGateDenial(reason string)
	RecordTokenExchange(duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// ログイン結果のラベル値
const (
	LoginSuccess = "success"
	LoginFailure = "failure"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins            *prometheus.CounterVec
	flowFailures      *prometheus.CounterVec
	csrfRejections    *prometheus.CounterVec
	sessionRejections *prometheus.CounterVec
	gateDenials       *prometheus.CounterVec
	tokenExchange     prometheus.Histogram
	httpStatus        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_logins_total",
			Help: "結果別のログイン完了数",
		}, []string{"result"}),
		flowFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_flow_failures_total",
			Help: "カテゴリ別のOAuthフロー失敗数",
		}, []string{"category"}),
		csrfRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_csrf_rejections_total",
			Help: "理由別のCSRF検証拒否数",
		}, []string{"reason"}),
		sessionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_session_rejections_total",
			Help: "理由別のセッション検証拒否数",
		}, []string{"reason"}),
		gateDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_gate_denials_total",
			Help: "理由別の管理者・開発者ゲート拒否数",
		}, []string{"reason"}),
		tokenExchange: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authgate_token_exchange_seconds",
			Help:    "IdPトークン交換のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.logins,
		c.flowFailures,
		c.csrfRejections,
		c.sessionRejections,
		c.gateDenials,
		c.tokenExchange,
		c.httpStatus,
	)

	return c
}

// RecordLogin はログイン結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordFlowFailure はOAuthフロー失敗を記録する。
func (c *Collector) RecordFlowFailure(category string) {
	c.flowFailures.WithLabelValues(category).Inc()
}

// RecordCSRFRejection はCSRF検証拒否を記録する。
func (c *Collector) RecordCSRFRejection(reason string) {
	c.csrfRejections.WithLabelValues(reason).Inc()
}

// RecordSessionRejection はセッション検証拒否を記録する。
func (c *Collector) RecordSessionRejection(reason string) {
	c.sessionRejections.WithLabelValues(reason).Inc()
}

// RecordGateDenial はゲート拒否を記録する。
func (c *Collector) RecordGateDenial(reason string) {
	c.gateDenials.WithLabelValues(reason).Inc()
}

// RecordTokenExchange はトークン交換のレイテンシを記録する。
func (c *Collector) RecordTokenExchange(duration time.Duration) {
	c.tokenExchange.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordLogin(string) {}
func (Nop) RecordFlowFailure(string) {}
func (Nop) RecordCSRFRejection(string) {}
func (Nop) RecordSessionRejection(string) {}
func (Nop) RecordGateDenial(string) {}
func (Nop) RecordTokenExchange(time.Duration) {}
func (Nop) RecordHTTPStatus(int) {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
