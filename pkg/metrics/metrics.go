// Package metrics はPrometheusのメトリクスを定義する。
//
// メトリクスはプロセス全体で共有し、各サービスは /metrics エンドポイントで公開する。
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "unisync"

var (
	// TokenVerifications はトークン検証の結果ごとの件数。
	TokenVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_verifications_total",
		Help:      "Token verification results by outcome.",
	}, []string{"result"})

	// KeyRefreshes は署名鍵セットの再取得結果ごとの件数。
	KeyRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jwks_refreshes_total",
		Help:      "Signing key set refreshes by reason and result.",
	}, []string{"reason", "result"})

	// GatewayRequests はgatewayが処理したリクエストの件数。
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_requests_total",
		Help:      "Gateway requests by route and status code.",
	}, []string{"route", "code"})

	// GatewayLatency はgatewayのプロキシ処理時間。
	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gateway_request_duration_seconds",
		Help:      "Gateway request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	// MessagesHandled はコンシューマが処理したメッセージの結果ごとの件数。
	MessagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_messages_total",
		Help:      "Consumed messages by queue and outcome.",
	}, []string{"queue", "outcome"})

	// EventsPublished はイベント発行の結果ごとの件数。
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Published events by event type and result.",
	}, []string{"event_type", "result"})

	// OutboxDegraded は配信劣化状態にあるアウトボックスレコードの件数。
	OutboxDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_degraded_records",
		Help:      "Outbox records whose delivery keeps failing.",
	})

	// OutboxPending は未発行のアウトボックスレコードの件数。
	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_pending_records",
		Help:      "Outbox records not yet published.",
	})
)

// Handler は /metrics 用のGinハンドラを返す。
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
