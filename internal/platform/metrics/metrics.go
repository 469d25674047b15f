package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP 指標
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gg_http_requests_total",
			Help: "HTTP 請求總數",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gg_http_request_duration_seconds",
			Help:    "HTTP 請求耗時（秒）",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 治理指標
var (
	// AdmissionsTotal 准入判定，outcome: allowed / rate_limited / daily_quota / monthly_quota / too_large / fail_open / unavailable
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gg_admissions_total",
			Help: "配額與速率准入判定次數",
		},
		[]string{"outcome"},
	)

	// CredentialResolutions 憑證解析結果，source: user / admin / none
	CredentialResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gg_credential_resolutions_total",
			Help: "有效憑證解析次數",
		},
		[]string{"source"},
	)

	// RateLimitRejections 進程內防濫用限制的拒絕次數，scope: default / admin / stream
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gg_rate_limit_rejections_total",
			Help: "防濫用限制拒絕次數",
		},
		[]string{"scope"},
	)

	// ActiveStreams 進行中的串流補全連接數
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gg_active_streams",
		Help: "進行中的串流連接數",
	})

	// CacheLookups 快取查詢，cache: credential / client，result: hit / miss
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gg_cache_lookups_total",
			Help: "LRU 快取查詢次數",
		},
		[]string{"cache", "result"},
	)
)

// 補全服務指標
var (
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gg_provider_request_duration_seconds",
			Help:    "外部補全服務呼叫耗時（秒）",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"mode"},
	)

	// ProviderErrors 補全服務錯誤，kind: invalid_credential / quota / other
	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gg_provider_errors_total",
			Help: "外部補全服務錯誤次數",
		},
		[]string{"kind"},
	)

	TokensRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gg_tokens_recorded_total",
			Help: "已記錄的 token 數量",
		},
		[]string{"model"},
	)

	// UsageRecordFailures 非同步用量記錄失敗（已記錄並忽略）
	UsageRecordFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gg_usage_record_failures_total",
		Help: "用量記錄失敗次數",
	})
)
