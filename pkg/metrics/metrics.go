package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gin-gonic/gin"
)

var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadflow_sync_jobs_processed_total",
		Help: "Sync jobs processed by terminal result.",
	}, []string{"kind", "result"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leadflow_sync_job_duration_seconds",
		Help:    "Wall time per sync job attempt.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"kind"})

	KMSCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadflow_kms_calls_total",
		Help: "KMS wrap/unwrap calls by operation and result.",
	}, []string{"op", "result"})

	DEKCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadflow_dek_cache_hits_total",
		Help: "Tenant DEK cache hits.",
	})

	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadflow_webhooks_received_total",
		Help: "Provider push notifications by provider and outcome.",
	}, []string{"provider", "outcome"})

	WebhookFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadflow_webhook_fallback_total",
		Help: "Inline webhook syncs that fell back to a queued job.",
	}, []string{"provider"})

	RecordsSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadflow_records_synced_total",
		Help: "Normalized records persisted by type.",
	}, []string{"type"})
)

// Handler exposes the prometheus registry as a gin handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
