// Package telemetry holds jobgate's Prometheus collectors.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	Submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobgate_submissions_total",
		Help: "Submissions by admission outcome",
	}, []string{"outcome"})
	WorkerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobgate_worker_calls_total",
		Help: "Outbound worker calls by result",
	}, []string{"call", "result"})
	WorkerCallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jobgate_worker_call_duration_seconds",
		Help:    "Latency of worker submit calls",
		Buckets: prometheus.DefBuckets,
	})
	CompletionRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobgate_completion_write_retries_total",
		Help: "Retries of the post-dispatch completion write",
	})
	CompletionLost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobgate_completion_write_lost_total",
		Help: "Dispatched jobs whose job id could not be recorded",
	})
	WebhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobgate_webhook_events_total",
		Help: "Webhook events by kind and result",
	}, []string{"kind", "result"})
	WebhookRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobgate_webhook_rejections_total",
		Help: "Webhook requests rejected at the boundary",
	}, []string{"reason"})
	ZombieSuspects = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobgate_zombie_suspects",
		Help: "Running sessions without a recent heartbeat at the last scan",
	})
	ForceCloses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobgate_force_closes_total",
		Help: "Sessions force-closed by an operator",
	})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobgate_rate_limit_rejects_total",
		Help: "Submissions rejected by the per-owner rate limiter",
	})
	Purged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobgate_retention_purged_total",
		Help: "Rows removed by the retention sweep",
	}, []string{"table"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		Submissions,
		WorkerCalls,
		WorkerCallDuration,
		CompletionRetries,
		CompletionLost,
		WebhookEvents,
		WebhookRejections,
		ZombieSuspects,
		ForceCloses,
		RateLimitRejects,
		Purged,
	)
}

// Handler serves /metrics from Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
