package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SchedulesTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_schedules_total", Help: "Per-applicant schedule outcomes"}, []string{"status"})
	DispatchTotal      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_dispatch_total", Help: "Expired keys handled by the dispatcher"}, []string{"queue", "result"})
	DeliveryFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_delivery_failures_total", Help: "Outbound messages the transport rejected"})
	BufferAppends      = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_buffer_appends_total", Help: "Inbound fragments appended to a buffer"})
	BufferFlushes      = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_buffer_flushes_total", Help: "Buffers coalesced and forwarded"})
	Cancellations      = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_cancelled_details_total", Help: "Scheduled sends cancelled"})
	Reconciled         = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_reconciled_total", Help: "Missed expirations recovered by the sweep"})
	ListActions        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_list_actions_total", Help: "List actions created"}, []string{"action"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outreach_dispatch_inflight", Help: "Expired keys currently being handled"})
	WatermarkLagGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outreach_watermark_lag_seconds", Help: "Seconds between now and the latest reserved send slot"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SchedulesTotal,
			DispatchTotal,
			DeliveryFailures,
			BufferAppends,
			BufferFlushes,
			Cancellations,
			Reconciled,
			ListActions,
			RateLimitRejects,
			InFlightGauge,
			WatermarkLagGauge,
		)
	})
	return promhttp.Handler()
}
