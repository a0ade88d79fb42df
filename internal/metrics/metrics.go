// Package metrics holds the Prometheus counters exported by deskd.
// Every helper is a no-op until Init has been called, so packages can
// record unconditionally and tests need no registry.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "deskbridge_"

// Result label values.
const (
	ResultSuccess   = "success"
	ResultError     = "error"
	ResultEmpty     = "empty"
	ResultDuplicate = "duplicate"
	ResultTimeout   = "timeout"
)

var (
	registerOnce sync.Once

	pollTotal      *prometheus.CounterVec
	pollLatency    *prometheus.HistogramVec
	dispatchTotal  *prometheus.CounterVec
	ackTotal       *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	uploadTotal    *prometheus.CounterVec
	uiDropped      prometheus.Counter
)

// Init registers all collectors with the default registry.
func Init() {
	registerOnce.Do(func() {
		pollTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_total",
				Help: "Cloud command polls by result",
			},
			[]string{"result"},
		)
		pollLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "poll_latency_seconds",
				Help:    "Cloud command poll latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		dispatchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "dispatch_total",
				Help: "Dispatched commands by source, action and result",
			},
			[]string{"source", "action", "result"},
		)
		ackTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ack_total",
				Help: "Command acknowledgements by result",
			},
			[]string{"result"},
		)
		tokenRefreshes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "token_refresh_total",
				Help: "Access token refreshes by result",
			},
			[]string{"result"},
		)
		uploadTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "capture_upload_total",
				Help: "Capture uploads by result",
			},
			[]string{"result"},
		)
		uiDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "ui_events_dropped_total",
				Help: "UI events dropped because the UI loop fell behind",
			},
		)

		prometheus.MustRegister(
			pollTotal,
			pollLatency,
			dispatchTotal,
			ackTotal,
			tokenRefreshes,
			uploadTotal,
			uiDropped,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePoll records one poll and its latency.
func ObservePoll(result string, duration time.Duration) {
	if pollTotal != nil {
		pollTotal.WithLabelValues(result).Inc()
	}
	if pollLatency != nil {
		pollLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncDispatch records one dispatch outcome.
func IncDispatch(source, action, result string) {
	if dispatchTotal != nil {
		dispatchTotal.WithLabelValues(source, action, result).Inc()
	}
}

// IncAck records one acknowledgement outcome.
func IncAck(result string) {
	if ackTotal != nil {
		ackTotal.WithLabelValues(result).Inc()
	}
}

// IncTokenRefresh records one token refresh outcome.
func IncTokenRefresh(result string) {
	if tokenRefreshes != nil {
		tokenRefreshes.WithLabelValues(result).Inc()
	}
}

// IncUpload records one capture upload outcome.
func IncUpload(result string) {
	if uploadTotal != nil {
		uploadTotal.WithLabelValues(result).Inc()
	}
}

// IncUIDropped counts an event the UI loop never saw.
func IncUIDropped() {
	if uiDropped != nil {
		uiDropped.Inc()
	}
}
