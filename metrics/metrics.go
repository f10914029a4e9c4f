// Package metrics exposes prometheus instrumentation for the
// orchestration engine: run lifecycle, event throughput, feed
// corruption and subscriber churn.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsNamespace = "litfd"

var (
	runsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_started_total",
		Help:      "Count of runs launched, by tool",
	}, []string{
		"tool",
	})

	runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_finished_total",
		Help:      "Count of runs reaching a terminal phase, by tool and phase",
	}, []string{
		"tool",
		"phase",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of the last finished run",
	}, []string{
		"tool",
		"run_id",
	})

	eventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "events_applied_total",
		Help:      "Count of protocol events applied to run state",
	}, []string{
		"kind",
	})

	decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "decode_errors_total",
		Help:      "Count of malformed protocol lines, by failure class",
	}, []string{
		"reason",
	})

	deltasPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "deltas_published_total",
		Help:      "Count of state deltas handed to the broadcast hub",
	})

	subscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "subscribers_active",
		Help:      "Number of live hub subscriptions",
	})

	subscriberOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "subscriber_overruns_total",
		Help:      "Count of subscribers dropped for falling too far behind",
	})
)

func RecordRunStarted(tool string) {
	runsStarted.WithLabelValues(tool).Inc()
}

func RecordRunFinished(tool, runID, phase string, duration time.Duration) {
	runsFinished.WithLabelValues(tool, phase).Inc()
	runDuration.WithLabelValues(tool, runID).Set(duration.Seconds())
}

func RecordEventApplied(kind string) {
	eventsApplied.WithLabelValues(kind).Inc()
}

func RecordDecodeError(reason string) {
	decodeErrors.WithLabelValues(reason).Inc()
}

func RecordDeltaPublished() {
	deltasPublished.Inc()
}

func RecordSubscriberAdded() {
	subscribersActive.Inc()
}

func RecordSubscriberRemoved() {
	subscribersActive.Dec()
}

func RecordSubscriberOverrun() {
	subscriberOverruns.Inc()
}
