package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	cycles        *prometheus.CounterVec
	cycleFailures *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	alertsCreated *prometheus.CounterVec
	profilesBuilt prometheus.Counter
	enrichments   prometheus.Counter
	enrichErrors  prometheus.Counter
	domainsScored prometheus.Counter
	scores        prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dnssentry",
			Name:      "cycles_total",
			Help:      "Analysis cycles run, per loop.",
		}, []string{"loop"}),
		cycleFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dnssentry",
			Name:      "cycle_failures_total",
			Help:      "Analysis cycles that failed or panicked, per loop.",
		}, []string{"loop"}),
		cycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dnssentry",
			Name:      "cycle_duration_seconds",
			Help:      "Analysis cycle wall time, per loop.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 3, 10),
		}, []string{"loop"}),
		alertsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dnssentry",
			Name:      "alerts_created_total",
			Help:      "Alerts created after deduplication, per type and severity.",
		}, []string{"type", "severity"}),
		profilesBuilt: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dnssentry",
			Name:      "profiles_built_total",
			Help:      "Client baseline profiles built.",
		}),
		enrichments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dnssentry",
			Name:      "enrichments_total",
			Help:      "Alerts enriched by the analysis service.",
		}),
		enrichErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dnssentry",
			Name:      "enrichment_errors_total",
			Help:      "Enrichment attempts that failed.",
		}),
		domainsScored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dnssentry",
			Name:      "domains_scored_total",
			Help:      "Domains given a first reputation score.",
		}),
		scores: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dnssentry",
			Name:      "reputation_score",
			Help:      "Distribution of first reputation scores.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
	}
}
